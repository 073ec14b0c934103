package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := loadSettings(envMap(nil))
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if s.Backend != "duckdb" || s.LogLevel != "info" || s.LogFormat != "text" || s.MetricsBackend != "none" {
		t.Errorf("unexpected defaults: %s", s)
	}
	if s.SampleRows != 1 || s.ChunkRows != 0 || s.Case != "upper" || s.MetricsFlush != time.Minute {
		t.Errorf("unexpected numeric defaults: %+v", s)
	}
}

func TestLoadSettings_Overrides(t *testing.T) {
	t.Setenv("BULKLOAD_TEST_HOST", "db.internal")
	s, err := loadSettings(envMap(map[string]string{
		"BULKLOAD_BACKEND":       "postgres",
		"DATABASE_URL":           "postgres://${BULKLOAD_TEST_HOST}/x",
		"BULKLOAD_CHUNK_ROWS":    "5000",
		"METRICS_TAGS":           "team:data, ,svc:ingest",
		"BULKLOAD_CASE":          "lower",
		"BULKLOAD_LOG_FORMAT":    "json",
		"BULKLOAD_METRICS_FLUSH": "15s",
	}))
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if s.Backend != "postgres" || s.ChunkRows != 5000 || s.Case != "lower" || s.LogFormat != "json" {
		t.Errorf("overrides not applied: %+v", s)
	}
	if s.DSN != "postgres://db.internal/x" {
		t.Errorf("DSN=%q (alt env var plus expansion)", s.DSN)
	}
	if strings.Join(s.DatadogTags, "|") != "team:data|svc:ingest" {
		t.Errorf("tags=%v", s.DatadogTags)
	}
	if s.MetricsFlush != 15*time.Second {
		t.Errorf("flush=%s", s.MetricsFlush)
	}
	if strings.Contains(s.String(), "db.internal") {
		t.Errorf("String must mask the DSN: %s", s)
	}
}

func TestLoadSettings_Invalid(t *testing.T) {
	tests := []struct {
		env  map[string]string
		want string
	}{
		{env: map[string]string{"BULKLOAD_CHUNK_ROWS": "lots"}, want: "invalid integer"},
		{env: map[string]string{"BULKLOAD_DISABLE_NATIVE": "maybe"}, want: "invalid boolean"},
		{env: map[string]string{"BULKLOAD_METRICS_FLUSH": "soon"}, want: "invalid duration"},
		{env: map[string]string{"BULKLOAD_BACKEND": "oracle", "BULKLOAD_LOG_LEVEL": "loud"}, want: "BULKLOAD_LOG_LEVEL"},
		{env: map[string]string{"BULKLOAD_CASE": "title"}, want: "BULKLOAD_CASE"},
	}
	for _, tc := range tests {
		_, err := loadSettings(envMap(tc.env))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("env %v: err=%v, want mention of %q", tc.env, err, tc.want)
		}
	}

	// Every problem is reported at once.
	_, err := loadSettings(envMap(map[string]string{"BULKLOAD_BACKEND": "oracle", "BULKLOAD_LOG_LEVEL": "loud"}))
	if err == nil || !strings.Contains(err.Error(), "BULKLOAD_BACKEND") || !strings.Contains(err.Error(), "BULKLOAD_LOG_LEVEL") {
		t.Fatalf("expected both problems, got %v", err)
	}
}

const yamlJob = `
name: nightly
backend:
  kind: sqlite
  dsn: ${BULKLOAD_TEST_DIR}/out.db
sources:
  - name: sales
    folder: /in/sales
    pattern: "*.csv;*.xlsx"
    recursive: true
    mode: replace
    naming: merge
    table: sales
    format:
      delimiter: tab
      has_header: false
      partition_mode: all
  - file: /in/products.parquet
    mode: append
transform:
  output: sales_by_product
  sql: SELECT * FROM sales
  replace: true
`

func TestLoadJob_YAML(t *testing.T) {
	t.Setenv("BULKLOAD_TEST_DIR", "/var/data")
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/jobs/nightly.yaml", []byte(yamlJob), 0o644); err != nil {
		t.Fatal(err)
	}

	j, err := LoadJob(fs, "/jobs/nightly.yaml")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if j.Name != "nightly" || j.Backend.DSN != "/var/data/out.db" || len(j.Sources) != 2 {
		t.Fatalf("job=%+v", j)
	}
	s := j.Sources[0]
	if !s.Recursive || s.Format.HasHeader == nil || *s.Format.HasHeader || s.Format.PartitionMode != "all" {
		t.Fatalf("source=%+v", s)
	}
	if j.Transform == nil || !j.Transform.Replace || j.Transform.Output != "sales_by_product" {
		t.Fatalf("transform=%+v", j.Transform)
	}
	if issues := ValidateJob(j); HasErrors(issues) {
		t.Fatalf("unexpected issues: %v", issues)
	}
}

func TestLoadJob_JSONAndErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/j.json", []byte(`{"sources":[{"file":"/a.csv","mode":"append"}]}`), 0o644)
	_ = afero.WriteFile(fs, "/unknown.yml", []byte("sources: []\nextra: 1\n"), 0o644)
	_ = afero.WriteFile(fs, "/j.toml", []byte(""), 0o644)

	j, err := LoadJob(fs, "/j.json")
	if err != nil || len(j.Sources) != 1 || j.Sources[0].File != "/a.csv" {
		t.Fatalf("json job=%+v err=%v", j, err)
	}
	if _, err := LoadJob(fs, "/unknown.yml"); err == nil {
		t.Fatalf("unknown fields must be rejected")
	}
	if _, err := LoadJob(fs, "/j.toml"); err == nil || !strings.Contains(err.Error(), "unsupported extension") {
		t.Fatalf("err=%v", err)
	}
	if _, err := LoadJob(fs, "/missing.yaml"); err == nil {
		t.Fatalf("expected a read error")
	}
}

func TestValidateJob(t *testing.T) {
	j := &Job{
		Backend: JobBackend{Kind: "oracle"},
		Sources: []JobSource{
			{},
			{File: "/a.csv", Folder: "/d"},
			{File: "/a.csv", Pattern: "*.csv", Mode: "upsert", Format: JobFormat{Delimiter: "::"}},
			{Folder: "/d", Naming: "per-file", Format: JobFormat{PartitionMode: "named"}},
			{File: "/x.csv", Table: "T"},
			{File: "/y.csv", Table: "t"},
		},
		Transform: &JobTransform{},
	}
	got := map[string]Severity{}
	for _, iss := range ValidateJob(j) {
		got[iss.Path] = iss.Severity
	}
	want := map[string]Severity{
		"backend.kind":                     SeverityError,
		"sources[0]":                       SeverityError,
		"sources[1]":                       SeverityError,
		"sources[2].pattern":               SeverityWarning,
		"sources[2].mode":                  SeverityError,
		"sources[2].format.delimiter":      SeverityError,
		"sources[3].format.partition_name": SeverityError,
		"sources[5].table":                 SeverityWarning,
		"transform.output":                 SeverityError,
		"transform.sql":                    SeverityError,
	}
	for path, sev := range want {
		if got[path] != sev {
			t.Errorf("%s: got %q want %q", path, got[path], sev)
		}
	}
	if len(got) != len(want) {
		t.Errorf("issues=%v", got)
	}
	if HasErrors(ValidateJob(&Job{Sources: []JobSource{{File: "/a.csv"}}})) {
		t.Errorf("minimal job should be valid")
	}
}

func TestParseDelimiter(t *testing.T) {
	tests := map[string]rune{"": 0, "auto": 0, "tab": '\t', "\t": '\t', `\t`: '\t', ";": ';', "PIPE": '|', "comma": ','}
	for in, want := range tests {
		if got, err := ParseDelimiter(in); err != nil || got != want {
			t.Errorf("ParseDelimiter(%q)=%q, %v", in, got, err)
		}
	}
	for _, bad := range []string{"ab", `"`, "\n", "\r", " ", "\r\n"} {
		if _, err := ParseDelimiter(bad); err == nil {
			t.Errorf("ParseDelimiter(%q) should fail", bad)
		}
	}
}
