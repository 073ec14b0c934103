package config

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Severity grades an Issue. Errors block a run; warnings are logged.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path locates it in the job document,
// e.g. sources[1].mode.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidateJob checks a job without touching the filesystem or a backend.
func ValidateJob(j *Job) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if j == nil {
		add(SeverityError, "", "job is empty")
		return out
	}
	if j.Backend.Kind != "" && !oneOf(j.Backend.Kind, "duckdb", "sqlite", "postgres", "mssql") {
		add(SeverityError, "backend.kind", "unknown backend %q", j.Backend.Kind)
	}
	if len(j.Sources) == 0 && j.Transform == nil {
		add(SeverityError, "sources", "a job needs at least one source or a transform")
	}

	tables := map[string]string{}
	for i, s := range j.Sources {
		p := fmt.Sprintf("sources[%d]", i)
		switch {
		case s.File == "" && s.Folder == "":
			add(SeverityError, p, "one of file or folder is required")
		case s.File != "" && s.Folder != "":
			add(SeverityError, p, "file and folder are mutually exclusive")
		}
		if s.File != "" && (s.Pattern != "" || s.Recursive) {
			add(SeverityWarning, p+".pattern", "pattern and recursive only apply to folders")
		}
		if s.Mode != "" && !oneOf(s.Mode, "create", "replace", "append") {
			add(SeverityError, p+".mode", "unknown mode %q (want create, replace or append)", s.Mode)
		}
		if s.Naming != "" && !oneOf(strings.ReplaceAll(s.Naming, "-", "_"), "merge", "mergetoonetable", "merge_to_one_table", "per_file", "onetableperfile", "one_table_per_file") {
			add(SeverityError, p+".naming", "unknown naming %q (want merge or per_file)", s.Naming)
		}
		if s.Folder == "" && s.Prefix != "" {
			add(SeverityWarning, p+".prefix", "prefix only applies to per-file folder loads")
		}
		if _, err := ParseDelimiter(s.Format.Delimiter); err != nil {
			add(SeverityError, p+".format.delimiter", "%v", err)
		}
		pm := s.Format.PartitionMode
		if pm != "" && !oneOf(pm, "first", "all", "named") {
			add(SeverityError, p+".format.partition_mode", "unknown partition mode %q (want first, all or named)", pm)
		}
		if oneOf(pm, "named") && s.Format.PartitionName == "" {
			add(SeverityError, p+".format.partition_name", "required when partition_mode is named")
		}

		if s.Table != "" {
			key := strings.ToUpper(s.Table)
			if prev, ok := tables[key]; ok && oneOf(s.Mode, "", "create") {
				add(SeverityWarning, p+".table", "table %q is also loaded by %s; create mode will refuse it", s.Table, prev)
			}
			tables[key] = p
		}
	}

	if t := j.Transform; t != nil {
		if strings.TrimSpace(t.Output) == "" {
			add(SeverityError, "transform.output", "output table is required")
		}
		if strings.TrimSpace(t.SQL) == "" {
			add(SeverityError, "transform.sql", "sql is required")
		}
	}
	return out
}

// ParseDelimiter maps a job delimiter to a rune. 0 means auto-detect.
func ParseDelimiter(s string) (rune, error) {
	if s == "\t" {
		return '\t', nil
	}
	if s != "" && strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("delimiter %q is not allowed", s)
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return 0, nil
	case "tab", `\t`:
		return '\t', nil
	case "comma":
		return ',', nil
	case "semicolon":
		return ';', nil
	case "pipe":
		return '|', nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("delimiter %q must be a single character or auto, tab, comma, semicolon, pipe", s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	if r == '"' || r == '\n' || r == '\r' {
		return 0, fmt.Errorf("delimiter %q is not allowed", s)
	}
	return r, nil
}
