// Package config loads process settings from the environment and job files
// from disk. Settings are validated up front so a misconfigured run fails
// before it touches a backend.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Settings are the process-wide defaults. CLI flags override them.
type Settings struct {
	// Backend is the storage kind: duckdb, sqlite, postgres or mssql.
	Backend string `env:"BULKLOAD_BACKEND" default:"duckdb"`

	// DSN is the backend connection string. ${VAR} references are expanded.
	DSN string `env:"BULKLOAD_DSN" envAlt:"DATABASE_URL"`

	LogLevel  string `env:"BULKLOAD_LOG_LEVEL" default:"info"`
	LogFormat string `env:"BULKLOAD_LOG_FORMAT" default:"text"`

	// MetricsBackend is none or datadog.
	MetricsBackend string   `env:"BULKLOAD_METRICS_BACKEND" default:"none"`
	DatadogTags    []string `env:"BULKLOAD_DATADOG_TAGS" envAlt:"METRICS_TAGS"`

	// MetricsFlush is the Datadog submit interval.
	MetricsFlush time.Duration `env:"BULKLOAD_METRICS_FLUSH" default:"60s"`

	// ChunkRows overrides size-based chunking when > 0.
	ChunkRows int `env:"BULKLOAD_CHUNK_ROWS" default:"0"`

	// SampleRows is how many rows per partition discovery reads.
	SampleRows int `env:"BULKLOAD_SAMPLE_ROWS" default:"1"`

	// Case is the identifier case policy: upper, lower or preserve.
	Case string `env:"BULKLOAD_CASE" default:"upper"`

	// DisableNative turns off the backend's file-level bulk load.
	DisableNative bool `env:"BULKLOAD_DISABLE_NATIVE" default:"false"`
}

// LoadSettings reads Settings from the environment, applies defaults and
// validates the result.
func LoadSettings() (*Settings, error) {
	return loadSettings(os.Getenv)
}

func loadSettings(getenv func(string) string) (*Settings, error) {
	s := &Settings{}
	if err := loadStruct(reflect.ValueOf(s).Elem(), getenv); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	s.DSN = os.ExpandEnv(s.DSN)
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return s, nil
}

// loadStruct populates tagged fields from the environment.
func loadStruct(v reflect.Value, getenv func(string) string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)
		if !fieldVal.CanSet() {
			continue
		}
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal, getenv); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}
		value := getenv(envName)
		if alt := field.Tag.Get("envAlt"); value == "" && alt != "" {
			value = getenv(alt)
		}
		if value == "" {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}
		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		var out []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate reports every invalid setting in one error.
func (s *Settings) Validate() error {
	var errs []string

	if !oneOf(s.Backend, "duckdb", "sqlite", "postgres", "mssql") {
		errs = append(errs, fmt.Sprintf("BULKLOAD_BACKEND (%q) must be one of: duckdb, sqlite, postgres, mssql", s.Backend))
	}
	if !oneOf(s.LogLevel, "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Sprintf("BULKLOAD_LOG_LEVEL (%q) must be one of: debug, info, warn, error", s.LogLevel))
	}
	if !oneOf(s.LogFormat, "text", "json") {
		errs = append(errs, fmt.Sprintf("BULKLOAD_LOG_FORMAT (%q) must be one of: text, json", s.LogFormat))
	}
	if !oneOf(s.MetricsBackend, "none", "datadog") {
		errs = append(errs, fmt.Sprintf("BULKLOAD_METRICS_BACKEND (%q) must be one of: none, datadog", s.MetricsBackend))
	}
	if s.MetricsBackend == "datadog" && s.MetricsFlush <= 0 {
		errs = append(errs, "BULKLOAD_METRICS_FLUSH must be positive")
	}
	if s.ChunkRows < 0 {
		errs = append(errs, "BULKLOAD_CHUNK_ROWS must be non-negative")
	}
	if s.SampleRows < 0 {
		errs = append(errs, "BULKLOAD_SAMPLE_ROWS must be non-negative")
	}
	if !oneOf(s.Case, "upper", "lower", "preserve") {
		errs = append(errs, fmt.Sprintf("BULKLOAD_CASE (%q) must be one of: upper, lower, preserve", s.Case))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// String masks the DSN.
func (s *Settings) String() string {
	dsn := ""
	if s.DSN != "" {
		dsn = "[MASKED]"
	}
	return fmt.Sprintf("Settings{Backend: %q, DSN: %s, LogLevel: %q, LogFormat: %q, Metrics: %q, ChunkRows: %d, SampleRows: %d, Case: %q, DisableNative: %v}",
		s.Backend, dsn, s.LogLevel, s.LogFormat, s.MetricsBackend, s.ChunkRows, s.SampleRows, s.Case, s.DisableNative)
}

func oneOf(v string, allowed ...string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
