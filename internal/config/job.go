package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Job is an automation file: a backend, sources loaded in order, and an
// optional SQL transform run afterwards.
type Job struct {
	Name      string        `json:"name" yaml:"name"`
	Backend   JobBackend    `json:"backend" yaml:"backend"`
	Sources   []JobSource   `json:"sources" yaml:"sources"`
	Transform *JobTransform `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// JobBackend selects the storage backend. Empty fields fall back to Settings.
type JobBackend struct {
	Kind string `json:"kind" yaml:"kind"`
	DSN  string `json:"dsn" yaml:"dsn"`
}

// JobSource is one file or folder to load.
type JobSource struct {
	Name string `json:"name" yaml:"name"`

	// Exactly one of File and Folder.
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
	Folder string `json:"folder,omitempty" yaml:"folder,omitempty"`

	Pattern   string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Recursive bool   `json:"recursive,omitempty" yaml:"recursive,omitempty"`

	Table  string `json:"table,omitempty" yaml:"table,omitempty"`
	Mode   string `json:"mode,omitempty" yaml:"mode,omitempty"`
	Naming string `json:"naming,omitempty" yaml:"naming,omitempty"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	Format JobFormat `json:"format" yaml:"format"`
}

// JobFormat mirrors the reader options. Delimiter accepts a single
// character or one of auto, tab, comma, semicolon, pipe.
type JobFormat struct {
	Delimiter     string `json:"delimiter,omitempty" yaml:"delimiter,omitempty"`
	Encoding      string `json:"encoding,omitempty" yaml:"encoding,omitempty"`
	HasHeader     *bool  `json:"has_header,omitempty" yaml:"has_header,omitempty"`
	PartitionMode string `json:"partition_mode,omitempty" yaml:"partition_mode,omitempty"`
	PartitionName string `json:"partition_name,omitempty" yaml:"partition_name,omitempty"`
	LazyQuotes    bool   `json:"lazy_quotes,omitempty" yaml:"lazy_quotes,omitempty"`
}

// JobTransform builds Output from SQL once every source has loaded.
type JobTransform struct {
	Output  string `json:"output" yaml:"output"`
	SQL     string `json:"sql" yaml:"sql"`
	Replace bool   `json:"replace,omitempty" yaml:"replace,omitempty"`
}

// LoadJob reads a job file. .yaml and .yml go through YAML, .json through
// JSON; unknown fields are errors in both. ${VAR} references in the DSN
// are expanded from the environment.
func LoadJob(fs afero.Fs, path string) (*Job, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", path, err)
	}

	var job Job
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&job); err != nil {
			return nil, fmt.Errorf("parse job %s: %w", path, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&job); err != nil {
			return nil, fmt.Errorf("parse job %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("job %s: unsupported extension %q (want .yaml, .yml or .json)", path, ext)
	}

	job.Backend.DSN = os.ExpandEnv(job.Backend.DSN)
	return &job, nil
}
