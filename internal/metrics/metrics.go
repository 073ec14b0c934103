// Package metrics is the small facade the ingestion code reports through.
//
// Core packages only ever call the package-level helpers; the CLI decides
// which Backend (if any) receives the data. The default backend discards
// everything.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions, e.g. {"status": "ok"}.
type Labels map[string]string

// Backend receives counters and histogram samples.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names used by the ingestion engine.
const (
	FilesTotal        = "ingest_files_total" // {status}
	RowsTotal         = "ingest_rows_total"  // {kind=loaded|skipped|malformed}
	ChunksTotal       = "ingest_chunks_total"
	StrategyTotal     = "ingest_strategy_total" // {strategy,status}
	ColumnsAddedTotal = "ingest_columns_added_total"
	StepDuration      = "ingest_step_duration_seconds" // {step,status}
)

type nop struct{}

func (nop) IncCounter(string, float64, Labels)       {}
func (nop) ObserveHistogram(string, float64, Labels) {}
func (nop) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	current Backend = nop{}
)

// SetBackend installs b process-wide. nil restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		current = nop{}
		return
	}
	current = b
}

func backend() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// IncCounter adds delta to a counter.
func IncCounter(name string, delta float64, labels Labels) {
	backend().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample.
func ObserveHistogram(name string, value float64, labels Labels) {
	backend().ObserveHistogram(name, value, labels)
}

// Flush asks the current backend to submit buffered data.
func Flush() error { return backend().Flush() }

// ObserveStep records the duration of one step since started.
func ObserveStep(step, status string, started time.Time) {
	ObserveHistogram(StepDuration, time.Since(started).Seconds(), Labels{"step": step, "status": status})
}
