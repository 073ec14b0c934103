package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"bulkload/internal/logging"
	"bulkload/internal/metrics"
	"bulkload/internal/naming"
	"bulkload/internal/source"
	"bulkload/internal/storage"
)

// Source is exactly one of a file path or a folder.
type Source struct {
	File   string
	Folder *Folder
}

// Request describes one ingestion run.
type Request struct {
	Source Source

	// Table is the target table. For folder runs with OneTablePerFile it
	// is ignored and Prefix applies instead.
	Table  string
	Mode   Mode
	Naming Naming
	Prefix string

	// Format is used as given; start from source.DefaultOptions.
	Format source.Options
}

func (r Request) validate() error {
	var errs []error
	switch {
	case r.Source.File == "" && r.Source.Folder == nil:
		errs = append(errs, errors.New("source: a file or a folder is required"))
	case r.Source.File != "" && r.Source.Folder != nil:
		errs = append(errs, errors.New("source: file and folder are mutually exclusive"))
	case r.Source.Folder != nil && r.Source.Folder.Dir == "":
		errs = append(errs, errors.New("source: folder dir is empty"))
	}
	if _, err := ParseMode(string(r.Mode)); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseNaming(string(r.Naming)); err != nil {
		errs = append(errs, err)
	}
	if pm, err := source.ParsePartitionMode(string(r.Format.PartitionMode)); err != nil {
		errs = append(errs, err)
	} else if pm == source.PartitionNamed && r.Format.PartitionName == "" {
		errs = append(errs, errors.New("format: partition mode named needs a partition name"))
	}
	return errors.Join(errs...)
}

// Options configure an Engine.
type Options struct {
	// Fs is where sources are read from. nil means the OS filesystem.
	Fs afero.Fs

	Case       naming.Case
	ChunkRows  int
	SampleRows int

	// DisableNative skips the backend's file-level bulk load.
	DisableNative bool

	// Chain overrides the chunk-level strategies.
	Chain *Chain

	Logger *slog.Logger

	// ProgressBuffer is the progress channel capacity (default 64). Events
	// are dropped rather than block the worker when the reader falls behind;
	// the terminal event is never dropped.
	ProgressBuffer int
}

// Status is the terminal state of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Outcome is the terminal event of a run.
type Outcome struct {
	Status Status
	Result RunResult

	// Reason is set for failed and cancelled runs.
	Reason string

	// Err is the error that failed the run, if there was one.
	Err error
}

// Progress is one event on a RunHandle's stream. The last event carries
// the Outcome and has Percent 100 for succeeded runs.
type Progress struct {
	Percent float64
	Message string
	Outcome *Outcome
}

// Engine runs ingestion requests against a borrowed backend. The engine
// never closes the backend.
type Engine struct {
	backend storage.Backend
	opts    Options
}

// NewEngine returns an engine bound to b.
func NewEngine(b storage.Backend, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.ProgressBuffer <= 0 {
		opts.ProgressBuffer = 64
	}
	return &Engine{backend: b, opts: opts}
}

// RunHandle observes and controls a started run.
type RunHandle struct {
	ID string

	progress chan Progress
	done     chan struct{}
	cancel   context.CancelFunc
	outcome  Outcome
}

// Progress returns the event stream. It is closed after the terminal event.
func (h *RunHandle) Progress() <-chan Progress { return h.progress }

// Done is closed when the run has finished.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes and returns its outcome. Progress
// events nobody reads are discarded.
func (h *RunHandle) Wait() Outcome {
	<-h.done
	return h.outcome
}

// Cancel asks the run to stop at the next chunk or file boundary.
func (h *RunHandle) Cancel() { h.cancel() }

func (h *RunHandle) emit(p Progress) {
	select {
	case h.progress <- p:
	default:
		// Reader is behind; drop.
	}
}

// finish delivers the terminal event, evicting the oldest buffered event
// when the buffer is full.
func (h *RunHandle) finish(out Outcome) {
	h.outcome = out
	last := Progress{Percent: 100, Message: out.Reason, Outcome: &h.outcome}
	if out.Status == StatusSucceeded {
		last.Message = out.Result.Summary()
	} else {
		last.Percent = percentDone(out.Result)
	}
	for {
		select {
		case h.progress <- last:
			close(h.progress)
			close(h.done)
			return
		default:
		}
		select {
		case <-h.progress:
		default:
		}
	}
}

func percentDone(r RunResult) float64 {
	if r.FilesTotal == 0 {
		return 0
	}
	return 100 * float64(len(r.Files)) / float64(r.FilesTotal)
}

// Start launches req on its own goroutine and returns immediately.
func (e *Engine) Start(ctx context.Context, req Request) *RunHandle {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(logging.WithRunID(ctx, id))
	h := &RunHandle{
		ID:       id,
		progress: make(chan Progress, e.opts.ProgressBuffer),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go func() {
		defer cancel()
		h.finish(e.execute(ctx, req, h.emit))
	}()
	return h
}

// Run is the synchronous form of Start.
func (e *Engine) Run(ctx context.Context, req Request) Outcome {
	h := e.Start(ctx, req)
	return h.Wait()
}

func (e *Engine) execute(ctx context.Context, req Request, emit func(Progress)) Outcome {
	start := time.Now()
	log := logging.FromContext(ctx, e.opts.Logger)

	if err := req.validate(); err != nil {
		metrics.ObserveStep("run", string(StatusFailed), start)
		return Outcome{Status: StatusFailed, Reason: "invalid request: " + err.Error(), Err: err, Result: RunResult{RunID: logging.RunID(ctx)}}
	}
	mode, _ := ParseMode(string(req.Mode))
	nm, _ := ParseNaming(string(req.Naming))
	spec := RunSpec{Table: req.Table, Mode: mode, Naming: nm, Prefix: req.Prefix}

	orch := &Orchestrator{
		Backend:    e.backend,
		Fs:         e.opts.Fs,
		Naming:     naming.New(e.opts.Case, e.backend.Dialect().Reserved...),
		Format:     req.Format,
		ChunkRows:  e.opts.ChunkRows,
		SampleRows: e.opts.SampleRows,
		Native:     !e.opts.DisableNative,
		Chain:      e.opts.Chain,
		Logger:     e.opts.Logger,
		Progress: func(percent float64, msg string) {
			emit(Progress{Percent: percent, Message: msg})
		},
	}

	log.Info("ingestion started", "backend", e.backend.Kind(), "mode", mode, "naming", nm)
	var res RunResult
	if req.Source.Folder != nil {
		res = orch.Run(ctx, *req.Source.Folder, spec)
	} else {
		res = orch.RunFile(ctx, req.Source.File, spec)
	}

	out := classifyRun(res)
	metrics.ObserveStep("run", string(out.Status), start)
	log.Info("ingestion finished", "status", out.Status, "summary", res.Summary())
	return out
}

// classifyRun decides the terminal status. A run fails when the backend was
// lost, when nothing matched, or when every attempted file failed.
// Otherwise a cancelled run is Cancelled and the rest Succeeded, even when
// some files were skipped.
func classifyRun(res RunResult) Outcome {
	out := Outcome{Result: res}
	switch {
	case res.ConnectionLost():
		out.Status = StatusFailed
		out.Err = firstOfKind(res.Errors, ConnectionLost)
		out.Reason = fmt.Sprintf("connection lost; %d files not attempted", len(res.Remaining))
	case res.FilesTotal == 0:
		out.Status = StatusFailed
		if len(res.Errors) > 0 {
			out.Err = res.Errors[0]
			out.Reason = res.Errors[0].Error()
		} else {
			out.Err = ErrNoFiles
			out.Reason = ErrNoFiles.Error()
		}
	case res.Cancelled:
		out.Status = StatusCancelled
		out.Reason = fmt.Sprintf("cancelled after %d of %d files", len(res.Files), res.FilesTotal)
	case res.FilesSucceeded == 0 && res.FilesFailed > 0:
		out.Status = StatusFailed
		out.Err = res.Errors[0]
		out.Reason = fmt.Sprintf("all %d files failed: %v", res.FilesFailed, res.Errors[0])
	default:
		out.Status = StatusSucceeded
	}
	return out
}

func firstOfKind(errs []error, k Kind) error {
	for _, err := range errs {
		if KindOf(err) == k {
			return err
		}
	}
	return nil
}
