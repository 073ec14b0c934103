package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"bulkload/internal/config"
	"bulkload/internal/ingest"
	"bulkload/internal/logging"
	"bulkload/internal/metrics/datadog"
	"bulkload/internal/naming"
	"bulkload/internal/storage"
)

// app is the state shared by every command. The function fields are test
// seams.
type app struct {
	out    io.Writer
	errOut io.Writer

	// fs is where sources and job files are read from.
	fs afero.Fs

	loadSettings func() (*config.Settings, error)
	open         func(ctx context.Context, cfg storage.Config) (storage.Backend, error)

	settings *config.Settings
	logger   *slog.Logger
	output   string
	cleanup  func()
}

func newApp(out, errOut io.Writer) *app {
	return &app{
		out:          out,
		errOut:       errOut,
		fs:           afero.NewOsFs(),
		loadSettings: config.LoadSettings,
		open:         storage.Open,
		logger:       logging.Discard(),
	}
}

// errReported marks an error whose details were already printed.
var errReported = errors.New("run did not succeed")

// execute runs the CLI and returns the process exit code: 0 on success,
// 1 when a run failed or was cancelled, 2 on usage errors.
func execute(ctx context.Context, a *app, args []string) int {
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	err := root.ExecuteContext(ctx)
	if a.cleanup != nil {
		a.cleanup()
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errReported):
		return 1
	case errors.As(err, new(*usageError)):
		fmt.Fprintf(a.errOut, "Error: %v\n", err)
		return 2
	default:
		fmt.Fprintf(a.errOut, "Error: %v\n", err)
		return 1
	}
}

type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// exactArgs is cobra.ExactArgs reported as a usage error.
func exactArgs(n int, what string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("expected %s, got %d argument(s)", what, len(args))
		}
		return nil
	}
}

// globalFlags override Settings when set on the command line.
type globalFlags struct {
	backend        string
	dsn            string
	logLevel       string
	logFormat      string
	metricsBackend string
	datadogTags    string
	caseName       string
	chunkRows      int
	sampleRows     int
	noNative       bool
	output         string
	envFile        string
}

func newRootCmd(a *app) *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:   "bulkload",
		Short: "Load files into a SQL table, growing its schema as needed",
		Long: `bulkload reads CSV/TSV, Excel, Parquet/Arrow/ORC, JSON and HTML files and
writes them into DuckDB, SQLite, PostgreSQL or SQL Server. Every value lands
as text; new columns are added to existing tables instead of failing.

Settings come from BULKLOAD_* environment variables, optionally read from a
.env file in the working directory; flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.configure(cmd, g)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.backend, "backend", "", "storage backend: duckdb, sqlite, postgres, mssql (env BULKLOAD_BACKEND)")
	pf.StringVar(&g.dsn, "dsn", "", "backend connection string; empty means in-memory for duckdb and sqlite (env BULKLOAD_DSN)")
	pf.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error (env BULKLOAD_LOG_LEVEL)")
	pf.StringVar(&g.logFormat, "log-format", "", "text or json (env BULKLOAD_LOG_FORMAT)")
	pf.StringVar(&g.metricsBackend, "metrics-backend", "", "none or datadog (env BULKLOAD_METRICS_BACKEND)")
	pf.StringVar(&g.datadogTags, "datadog-tags", "", "extra Datadog tags, comma separated (env BULKLOAD_DATADOG_TAGS)")
	pf.StringVar(&g.caseName, "case", "", "identifier case: upper, lower or preserve (env BULKLOAD_CASE)")
	pf.IntVar(&g.chunkRows, "chunk-rows", 0, "rows per chunk; 0 sizes chunks from the file (env BULKLOAD_CHUNK_ROWS)")
	pf.IntVar(&g.sampleRows, "sample-rows", 0, "rows sampled per partition during schema discovery (env BULKLOAD_SAMPLE_ROWS)")
	pf.BoolVar(&g.noNative, "no-native", false, "never use the backend's file-level bulk load")
	pf.StringVarP(&g.output, "output", "o", "text", "result format: text or json")
	pf.StringVar(&g.envFile, "env-file", "", "read environment variables from this file instead of ./.env")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.AddCommand(
		newLoadCmd(a),
		newFolderCmd(a),
		newSchemaCmd(a),
		newDescribeCmd(a),
		newRunCmd(a),
	)
	return root
}

// configure resolves settings (flag > env > default), sets up logging and
// metrics.
func (a *app) configure(cmd *cobra.Command, g globalFlags) error {
	if err := loadDotEnv(g.envFile); err != nil {
		return err
	}
	s, err := a.loadSettings()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		s.Backend = g.backend
	}
	if flags.Changed("dsn") {
		s.DSN = g.dsn
	}
	if flags.Changed("log-level") {
		s.LogLevel = g.logLevel
	}
	if flags.Changed("log-format") {
		s.LogFormat = g.logFormat
	}
	if flags.Changed("metrics-backend") {
		s.MetricsBackend = g.metricsBackend
	}
	if flags.Changed("datadog-tags") {
		s.DatadogTags = datadog.ParseTagsCSV(g.datadogTags)
	}
	if flags.Changed("case") {
		s.Case = g.caseName
	}
	if flags.Changed("chunk-rows") {
		s.ChunkRows = g.chunkRows
	}
	if flags.Changed("sample-rows") {
		s.SampleRows = g.sampleRows
	}
	if flags.Changed("no-native") {
		s.DisableNative = g.noNative
	}
	if err := s.Validate(); err != nil {
		return &usageError{err: err}
	}
	if g.output != "text" && g.output != "json" {
		return usagef("unsupported output format %q: use text or json", g.output)
	}

	a.settings = s
	a.output = g.output
	a.logger = logging.SetupWriter(a.errOut, s.LogLevel, s.LogFormat)
	a.logger.Debug("settings resolved", "settings", s.String(), "command", cmd.Name())

	cleanup, err := initMetrics(cmd.Context(), s, cmd.Name())
	a.cleanup = cleanup
	return err
}

// loadDotEnv exports the variables in path. Variables already in the
// environment win. A missing ./.env is fine; a missing --env-file is not.
func loadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// engineOptions builds the engine options from the resolved settings.
func (a *app) engineOptions() ingest.Options {
	return ingest.Options{
		Fs:            a.fs,
		Case:          naming.ParseCase(a.settings.Case),
		ChunkRows:     a.settings.ChunkRows,
		SampleRows:    a.settings.SampleRows,
		DisableNative: a.settings.DisableNative,
		Logger:        a.logger,
	}
}

func (a *app) storageConfig() storage.Config {
	return storage.Config{Kind: a.settings.Backend, DSN: a.settings.DSN}
}

// withBackend opens the configured backend for the duration of fn.
func (a *app) withBackend(ctx context.Context, fn func(b storage.Backend) error) error {
	cfg := a.storageConfig()
	b, err := a.open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Kind, err)
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			a.logger.Warn("backend close failed", "error", cerr)
		}
	}()
	return fn(b)
}
