package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"bulkload/internal/config"
	"bulkload/internal/metrics"
	"bulkload/internal/metrics/datadog"
)

// metricsBackend is the part of a metrics backend the CLI owns: shutdown.
type metricsBackend interface {
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		b, err := datadog.NewBackend(ctx, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logWarn = func(msg string, args ...any) { slog.Warn(msg, args...) }
)

// initMetrics wires the configured metrics backend. The returned cleanup is
// never nil and flushes on shutdown.
//
// Errors:
//   - Unknown backend names.
//   - Datadog construction failures.
func initMetrics(ctx context.Context, s *config.Settings, jobName string) (func(), error) {
	noop := func() {}

	switch name := strings.ToLower(strings.TrimSpace(s.MetricsBackend)); name {
	case "", "none", "noop":
		return noop, nil

	case "datadog", "dd":
		if ctx == nil {
			ctx = context.Background()
		}
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       s.DatadogTags,
			FlushEvery: s.MetricsFlush,
		})
		if err != nil {
			return noop, fmt.Errorf("metrics: datadog: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logWarn("metrics: datadog close error", "error", err)
			}
		}, nil

	default:
		return noop, fmt.Errorf("metrics: unknown backend %q", name)
	}
}
