// Package datadog submits the ingestion metrics to Datadog.
//
// Metrics are buffered in memory and submitted on a ticker (default once a
// minute) and once more on Close, so a long folder run shows up as a time
// series rather than a single point at exit. Delivery is at most once: a
// failed submission drops that window.
package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"bulkload/internal/metrics"
)

// series describes how one facade metric maps onto Datadog.
type series struct {
	name string
	// tags are the label keys copied onto the series, in order.
	tags []string
	// required labels drop the sample when absent; others default to "unknown".
	required map[string]bool
}

var counters = map[string]series{
	metrics.FilesTotal:        {name: "ingest.files.total", tags: []string{"status"}},
	metrics.RowsTotal:         {name: "ingest.rows.total", tags: []string{"kind"}, required: map[string]bool{"kind": true}},
	metrics.ChunksTotal:       {name: "ingest.chunks.total"},
	metrics.ColumnsAddedTotal: {name: "ingest.columns_added.total"},
	metrics.StrategyTotal:     {name: "ingest.strategy.total", tags: []string{"strategy", "status"}},
}

var histograms = map[string]series{
	metrics.StepDuration: {name: "ingest.step.duration_seconds", tags: []string{"step", "status"}},
}

// Options controls the backend.
type Options struct {
	// JobName becomes tag "job:<name>"; default "bulkload".
	JobName string
	// Tags are extra tags such as "team:data".
	Tags []string
	// FlushEvery is the submission interval; default 60s.
	FlushEvery time.Duration

	now       func() time.Time
	submitter submitter
}

// submitter is the part of *datadogV2.MetricsApi the backend calls.
type submitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// key identifies one buffered series: the Datadog name plus its tags.
type key struct {
	name string
	tags string // "\x00"-joined
}

func (k key) tagList(base []string) []string {
	out := append([]string(nil), base...)
	if k.tags != "" {
		out = append(out, strings.Split(k.tags, "\x00")...)
	}
	return out
}

// Backend implements metrics.Backend.
type Backend struct {
	api      submitter
	ctx      context.Context
	baseTags []string
	now      func() time.Time

	every time.Duration
	stop  chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	counts  map[key]float64
	samples map[key][]float64
}

// NewBackend starts a backend using the official client, which reads
// DD_API_KEY and DD_SITE from the environment. Network errors surface from
// Flush and Close, never from NewBackend.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	if parent == nil {
		return nil, errors.New("datadog: nil context")
	}
	job := opts.JobName
	if job == "" {
		job = "bulkload"
	}
	every := opts.FlushEvery
	if every <= 0 {
		every = time.Minute
	}
	api := opts.submitter
	if api == nil {
		api = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}

	b := &Backend{
		api:      api,
		ctx:      dd.NewDefaultContext(parent),
		baseTags: append([]string{envTag(), "job:" + job}, opts.Tags...),
		now:      now,
		every:    every,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		counts:   map[key]float64{},
		samples:  map[key][]float64{},
	}
	go b.loop()
	return b, nil
}

// envTag reads ENV, then DD_ENV.
func envTag() string {
	for _, name := range []string{"ENV", "DD_ENV"} {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return "env:" + v
		}
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.done)
	t := time.NewTicker(b.every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stop:
			return
		}
	}
}

// Close stops the ticker and flushes what is left. Call it once.
func (b *Backend) Close() error {
	close(b.stop)
	<-b.done
	return b.Flush()
}

// keyFor resolves labels against s. ok is false when a required label is
// missing.
func keyFor(s series, labels metrics.Labels) (key, bool) {
	vals := make([]string, len(s.tags))
	for i, t := range s.tags {
		v := labels[t]
		if v == "" {
			if s.required[t] {
				return key{}, false
			}
			v = "unknown"
		}
		vals[i] = t + ":" + v
	}
	return key{name: s.name, tags: strings.Join(vals, "\x00")}, true
}

// IncCounter implements metrics.Backend. Unknown names and non-positive
// deltas are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	s, ok := counters[name]
	if !ok || delta <= 0 {
		return
	}
	k, ok := keyFor(s, labels)
	if !ok {
		return
	}
	b.mu.Lock()
	b.counts[k] += delta
	b.mu.Unlock()
}

// ObserveHistogram implements metrics.Backend. Unknown names and negative
// values are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	s, ok := histograms[name]
	if !ok || value < 0 {
		return
	}
	k, _ := keyFor(s, labels)
	b.mu.Lock()
	b.samples[k] = append(b.samples[k], value)
	b.mu.Unlock()
}

// drain detaches the current window.
func (b *Backend) drain() (map[key]float64, map[key][]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts, samples := b.counts, b.samples
	b.counts, b.samples = map[key]float64{}, map[key][]float64{}
	return counts, samples
}

// Flush submits the buffered window. Nothing buffered means no request.
func (b *Backend) Flush() error {
	counts, samples := b.drain()
	if len(counts) == 0 && len(samples) == 0 {
		return nil
	}
	payload := datadogV2.MetricPayload{Series: b.buildSeries(counts, samples, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries renders one window in a stable order. Each histogram becomes
// .p50, .p95, .max and .count gauges.
func (b *Backend) buildSeries(counts map[key]float64, samples map[key][]float64, ts int64) []datadogV2.MetricSeries {
	var out []datadogV2.MetricSeries
	for _, k := range sortedKeys(counts) {
		out = append(out, point(k.name, datadogV2.METRICINTAKETYPE_COUNT, counts[k], k.tagList(b.baseTags), ts))
	}
	for _, k := range sortedKeys(samples) {
		vals := append([]float64(nil), samples[k]...)
		sort.Float64s(vals)
		tags := k.tagList(b.baseTags)
		out = append(out,
			point(k.name+".p50", datadogV2.METRICINTAKETYPE_GAUGE, nearestRank(vals, 0.50), tags, ts),
			point(k.name+".p95", datadogV2.METRICINTAKETYPE_GAUGE, nearestRank(vals, 0.95), tags, ts),
			point(k.name+".max", datadogV2.METRICINTAKETYPE_GAUGE, vals[len(vals)-1], tags, ts),
			point(k.name+".count", datadogV2.METRICINTAKETYPE_GAUGE, float64(len(vals)), tags, ts),
		)
	}
	return out
}

func point(name string, typ datadogV2.MetricIntakeType, v float64, tags []string, ts int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: name,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{{Timestamp: dd.PtrInt64(ts), Value: dd.PtrFloat64(v)}},
		Tags:   tags,
	}
}

func sortedKeys[V any](m map[key]V) []key {
	out := make([]key, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].name != out[j].name {
			return out[i].name < out[j].name
		}
		return out[i].tags < out[j].tags
	})
	return out
}

// nearestRank expects sorted, non-empty vals.
func nearestRank(vals []float64, p float64) float64 {
	idx := int(p*float64(len(vals)-1) + 0.5)
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return vals[idx]
}

// ParseTagsCSV splits "env:prod, team:data" into tags, dropping blanks.
func ParseTagsCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var _ metrics.Backend = (*Backend)(nil)
