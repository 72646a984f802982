// Package observe provides application-wide observability primitives for
// WaveShift: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all WaveShift metrics.
const meterName = "github.com/jbang2004/waveshift"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscribeDuration tracks one model streaming call end to end, from the
	// multipart POST to the final stream event.
	TranscribeDuration metric.Float64Histogram

	// SegmenterDuration tracks one segmenter watch end to end, including its
	// poll sleeps.
	SegmenterDuration metric.Float64Histogram

	// JobDuration tracks a whole workflow run.
	JobDuration metric.Float64Histogram

	// --- Counters ---

	// SegmentsMerged counts utterance rows written by the merge engine. Use
	// with attribute:
	//   attribute.String("language", ...)
	SegmentsMerged metric.Int64Counter

	// Clips counts clip dispatches. Use with attribute:
	//   attribute.String("outcome", "produced" | "reused" | "discarded" | "skipped")
	Clips metric.Int64Counter

	// ModelRequests counts generative-model calls. Use with attribute:
	//   attribute.String("status", "ok" | "error")
	ModelRequests metric.Int64Counter

	// Jobs counts finished workflow runs. Use with attribute:
	//   attribute.String("status", "completed" | "failed")
	Jobs metric.Int64Counter

	// --- Gauges ---

	// ActiveJobs tracks workflow runs currently in flight.
	ActiveJobs metric.Int64UpDownCounter

	// ActiveWatches tracks segmenter watches currently polling.
	ActiveWatches metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Pipeline
// stages run for seconds to minutes, bounded by the ten-minute watch ceiling.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscribeDuration, err = m.Float64Histogram("waveshift.transcribe.duration",
		metric.WithDescription("Latency of one model transcription stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmenterDuration, err = m.Float64Histogram("waveshift.segmenter.duration",
		metric.WithDescription("Latency of one segmenter watch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JobDuration, err = m.Float64Histogram("waveshift.job.duration",
		metric.WithDescription("End-to-end workflow latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SegmentsMerged, err = m.Int64Counter("waveshift.segments.merged",
		metric.WithDescription("Total utterance rows written by the merge engine, by target language."),
	); err != nil {
		return nil, err
	}
	if met.Clips, err = m.Int64Counter("waveshift.clips",
		metric.WithDescription("Total clip dispatches by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ModelRequests, err = m.Int64Counter("waveshift.model.requests",
		metric.WithDescription("Total generative-model calls by status."),
	); err != nil {
		return nil, err
	}
	if met.Jobs, err = m.Int64Counter("waveshift.jobs",
		metric.WithDescription("Total finished workflow runs by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveJobs, err = m.Int64UpDownCounter("waveshift.active_jobs",
		metric.WithDescription("Number of workflow runs currently in flight."),
	); err != nil {
		return nil, err
	}
	if met.ActiveWatches, err = m.Int64UpDownCounter("waveshift.active_watches",
		metric.WithDescription("Number of segmenter watches currently polling."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("waveshift.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordModelRequest records one generative-model call.
func (m *Metrics) RecordModelRequest(ctx context.Context, status string) {
	m.ModelRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordClip records one clip dispatch outcome.
func (m *Metrics) RecordClip(ctx context.Context, outcome string) {
	m.Clips.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordJob records one finished workflow run.
func (m *Metrics) RecordJob(ctx context.Context, status string) {
	m.Jobs.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordMergedSegments records rows written by the merge engine.
func (m *Metrics) RecordMergedSegments(ctx context.Context, n int64, language string) {
	m.SegmentsMerged.Add(ctx, n,
		metric.WithAttributes(attribute.String("language", language)),
	)
}
