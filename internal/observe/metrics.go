// Package observe provides application-wide observability primitives for
// TingWu: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all TingWu metrics.
const meterName = "github.com/skygazer42/TingWu"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscribeDuration tracks end-to-end transcription pipeline latency,
	// from validated audio to assembled result.
	TranscribeDuration metric.Float64Histogram

	// InferenceDuration tracks a single backend recognition call. Use with
	// attributes:
	//   attribute.String("backend", ...), attribute.String("mode", "batch"|"stream")
	InferenceDuration metric.Float64Histogram

	// SemaphoreWait tracks time spent waiting for an inference slot before
	// the backend call starts.
	SemaphoreWait metric.Float64Histogram

	// PolishDuration tracks LLM polish latency.
	PolishDuration metric.Float64Histogram

	// --- Counters ---

	// BackendRequests counts backend recognition calls. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("mode", ...), attribute.String("status", ...)
	BackendRequests metric.Int64Counter

	// ChunksProcessed counts audio chunks run through a backend.
	ChunksProcessed metric.Int64Counter

	// HotwordCorrections counts applied text corrections. Use with attribute:
	//   attribute.String("stage", "rule"|"phonetic")
	HotwordCorrections metric.Int64Counter

	// DiarizationOutcomes counts speaker attribution results by resolution
	// path. Use with attribute:
	//   attribute.String("path", "external"|"native"|"ignore")
	DiarizationOutcomes metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// BackendErrors counts failed backend calls. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("mode", ...)
	BackendErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request-scale latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// inferenceBuckets covers recognition calls, which stretch to minutes for
// long recordings.
var inferenceBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscribeDuration, err = m.Float64Histogram("tingwu.transcribe.duration",
		metric.WithDescription("End-to-end transcription pipeline latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(inferenceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InferenceDuration, err = m.Float64Histogram("tingwu.inference.duration",
		metric.WithDescription("Latency of a single backend recognition call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(inferenceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SemaphoreWait, err = m.Float64Histogram("tingwu.semaphore.wait",
		metric.WithDescription("Time spent waiting for an inference slot."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PolishDuration, err = m.Float64Histogram("tingwu.polish.duration",
		metric.WithDescription("Latency of LLM text polish."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.BackendRequests, err = m.Int64Counter("tingwu.backend.requests",
		metric.WithDescription("Total backend recognition calls by backend, mode, and status."),
	); err != nil {
		return nil, err
	}
	if met.ChunksProcessed, err = m.Int64Counter("tingwu.chunks.processed",
		metric.WithDescription("Total audio chunks run through a backend."),
	); err != nil {
		return nil, err
	}
	if met.HotwordCorrections, err = m.Int64Counter("tingwu.hotword.corrections",
		metric.WithDescription("Total applied text corrections by stage."),
	); err != nil {
		return nil, err
	}
	if met.DiarizationOutcomes, err = m.Int64Counter("tingwu.diarization.outcomes",
		metric.WithDescription("Speaker attribution results by resolution path."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("tingwu.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions by breaker name and target state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.BackendErrors, err = m.Int64Counter("tingwu.backend.errors",
		metric.WithDescription("Total failed backend calls by backend and mode."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("tingwu.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("tingwu.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RegisterQueueDepthGauge registers an observable gauge that reports the
// async task queue depth on every collection. fn is called from the metrics
// reader's goroutine and must be safe for concurrent use.
func RegisterQueueDepthGauge(mp metric.MeterProvider, fn func() int) error {
	m := mp.Meter(meterName)
	_, err := m.Int64ObservableGauge("tingwu.task.queue_depth",
		metric.WithDescription("Jobs waiting in the async task queue."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(fn()))
			return nil
		}),
	)
	return err
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

// RecordBackendRequest records a backend call with the standard attribute
// set. mode is "batch" or "stream".
func (m *Metrics) RecordBackendRequest(ctx context.Context, backend, mode, status string) {
	m.BackendRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordBackendError records a failed backend call.
func (m *Metrics) RecordBackendError(ctx context.Context, backend, mode string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("mode", mode),
		),
	)
}

// RecordCorrections records n applied corrections for one stage ("rule" or
// "phonetic").
func (m *Metrics) RecordCorrections(ctx context.Context, stage string, n int) {
	if n <= 0 {
		return
	}
	m.HotwordCorrections.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordDiarization records one speaker attribution outcome by resolution
// path ("external", "native", or "ignore").
func (m *Metrics) RecordDiarization(ctx context.Context, path string) {
	m.DiarizationOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("path", path)),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}
