// Package observe provides the service's observability primitives:
// OpenTelemetry metrics, distributed tracing, trace-aware logging, and HTTP
// middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/clonecall"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ClonePipelineDuration tracks the time from call start until the
	// orchestrator reaches a terminal state. Use with attribute:
	//   attribute.String("outcome", ...)
	ClonePipelineDuration metric.Float64Histogram

	// ProviderDuration tracks single voice-provider request latency. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// CallOutcomes counts calls reaching a terminal status. Use with
	// attributes:
	//   attribute.String("status", ...), attribute.String("failure_kind", ...)
	CallOutcomes metric.Int64Counter

	// CacheLookups counts clone cache lookups. Use with attributes:
	//   attribute.String("layer", ...), attribute.String("result", ...)
	CacheLookups metric.Int64Counter

	// --- Gauges ---

	// ActiveOrchestrations tracks the number of running clone orchestrators.
	ActiveOrchestrations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// provider requests that take from tens of milliseconds to tens of seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 35, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ClonePipelineDuration, err = m.Float64Histogram("clonecall.clone_pipeline.duration",
		metric.WithDescription("Time from call start until the clone pipeline reached a terminal state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("clonecall.provider.duration",
		metric.WithDescription("Latency of a single voice provider request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("clonecall.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("clonecall.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CallOutcomes, err = m.Int64Counter("clonecall.call.outcomes",
		metric.WithDescription("Calls reaching a terminal status by status and failure kind."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("clonecall.cache.lookups",
		metric.WithDescription("Clone cache lookups by layer and result."),
	); err != nil {
		return nil, err
	}

	if met.ActiveOrchestrations, err = m.Int64UpDownCounter("clonecall.active_orchestrations",
		metric.WithDescription("Number of running clone orchestrators."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("clonecall.http.request.duration",
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

// RecordProviderRequest records one provider request with its latency and
// outcome status ("ok", "error", "retry", "circuit_open").
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string, d time.Duration) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	m.ProviderDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCallOutcome records a call reaching a terminal status and, when
// elapsed is positive, the pipeline duration.
func (m *Metrics) RecordCallOutcome(ctx context.Context, status, failureKind string, elapsed time.Duration) {
	m.CallOutcomes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("failure_kind", failureKind),
		),
	)
	if elapsed > 0 {
		m.ClonePipelineDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("outcome", status)),
		)
	}
}

// RecordCacheLookup records a clone cache lookup. layer is "redis" or
// "store"; result is "hit", "miss", "expired" or "error".
func (m *Metrics) RecordCacheLookup(ctx context.Context, layer, result string) {
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("layer", layer),
			attribute.String("result", result),
		),
	)
}
