// Package observe provides application-wide observability primitives for
// the call center: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all call center metrics.
const meterName = "github.com/MrWong99/callcenter"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ProcessingDuration tracks the time spent in the processor per unit.
	ProcessingDuration metric.Float64Histogram

	// SessionDuration tracks the lifetime of a session from Run to close.
	// Use with attribute:
	//   attribute.String("outcome", ...)
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// UnitsReceived counts units read from the inbound side of a stream.
	UnitsReceived metric.Int64Counter

	// UnitsSent counts units delivered on the outbound side of a stream.
	UnitsSent metric.Int64Counter

	// UnitsDropped counts units evicted by the overflow policy.
	UnitsDropped metric.Int64Counter

	// SessionErrors counts sessions that ended with an error. Use with
	// attribute:
	//   attribute.String("kind", ...)  // transport, processing, conflict
	SessionErrors metric.Int64Counter

	// IdentityConflicts counts sessions that announced a call identity
	// already held by another live session.
	IdentityConflicts metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions, registered or not.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveCalls tracks the number of call identities in the registry.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// per-unit processing latency.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for call
// lengths.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ProcessingDuration, err = m.Float64Histogram("callcenter.processing.duration",
		metric.WithDescription("Latency of the processor per audio unit."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("callcenter.session.duration",
		metric.WithDescription("Lifetime of a call session by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.UnitsReceived, err = m.Int64Counter("callcenter.units.received",
		metric.WithDescription("Total audio units received from callers."),
	); err != nil {
		return nil, err
	}
	if met.UnitsSent, err = m.Int64Counter("callcenter.units.sent",
		metric.WithDescription("Total audio units sent back to callers."),
	); err != nil {
		return nil, err
	}
	if met.UnitsDropped, err = m.Int64Counter("callcenter.units.dropped",
		metric.WithDescription("Total audio units discarded by the overflow policy."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("callcenter.session.errors",
		metric.WithDescription("Total sessions that ended with an error, by kind."),
	); err != nil {
		return nil, err
	}
	if met.IdentityConflicts, err = m.Int64Counter("callcenter.identity_conflicts",
		metric.WithDescription("Total sessions announcing an identity already in use."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("callcenter.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("callcenter.active_calls",
		metric.WithDescription("Number of call identities currently registered."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callcenter.http.request.duration",
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

// RecordSessionError records a session error counter increment for kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordSessionEnd records the lifetime of a finished session.
func (m *Metrics) RecordSessionEnd(ctx context.Context, seconds float64, outcome string) {
	m.SessionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordDropped records n units discarded by the overflow policy.
func (m *Metrics) RecordDropped(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	m.UnitsDropped.Add(ctx, int64(n))
}
