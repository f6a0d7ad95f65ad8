// Package observe provides application-wide observability primitives for
// phonebridge: OpenTelemetry metrics, distributed tracing, trace-aware
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/phonebridge"

// Frame directions used as the "direction" attribute.
const (
	DirectionToAI        = "to_ai"
	DirectionToTelephony = "to_telephony"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// UpstreamDialDuration tracks how long opening and configuring the AI
	// connection takes.
	UpstreamDialDuration metric.Float64Histogram

	// CallDuration tracks the lifetime of relay sessions.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// FramesForwarded counts audio frames relayed. Use with attribute:
	//   attribute.String("direction", DirectionToAI|DirectionToTelephony)
	FramesForwarded metric.Int64Counter

	// Cancellations counts response.cancel messages sent upstream.
	Cancellations metric.Int64Counter

	// FramesDropped counts AI audio frames dropped because the stream was not
	// yet addressable.
	FramesDropped metric.Int64Counter

	// MalformedMessages counts inbound messages that failed to decode. Use
	// with attribute:
	//   attribute.String("source", "telephony"|"realtime")
	MalformedMessages metric.Int64Counter

	// UpstreamErrors counts failures to reach the AI backend. Use with
	// attribute:
	//   attribute.String("reason", ...)
	UpstreamErrors metric.Int64Counter

	// CallsRejected counts media streams refused before a session started.
	// Use with attribute:
	//   attribute.String("reason", "rate_limited"|"shutting_down")
	CallsRejected metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live relay sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", <route pattern>)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection set-up latency.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for call
// lifetimes.
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.UpstreamDialDuration, err = m.Float64Histogram("phonebridge.upstream.dial.duration",
		metric.WithDescription("Latency of opening and configuring the AI connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("phonebridge.call.duration",
		metric.WithDescription("Lifetime of relay sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesForwarded, err = m.Int64Counter("phonebridge.frames.forwarded",
		metric.WithDescription("Total audio frames relayed by direction."),
	); err != nil {
		return nil, err
	}
	if met.Cancellations, err = m.Int64Counter("phonebridge.cancellations",
		metric.WithDescription("Total response.cancel messages sent upstream."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("phonebridge.frames.dropped",
		metric.WithDescription("Total AI audio frames dropped before the stream was addressable."),
	); err != nil {
		return nil, err
	}
	if met.MalformedMessages, err = m.Int64Counter("phonebridge.messages.malformed",
		metric.WithDescription("Total inbound messages that failed to decode, by source."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("phonebridge.upstream.errors",
		metric.WithDescription("Total failures to reach the AI backend, by reason."),
	); err != nil {
		return nil, err
	}

	if met.CallsRejected, err = m.Int64Counter("phonebridge.calls.rejected",
		metric.WithDescription("Total media streams refused before a session started, by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("phonebridge.active_calls",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("phonebridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordFrame records one relayed audio frame in direction.
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.FramesForwarded.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordMalformed records one undecodable message from source.
func (m *Metrics) RecordMalformed(ctx context.Context, source string) {
	m.MalformedMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordUpstreamError records one failure to reach the AI backend.
func (m *Metrics) RecordUpstreamError(ctx context.Context, reason string) {
	m.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCallRejected records one media stream refused for reason.
func (m *Metrics) RecordCallRejected(ctx context.Context, reason string) {
	m.CallsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
