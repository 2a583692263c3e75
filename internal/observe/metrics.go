// Package observe holds the telemetry of micbridge: the OpenTelemetry
// instruments of the relay, transport and receiver, span and logger helpers
// keyed by relay session, and the control API middleware.
//
// [Setup] installs the SDK providers and serves the instruments through
// Prometheus. Components fall back to [DefaultMetrics] on the global provider;
// tests build their own with [NewMetrics] and a ManualReader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all micbridge metrics.
const meterName = "github.com/MrWong99/micbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Transport ---

	// ConnectDuration tracks how long a single connect attempt took. Use with
	// attribute:
	//   attribute.String("status", "ok"|"error")
	ConnectDuration metric.Float64Histogram

	// ConnectAttempts counts connect attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ConnectAttempts metric.Int64Counter

	// --- Relay ---

	// RelayBytes counts PCM bytes handed to the transport.
	RelayBytes metric.Int64Counter

	// RelayErrors counts pump failures. Use with attribute:
	//   attribute.String("kind", "capture"|"transport")
	RelayErrors metric.Int64Counter

	// Reconnects counts entries into the reconnecting state.
	Reconnects metric.Int64Counter

	// StateTransitions counts published state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// IllegalTransitions counts rejected state changes. Same attributes as
	// StateTransitions.
	IllegalTransitions metric.Int64Counter

	// ActiveSessions tracks running relay sessions (0 or 1 per controller).
	ActiveSessions metric.Int64UpDownCounter

	// --- Receiver ---

	// ReceiverBytes counts PCM bytes delivered to the playback sink.
	ReceiverBytes metric.Int64Counter

	// ReceiverConnections counts accepted relay connections.
	ReceiverConnections metric.Int64Counter

	// ActiveClients tracks the number of currently streaming relay clients.
	ActiveClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks control API request time. Attributes:
	// method, route (mux pattern) and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// loopback connects and control requests.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("micbridge.transport.connect.duration",
		metric.WithDescription("Latency of a single transport connect attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("micbridge.http.request.duration",
		metric.WithDescription("Control API request latency by method and route."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ConnectAttempts, err = m.Int64Counter("micbridge.transport.connect.attempts",
		metric.WithDescription("Total transport connect attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.RelayBytes, err = m.Int64Counter("micbridge.relay.bytes",
		metric.WithDescription("PCM bytes written to the transport."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.RelayErrors, err = m.Int64Counter("micbridge.relay.errors",
		metric.WithDescription("Relay pump failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("micbridge.relay.reconnects",
		metric.WithDescription("Times the relay entered the reconnecting state."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("micbridge.relay.state_transitions",
		metric.WithDescription("Published connection state transitions."),
	); err != nil {
		return nil, err
	}
	if met.IllegalTransitions, err = m.Int64Counter("micbridge.relay.illegal_transitions",
		metric.WithDescription("Rejected connection state transitions."),
	); err != nil {
		return nil, err
	}
	if met.ReceiverBytes, err = m.Int64Counter("micbridge.receiver.bytes",
		metric.WithDescription("PCM bytes delivered to the playback sink."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ReceiverConnections, err = m.Int64Counter("micbridge.receiver.connections",
		metric.WithDescription("Accepted relay connections."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("micbridge.relay.active_sessions",
		metric.WithDescription("Number of running relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveClients, err = m.Int64UpDownCounter("micbridge.receiver.active_clients",
		metric.WithDescription("Number of relay clients currently streaming."),
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

// statusOf maps an error to the "status" attribute value.
func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordConnect records one connect attempt, its outcome and its latency.
func (m *Metrics) RecordConnect(ctx context.Context, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("status", statusOf(err)))
	m.ConnectAttempts.Add(ctx, 1, attrs)
	m.ConnectDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordStateTransition records a published state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordIllegalTransition records a rejected state change.
func (m *Metrics) RecordIllegalTransition(ctx context.Context, from, to string) {
	m.IllegalTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordRelayError records a pump failure of the given kind.
func (m *Metrics) RecordRelayError(ctx context.Context, kind string) {
	m.RelayErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
