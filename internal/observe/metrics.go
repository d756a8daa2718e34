// Package observe holds aria's telemetry: the conversation and HTTP metric
// instruments, the conversation span with its correlated logger, and the
// HTTP middleware.
//
// [Setup] builds the meter and tracer providers and a Prometheus registry
// for /metrics. Code that runs without it falls back to [DefaultMetrics] on
// the global provider; tests pass their own provider to [NewMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all aria metrics.
const meterName = "github.com/MrWong99/aria"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long the remote session took to open.
	ConnectDuration metric.Float64Histogram

	// ConversationDuration tracks the wall-clock length of each conversation.
	ConversationDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts capture frames delivered to the remote session.
	FramesSent metric.Int64Counter

	// FramesDropped counts capture frames dropped because the send queue was
	// full.
	FramesDropped metric.Int64Counter

	// PlaybackChunks counts audio chunks scheduled for playback.
	PlaybackChunks metric.Int64Counter

	// MalformedAudio counts incoming audio chunks that failed to decode.
	MalformedAudio metric.Int64Counter

	// Interruptions counts barge-in events.
	Interruptions metric.Int64Counter

	// Turns counts finalised turn pairs.
	Turns metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts conversation errors. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConversations tracks the number of live conversations (0 or 1).
	ActiveConversations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for session setup latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// durationBuckets defines histogram bucket boundaries (in seconds) for whole
// conversations.
var durationBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("aria.connect.duration",
		metric.WithDescription("Latency of opening the remote voice session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConversationDuration, err = m.Float64Histogram("aria.conversation.duration",
		metric.WithDescription("Length of conversations from start to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("aria.frames.sent",
		metric.WithDescription("Total capture frames sent to the remote session."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("aria.frames.dropped",
		metric.WithDescription("Total capture frames dropped on send queue overflow."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("aria.playback.chunks",
		metric.WithDescription("Total audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.MalformedAudio, err = m.Int64Counter("aria.audio.malformed",
		metric.WithDescription("Total incoming audio chunks dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("aria.interruptions",
		metric.WithDescription("Total barge-in interruptions."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("aria.turns",
		metric.WithDescription("Total finalised conversation turns."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("aria.session.errors",
		metric.WithDescription("Total conversation errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConversations, err = m.Int64UpDownCounter("aria.active_conversations",
		metric.WithDescription("Number of live conversations."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aria.http.request.duration",
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

// RecordSessionError is a convenience method that records a conversation
// error counter increment with the standard attribute set.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
