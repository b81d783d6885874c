// Package observe provides application-wide observability: OpenTelemetry
// metrics with a Prometheus exporter bridge, and HTTP middleware that records
// request latency and logs completions.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the standard /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
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
const meterName = "github.com/jaaacki/asterisk-api"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// OriginateDuration tracks time from originate request to ringing.
	OriginateDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts calls by direction.
	CallsStarted metric.Int64Counter

	// CallsEnded counts ended calls by hangup cause.
	CallsEnded metric.Int64Counter

	// AudioFrames counts captured audio frames forwarded to subscribers.
	AudioFrames metric.Int64Counter

	// ASRReconnects counts transcription session redials.
	ASRReconnects metric.Int64Counter

	// TTSRequests counts synthesis requests by status.
	TTSRequests metric.Int64Counter

	// SwitchEvents counts switch events by type.
	SwitchEvents metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of non-terminal calls.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveCaptures tracks the number of live capture pipelines.
	ActiveCaptures metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TTSDuration, err = m.Float64Histogram("asteriskapi.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OriginateDuration, err = m.Float64Histogram("asteriskapi.originate.duration",
		metric.WithDescription("Latency from originate request to ringing."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("asteriskapi.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsStarted, err = m.Int64Counter("asteriskapi.calls.started",
		metric.WithDescription("Total calls started by direction."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("asteriskapi.calls.ended",
		metric.WithDescription("Total calls ended by hangup cause."),
	); err != nil {
		return nil, err
	}
	if met.AudioFrames, err = m.Int64Counter("asteriskapi.audio.frames",
		metric.WithDescription("Total captured audio frames."),
	); err != nil {
		return nil, err
	}
	if met.ASRReconnects, err = m.Int64Counter("asteriskapi.asr.reconnects",
		metric.WithDescription("Total transcription session redials."),
	); err != nil {
		return nil, err
	}
	if met.TTSRequests, err = m.Int64Counter("asteriskapi.tts.requests",
		metric.WithDescription("Total synthesis requests by status."),
	); err != nil {
		return nil, err
	}
	if met.SwitchEvents, err = m.Int64Counter("asteriskapi.switch.events",
		metric.WithDescription("Total switch events by type."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("asteriskapi.active_calls",
		metric.WithDescription("Number of non-terminal calls."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCaptures, err = m.Int64UpDownCounter("asteriskapi.active_captures",
		metric.WithDescription("Number of live capture pipelines."),
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

// RecordCallStarted increments the calls-started counter for a direction.
func (m *Metrics) RecordCallStarted(ctx context.Context, direction string) {
	m.CallsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)))
	m.ActiveCalls.Add(ctx, 1)
}

// RecordCallEnded increments the calls-ended counter with the hangup cause.
func (m *Metrics) RecordCallEnded(ctx context.Context, cause string) {
	if cause == "" {
		cause = "unknown"
	}
	m.CallsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)))
	m.ActiveCalls.Add(ctx, -1)
}

// RecordTTSRequest increments the synthesis counter with a status.
func (m *Metrics) RecordTTSRequest(ctx context.Context, status string) {
	m.TTSRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// RecordSwitchEvent increments the switch-event counter for an event type.
func (m *Metrics) RecordSwitchEvent(ctx context.Context, eventType string) {
	m.SwitchEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)))
}
