// Package observe provides application-wide observability primitives for
// aily: OpenTelemetry metrics, distributed tracing, trace-aware logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all aily metrics.
const meterName = "github.com/MrWong99/aily"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ── Latency histograms ───────────────────────────────────────────────

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks the latency of one LLM invocation.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// ── Counters ─────────────────────────────────────────────────────────

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// EventsDispatched counts events delivered by the event bus. Use with
	// attribute.String("kind", ...).
	EventsDispatched metric.Int64Counter

	// SubscriberFaults counts subscriber callbacks that returned an error or
	// panicked. Use with attribute.String("kind", ...).
	SubscriberFaults metric.Int64Counter

	// LLMInvocations counts processed invocation requests. Use with
	// attribute.String("status", ...).
	LLMInvocations metric.Int64Counter

	// ClipsQueued counts clips put on the playback queue. Use with
	// attribute.String("origin", ...).
	ClipsQueued metric.Int64Counter

	// ConversationResets counts chat-history clears triggered by expiry.
	ConversationResets metric.Int64Counter

	// ── Gauges ───────────────────────────────────────────────────────────

	// QueueDepth tracks the number of items waiting in each queue. Use with
	// attribute.String("queue", ...).
	QueueDepth metric.Int64UpDownCounter

	// ActiveDevices tracks the number of connected device transports.
	ActiveDevices metric.Int64UpDownCounter

	// ── HTTP middleware ──────────────────────────────────────────────────

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// cloud model round-trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	// Histograms.
	if met.STTDuration, err = histogram("aily.stt.duration", "Latency of speech-to-text transcription."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = histogram("aily.llm.duration", "Latency of one LLM invocation."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = histogram("aily.tts.duration", "Latency of text-to-speech synthesis."); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("aily.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("aily.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.EventsDispatched, err = m.Int64Counter("aily.events.dispatched",
		metric.WithDescription("Total events delivered to bus subscribers by kind."),
	); err != nil {
		return nil, err
	}
	if met.SubscriberFaults, err = m.Int64Counter("aily.bus.subscriber_faults",
		metric.WithDescription("Total subscriber callbacks that failed or panicked."),
	); err != nil {
		return nil, err
	}
	if met.LLMInvocations, err = m.Int64Counter("aily.llm.invocations",
		metric.WithDescription("Total processed invocation requests by status."),
	); err != nil {
		return nil, err
	}
	if met.ClipsQueued, err = m.Int64Counter("aily.clips.queued",
		metric.WithDescription("Total audio clips queued for playback by origin."),
	); err != nil {
		return nil, err
	}
	if met.ConversationResets, err = m.Int64Counter("aily.conversation.resets",
		metric.WithDescription("Total chat history resets caused by conversation expiry."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("aily.queue.depth",
		metric.WithDescription("Number of items waiting in each queue."),
	); err != nil {
		return nil, err
	}
	if met.ActiveDevices, err = m.Int64UpDownCounter("aily.active_devices",
		metric.WithDescription("Number of connected device transports."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aily.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
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

// RecordEventDispatched counts one delivered event of the given kind.
func (m *Metrics) RecordEventDispatched(ctx context.Context, kind string) {
	m.EventsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSubscriberFault counts one failed subscriber callback.
func (m *Metrics) RecordSubscriberFault(ctx context.Context, kind string) {
	m.SubscriberFaults.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordInvocation counts one processed invocation with its outcome.
func (m *Metrics) RecordInvocation(ctx context.Context, status string) {
	m.LLMInvocations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordClipQueued counts one clip put on the playback queue.
func (m *Metrics) RecordClipQueued(ctx context.Context, origin string) {
	m.ClipsQueued.Add(ctx, 1, metric.WithAttributes(attribute.String("origin", origin)))
}

// AddQueueDepth adjusts the depth gauge of the named queue by delta.
func (m *Metrics) AddQueueDepth(ctx context.Context, queue string, delta int64) {
	m.QueueDepth.Add(ctx, delta, metric.WithAttributes(attribute.String("queue", queue)))
}
