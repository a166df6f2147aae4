// Package observe provides the OpenTelemetry metric instruments for the
// assistant pipeline and the Prometheus exporter bridge that serves them on
// /metrics.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all assistant metrics.
const meterName = "github.com/vheller/iris"

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// streaming-inference and synthesis latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// Metrics holds the metric instruments for the pipeline. All fields are safe
// for concurrent use; the underlying OTel types synchronise themselves.
type Metrics struct {
	// ChatDuration tracks full exchange latency, first byte to finalize.
	// Attributes: provider, mode.
	ChatDuration metric.Float64Histogram

	// TTSDuration tracks speech synthesis latency. Attribute: voice.
	TTSDuration metric.Float64Histogram

	// TTSBytes tracks synthesized audio sizes.
	TTSBytes metric.Int64Histogram

	// ProviderRequests counts backend calls. Attributes: provider, mode, status.
	ProviderRequests metric.Int64Counter

	// RateLimitDenials counts throttled requests.
	RateLimitDenials metric.Int64Counter

	// TTSFallbacks counts synthesis retries against the fallback voice.
	TTSFallbacks metric.Int64Counter

	// ActiveStreams tracks chat streams currently being relayed.
	ActiveStreams metric.Int64UpDownCounter
}

// NewMetrics creates a fully initialised Metrics struct using the given
// MeterProvider. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChatDuration, err = m.Float64Histogram("iris.chat.duration",
		metric.WithDescription("Latency of one chat exchange, request to finalize."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("iris.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSBytes, err = m.Int64Histogram("iris.tts.bytes",
		metric.WithDescription("Size of synthesized audio responses."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("iris.provider.requests",
		metric.WithDescription("Inference backend calls by provider, mode and status."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitDenials, err = m.Int64Counter("iris.ratelimit.denials",
		metric.WithDescription("Requests denied by the per-identity rate limiter."),
	); err != nil {
		return nil, err
	}
	if met.TTSFallbacks, err = m.Int64Counter("iris.tts.fallbacks",
		metric.WithDescription("Synthesis attempts retried against the fallback voice."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("iris.chat.active_streams",
		metric.WithDescription("Chat streams currently being relayed."),
	); err != nil {
		return nil, err
	}

	return met, nil
}
