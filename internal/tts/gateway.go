package tts

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vheller/iris/internal/observe"
)

// Gateway synthesizes replies with the configured voice and retries exactly
// once against the well-known fallback voice when the primary attempt fails.
// The retry is skipped when the requested voice already is the fallback, so
// the retry can never loop.
type Gateway struct {
	client        Client
	fallbackVoice string
	logger        *log.Logger
	metrics       *observe.Metrics
	now           func() time.Time
}

// NewGateway creates a gateway. metrics may be nil.
func NewGateway(client Client, logger *log.Logger, metrics *observe.Metrics) *Gateway {
	return &Gateway{
		client:        client,
		fallbackVoice: FallbackVoiceID,
		logger:        logger,
		metrics:       metrics,
		now:           time.Now,
	}
}

// Synthesize converts text to audio. If both the primary and the fallback
// attempt fail, the primary error is the one returned.
func (g *Gateway) Synthesize(ctx context.Context, text string, profile VoiceProfile) ([]byte, error) {
	start := g.now()

	audio, primaryErr := g.client.Synthesize(ctx, text, profile)
	if primaryErr == nil {
		g.report(ctx, profile.VoiceID, start, len(audio))
		return audio, nil
	}

	if profile.VoiceID == g.fallbackVoice {
		return nil, primaryErr
	}

	g.logger.Printf("tts: voice %s failed, retrying with fallback: %v", profile.VoiceID, primaryErr)
	if g.metrics != nil {
		g.metrics.TTSFallbacks.Add(ctx, 1)
	}

	fallback := profile
	fallback.VoiceID = g.fallbackVoice
	audio, fallbackErr := g.client.Synthesize(ctx, text, fallback)
	if fallbackErr != nil {
		g.logger.Printf("tts: fallback voice also failed: %v", fallbackErr)
		return nil, primaryErr
	}

	g.report(ctx, fallback.VoiceID, start, len(audio))
	return audio, nil
}

func (g *Gateway) report(ctx context.Context, voiceID string, start time.Time, size int) {
	elapsed := g.now().Sub(start)
	g.logger.Printf("tts: synthesized %d bytes with voice %s in %dms", size, voiceID, elapsed.Milliseconds())
	if g.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("voice", voiceID))
	g.metrics.TTSDuration.Record(ctx, elapsed.Seconds(), attrs)
	g.metrics.TTSBytes.Record(ctx, int64(size), attrs)
}
