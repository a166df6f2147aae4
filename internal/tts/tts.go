// Package tts synthesizes spoken audio for assistant replies. The gateway
// wraps a synthesis backend with an automatic fallback-voice retry and
// latency/size telemetry.
package tts

import "context"

// Client defines the interface for text-to-speech providers.
type Client interface {
	// Synthesize converts text to speech with the given voice profile and
	// returns the audio data.
	Synthesize(ctx context.Context, text string, profile VoiceProfile) ([]byte, error)
}
