// Package relay forwards a normalized provider stream to the client while
// accumulating the full plain-text answer, then runs a finalize step exactly
// once when the stream completes.
package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/vheller/iris/internal/provider"
)

// Summary is what the finalize step receives: the accumulated answer plus the
// telemetry derived from the exchange.
type Summary struct {
	// Text is the full accumulated assistant answer (possibly truncated when
	// the client disconnected mid-stream).
	Text string

	// Latency is the time from starting the relay to stream completion.
	Latency time.Duration

	InputTokens  int
	OutputTokens int

	// TokensEstimated is true when the backend did not report usage and the
	// counts were derived from character lengths.
	TokensEstimated bool

	// Interrupted is true when the provider failed mid-stream. Persistence of
	// the incomplete assistant message is skipped in that case.
	Interrupted bool

	// Disconnected is true when the client went away before the stream ended.
	// The turn is still finalized with whatever was accumulated.
	Disconnected bool

	// Err is the underlying stream error, nil on clean completion.
	Err error
}

// Relay is a single-use pipeline stage between one provider stream and one
// client. It pulls the next chunk only after the previous forward completed,
// so a slow client naturally throttles upstream consumption.
type Relay struct {
	// PromptChars is the character length of the system prompt, history and
	// user message, used for the input-token estimate when the backend does
	// not report usage.
	PromptChars int

	now  func() time.Time
	once sync.Once
}

// New creates a relay.
func New(promptChars int) *Relay {
	return &Relay{PromptChars: promptChars, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (r *Relay) SetClock(now func() time.Time) { r.now = now }

// Run consumes the stream, forwarding renderable text to w, and calls
// finalize exactly once when the stream ends for any reason. Lines matching
// the event-data marker are parsed for their text fragment; the termination
// sentinel is dropped; any line that fails to parse is forwarded verbatim so
// unrecognized output is never silently lost.
func (r *Relay) Run(stream *provider.Stream, w io.Writer, finalize func(Summary)) Summary {
	start := r.now()
	var (
		acc          strings.Builder
		writeErr     error
		disconnected bool
	)

	forward := func(s string) {
		if writeErr != nil {
			return
		}
		if _, err := io.WriteString(w, s); err != nil {
			writeErr = err
			disconnected = true
		}
	}

	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, provider.DataPrefix) {
			forward(line + "\n")
			continue
		}

		payload := strings.TrimPrefix(line, provider.DataPrefix)
		if payload == provider.DoneSentinel {
			continue
		}

		var delta provider.Delta
		if err := json.Unmarshal([]byte(payload), &delta); err != nil {
			forward(line + "\n")
			continue
		}

		acc.WriteString(delta.Text)
		forward(delta.Text)

		if writeErr != nil {
			// Client went away; stop pulling so the provider read loop
			// terminates promptly.
			break
		}
	}

	streamErr := scanner.Err()
	_ = stream.Body.Close()

	summary := Summary{
		Text:         acc.String(),
		Latency:      r.now().Sub(start),
		Disconnected: disconnected,
		Err:          streamErr,
	}

	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) {
			// The request context died with the client; the turn is
			// truncated, not interrupted by the provider.
			summary.Disconnected = true
		} else {
			summary.Interrupted = true
		}
	}

	if in, out, ok := stream.Usage(); ok {
		summary.InputTokens = in
		summary.OutputTokens = out
	} else {
		summary.InputTokens = estimateTokens(r.PromptChars)
		summary.OutputTokens = estimateTokens(len(summary.Text))
		summary.TokensEstimated = true
	}

	r.once.Do(func() { finalize(summary) })
	return summary
}

// estimateTokens approximates token count from character length. Four
// characters per token is the usual rough cut for English text.
func estimateTokens(chars int) int {
	return (chars + 3) / 4
}
