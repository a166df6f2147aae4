// Package provider routes chat requests to one of several streaming inference
// backends and normalizes their wire formats behind a single contract.
//
// The shared contract is a line-oriented byte stream: each incremental text
// fragment arrives as a line `data: {"text": "..."}` and the stream ends with
// a `data: [DONE]` sentinel line. Callers never branch on which backend
// produced the stream.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/vheller/iris/internal/history"
)

// Mode selects the backend tier for a request.
type Mode string

const (
	// ModeFast favors latency; routed to the small OpenAI model.
	ModeFast Mode = "fast"

	// ModeQuality favors answer quality; routed to Anthropic.
	ModeQuality Mode = "quality"
)

// ParseMode validates a request-supplied mode string. An empty string maps to
// ModeFast.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeFast, "":
		return ModeFast, true
	case ModeQuality:
		return ModeQuality, true
	}
	return "", false
}

// DataPrefix marks an event-data line in the normalized stream contract.
const DataPrefix = "data: "

// DoneSentinel is the payload of the stream's termination line.
const DoneSentinel = "[DONE]"

// Delta is the JSON payload of one normalized event-data line.
type Delta struct {
	Text string `json:"text"`
}

// Stream is a live backend response translated into the shared contract.
// Body yields normalized lines; token usage becomes available once the
// backend reports it, usually just before the stream ends.
type Stream struct {
	Body io.ReadCloser

	// Provider and Model identify the backend that produced the stream.
	Provider string
	Model    string

	mu           sync.Mutex
	inputTokens  int
	outputTokens int
	hasUsage     bool
}

// SetUsage records the backend-reported token counts. Called by the backend
// adapters once upstream reports usage.
func (s *Stream) SetUsage(input, output int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputTokens = input
	s.outputTokens = output
	s.hasUsage = true
}

// Usage returns the backend-reported token counts, if any arrived.
func (s *Stream) Usage() (input, output int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputTokens, s.outputTokens, s.hasUsage
}

// writeDelta emits one normalized event-data line.
func writeDelta(w io.Writer, text string) error {
	payload, err := json.Marshal(Delta{Text: text})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s%s\n", DataPrefix, payload)
	return err
}

// writeDone emits the termination sentinel line.
func writeDone(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s%s\n", DataPrefix, DoneSentinel)
	return err
}

// Client is one streaming inference backend. Implementations translate their
// native wire format into the shared contract. A ChatStream error means the
// backend failed before the first byte; mid-stream failures surface as a read
// error on Stream.Body.
type Client interface {
	Name() string
	Model() string
	ChatStream(ctx context.Context, message string, hist []history.Message, systemPrompt string) (*Stream, error)
}

// Router selects a backend by mode. Configuration is set once at startup and
// read-only afterwards, so it is safe for concurrent use.
type Router struct {
	fast    Client
	quality Client
}

// NewRouter creates a router with one backend per tier.
func NewRouter(fast, quality Client) *Router {
	return &Router{fast: fast, quality: quality}
}

// Pick returns the backend for the given mode. Callers use the returned
// client without knowing which backend it is.
func (r *Router) Pick(mode Mode) Client {
	if mode == ModeQuality && r.quality != nil {
		return r.quality
	}
	return r.fast
}
