package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vheller/iris/internal/history"
	"github.com/vheller/iris/internal/provider"
	"github.com/vheller/iris/internal/relay"
	"github.com/vheller/iris/internal/usage"
)

// maxMessageLen caps a single user message. Long documents belong in context,
// not in the chat box.
const maxMessageLen = 8000

type chatRequest struct {
	Message   string `json:"message"`
	Identity  string `json:"identity,omitempty"`
	SessionID string `json:"sessionId"`
	Module    string `json:"module,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// validate returns a field→reason map; empty means the request is fine.
func (c *chatRequest) validate() map[string]string {
	fields := make(map[string]string)
	if strings.TrimSpace(c.Message) == "" {
		fields["message"] = "required"
	} else if len(c.Message) > maxMessageLen {
		fields["message"] = "too long"
	}
	if strings.TrimSpace(c.SessionID) == "" {
		fields["sessionId"] = "required"
	}
	if _, ok := provider.ParseMode(c.Mode); !ok {
		fields["mode"] = "must be fast or quality"
	}
	return fields
}

// exchange is one admitted chat turn, ready to relay. The caller owns the
// registry slot and must call release exactly once.
type exchange struct {
	req         chatRequest
	identity    string
	mode        provider.Mode
	remaining   int
	client      provider.Client
	stream      *provider.Stream
	promptChars int
}

// startExchange runs the shared front half of every chat turn: validation,
// rate limiting, drain check, history fetch, prompt assembly and the provider
// call. On failure the error response has already been written and the
// returned exchange is nil.
func (r *Router) startExchange(w http.ResponseWriter, req *http.Request, channel history.Channel) *exchange {
	var body chatRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": map[string]string{"body": "invalid json"},
		})
		return nil
	}

	if fields := body.validate(); len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": fields,
		})
		return nil
	}

	mode, _ := provider.ParseMode(body.Mode)

	identity := authIdentity(req.Context())
	if identity == "" {
		identity = body.Identity
	}
	if identity == "" {
		identity = "anonymous"
	}

	admit := r.limiter.Admit(identity)
	if !admit.Allowed {
		if r.metrics != nil {
			r.metrics.RateLimitDenials.Add(req.Context(), 1)
		}
		retryAfter := admit.ResetIn
		w.Header().Set("Retry-After", strconv.Itoa(int((retryAfter+time.Second-1)/time.Second)))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":        "rate limit exceeded",
			"retryAfterMs": retryAfter.Milliseconds(),
			"remaining":    admit.Remaining,
		})
		return nil
	}

	if !r.streams.Acquire() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutting down",
		})
		return nil
	}
	// From here the caller owns the slot; release on our own error paths.

	hist, err := r.history.Recent(req.Context(), body.SessionID, r.cfg.HistoryWindow)
	if err != nil {
		r.logger.Printf("chat: history fetch failed for session=%s: %v", body.SessionID, err)
		captureError(req, err, "chat: history fetch failed")
		hist = nil // degrade to a contextless turn
	}

	systemPrompt := r.prompts.Build(req.Context(), identity, channel == history.ChannelVoice)

	client := r.providers.Pick(mode)
	stream, err := client.ChatStream(req.Context(), body.Message, hist, systemPrompt)
	if err != nil {
		r.streams.Release()
		r.logger.Printf("chat: provider %s unavailable for identity=%s session=%s mode=%s: %v",
			client.Name(), identity, body.SessionID, mode, err)
		captureError(req, err, "chat: provider unavailable")
		r.countProviderRequest(req, client, mode, "error")
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "assistant temporarily unavailable",
		})
		return nil
	}
	r.countProviderRequest(req, client, mode, "ok")

	promptChars := len(systemPrompt) + len(body.Message)
	for _, m := range hist {
		promptChars += len(m.Content)
	}

	// The user turn is persisted as soon as the stream is live, so it shows
	// up in later context even if this turn is cut short.
	if err := r.history.Append(req.Context(), body.SessionID, history.Message{
		Role:      history.RoleUser,
		Content:   body.Message,
		Channel:   channel,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		r.logger.Printf("chat: user append failed for session=%s: %v", body.SessionID, err)
		captureError(req, err, "chat: user append failed")
	}

	return &exchange{
		req:         body,
		identity:    identity,
		mode:        mode,
		remaining:   admit.Remaining,
		client:      client,
		stream:      stream,
		promptChars: promptChars,
	}
}

func (r *Router) countProviderRequest(req *http.Request, client provider.Client, mode provider.Mode, status string) {
	if r.metrics == nil {
		return
	}
	r.metrics.ProviderRequests.Add(req.Context(), 1, metric.WithAttributes(
		attribute.String("provider", client.Name()),
		attribute.String("mode", string(mode)),
		attribute.String("status", status),
	))
}

// finalizeFunc builds the exactly-once finalize step for a turn: persist the
// assistant message, write one usage record, record latency. An interrupted
// stream persists nothing; the partial text was already forwarded and the
// next turn should not see a truncated answer as context.
func (r *Router) finalizeFunc(ex *exchange, channel history.Channel, kind usage.Kind) func(relay.Summary) {
	return func(s relay.Summary) {
		if r.metrics != nil {
			ctx := context.Background()
			r.metrics.ChatDuration.Record(ctx, s.Latency.Seconds(), metric.WithAttributes(
				attribute.String("provider", ex.client.Name()),
				attribute.String("mode", string(ex.mode)),
			))
		}

		if s.Interrupted {
			r.logger.Printf("chat: stream interrupted for identity=%s session=%s after %d chars: %v",
				ex.identity, ex.req.SessionID, len(s.Text), s.Err)
			return
		}
		if s.Text == "" {
			return
		}

		in, out := s.InputTokens, s.OutputTokens
		if err := r.history.Append(context.Background(), ex.req.SessionID, history.Message{
			Role:         history.RoleAssistant,
			Content:      s.Text,
			Channel:      channel,
			InputTokens:  &in,
			OutputTokens: &out,
			CreatedAt:    time.Now().UTC(),
		}); err != nil {
			r.logger.Printf("chat: assistant append failed for session=%s: %v", ex.req.SessionID, err)
		}

		r.ledger.RecordAsync(usage.Entry{
			Identity:     ex.identity,
			SessionID:    ex.req.SessionID,
			Kind:         kind,
			Provider:     ex.client.Name(),
			Mode:         string(ex.mode),
			InputTokens:  s.InputTokens,
			OutputTokens: s.OutputTokens,
			Metadata: map[string]any{
				"model":        ex.client.Model(),
				"estimated":    s.TokensEstimated,
				"latencyMs":    s.Latency.Milliseconds(),
				"disconnected": s.Disconnected,
			},
		})
	}
}

// handleChatStream relays the provider stream to the client as it arrives.
func (r *Router) handleChatStream(w http.ResponseWriter, req *http.Request) {
	ex := r.startExchange(w, req, history.ChannelText)
	if ex == nil {
		return
	}
	defer r.streams.Release()

	if r.metrics != nil {
		r.metrics.ActiveStreams.Add(req.Context(), 1)
		defer r.metrics.ActiveStreams.Add(context.Background(), -1)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Iris-Provider", ex.client.Name())
	w.Header().Set("X-Iris-Mode", string(ex.mode))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(ex.remaining))
	w.WriteHeader(http.StatusOK)

	rel := relay.New(ex.promptChars)
	rel.Run(ex.stream, newFlushWriter(w), r.finalizeFunc(ex, history.ChannelText, usage.KindChatStream))
}

// handleChatComplete runs the same pipeline but buffers the answer and
// responds with one JSON document.
func (r *Router) handleChatComplete(w http.ResponseWriter, req *http.Request) {
	ex := r.startExchange(w, req, history.ChannelText)
	if ex == nil {
		return
	}
	defer r.streams.Release()

	rel := relay.New(ex.promptChars)
	summary := rel.Run(ex.stream, io.Discard, r.finalizeFunc(ex, history.ChannelText, usage.KindChat))

	if summary.Interrupted {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "assistant temporarily unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reply": summary.Text,
		"tokens": map[string]int{
			"input":  summary.InputTokens,
			"output": summary.OutputTokens,
		},
		"latencyMs":          summary.Latency.Milliseconds(),
		"rateLimitRemaining": ex.remaining,
	})
}

// flushWriter flushes the response after every write so streamed fragments
// reach the client immediately instead of sitting in the server buffer.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	f, _ := w.(http.Flusher)
	return &flushWriter{w: w, f: f}
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}
