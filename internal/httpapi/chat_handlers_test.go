package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vheller/iris/internal/history"
	"github.com/vheller/iris/internal/prompt"
	"github.com/vheller/iris/internal/provider"
	"github.com/vheller/iris/internal/ratelimit"
	"github.com/vheller/iris/internal/tts"
	"github.com/vheller/iris/internal/usage"
)

// fakeClient is a provider.Client yielding a scripted normalized stream.
type fakeClient struct {
	name      string
	model     string
	fragments []string
	usage     *[2]int
	err       error

	lastMessage string
	lastPrompt  string
	lastHistory []history.Message
}

func (c *fakeClient) Name() string  { return c.name }
func (c *fakeClient) Model() string { return c.model }

func (c *fakeClient) ChatStream(_ context.Context, message string, hist []history.Message, systemPrompt string) (*provider.Stream, error) {
	c.lastMessage = message
	c.lastPrompt = systemPrompt
	c.lastHistory = hist
	if c.err != nil {
		return nil, c.err
	}

	var sb strings.Builder
	for _, f := range c.fragments {
		payload, _ := json.Marshal(provider.Delta{Text: f})
		fmt.Fprintf(&sb, "%s%s\n", provider.DataPrefix, payload)
	}
	fmt.Fprintf(&sb, "%s%s\n", provider.DataPrefix, provider.DoneSentinel)

	s := &provider.Stream{
		Body:     io.NopCloser(strings.NewReader(sb.String())),
		Provider: c.name,
		Model:    c.model,
	}
	if c.usage != nil {
		s.SetUsage(c.usage[0], c.usage[1])
	}
	return s, nil
}

// fakeTTS returns scripted audio, or an error for voices in failFor.
type fakeTTS struct {
	failFor map[string]error
	calls   []string
}

func (c *fakeTTS) Synthesize(_ context.Context, text string, profile tts.VoiceProfile) ([]byte, error) {
	c.calls = append(c.calls, profile.VoiceID)
	if err := c.failFor[profile.VoiceID]; err != nil {
		return nil, err
	}
	return []byte("mp3:" + text), nil
}

type testEnv struct {
	handler http.Handler
	store   *history.MemoryStore
	client  *fakeClient
	ttsFake *fakeTTS
	streams *StreamRegistry
	limiter *ratelimit.Limiter
}

func newTestEnv(t *testing.T, cfg RouterConfig, client *fakeClient) *testEnv {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	store := history.NewMemoryStore()
	ttsFake := &fakeTTS{}
	streams := NewStreamRegistry()
	limiter := ratelimit.New(100, time.Minute)

	handler := NewRouter(cfg, logger, Deps{
		Limiter:   limiter,
		Providers: provider.NewRouter(client, nil),
		History:   store,
		Ledger:    usage.NewLedger(nil, logger),
		Gateway:   tts.NewGateway(ttsFake, logger, nil),
		Prompts:   prompt.NewBuilder(prompt.BuilderConfig{Logger: logger}),
		Profiles:  StaticProfile(tts.DefaultProfile()),
		Metrics:   nil,
		Streams:   streams,
	})

	return &testEnv{
		handler: handler,
		store:   store,
		client:  client,
		ttsFake: ttsFake,
		streams: streams,
		limiter: limiter,
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest("POST", path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestChatStream_Success(t *testing.T) {
	client := &fakeClient{name: "openai", model: "gpt-4o-mini", fragments: []string{"Hello", " there"}}
	env := newTestEnv(t, RouterConfig{}, client)

	rec := postJSON(t, env.handler, "/api/assistant/chat", map[string]string{
		"message":   "hi",
		"sessionId": "s1",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}
	if got := rec.Body.String(); got != "Hello there" {
		t.Errorf("body = %q, want %q", got, "Hello there")
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("X-Iris-Provider"); got != "openai" {
		t.Errorf("X-Iris-Provider = %q, want openai", got)
	}
	if got := rec.Header().Get("X-Iris-Mode"); got != "fast" {
		t.Errorf("X-Iris-Mode = %q, want fast", got)
	}
	if rec.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("X-RateLimit-Remaining header missing")
	}
}

func TestChatStream_PersistsBothTurns(t *testing.T) {
	client := &fakeClient{name: "openai", model: "gpt-4o-mini",
		fragments: []string{"Four."}, usage: &[2]int{12, 3}}
	env := newTestEnv(t, RouterConfig{}, client)

	rec := postJSON(t, env.handler, "/api/assistant/chat", map[string]string{
		"message":   "what is 2+2",
		"sessionId": "s1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	msgs, err := env.store.Recent(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want user + assistant", len(msgs))
	}
	if msgs[0].Role != history.RoleUser || msgs[0].Content != "what is 2+2" {
		t.Errorf("msgs[0] = %+v, want the user turn", msgs[0])
	}
	if msgs[1].Role != history.RoleAssistant || msgs[1].Content != "Four." {
		t.Errorf("msgs[1] = %+v, want the assistant turn", msgs[1])
	}
	if msgs[1].InputTokens == nil || *msgs[1].InputTokens != 12 {
		t.Errorf("assistant InputTokens = %v, want 12", msgs[1].InputTokens)
	}
	if msgs[1].OutputTokens == nil || *msgs[1].OutputTokens != 3 {
		t.Errorf("assistant OutputTokens = %v, want 3", msgs[1].OutputTokens)
	}
}

func TestChatStream_HistoryFeedsProvider(t *testing.T) {
	client := &fakeClient{name: "openai", model: "gpt-4o-mini", fragments: []string{"ok"}}
	env := newTestEnv(t, RouterConfig{HistoryWindow: 10}, client)

	_ = postJSON(t, env.handler, "/api/assistant/chat", map[string]string{
		"message": "first", "sessionId": "s1",
	})
	_ = postJSON(t, env.handler, "/api/assistant/chat", map[string]string{
		"message": "second", "sessionId": "s1",
	})

	// The second call must have seen the first exchange as context.
	if len(client.lastHistory) != 2 {
		t.Fatalf("len(lastHistory) = %d, want 2", len(client.lastHistory))
	}
	if client.lastHistory[0].Content != "first" {
		t.Errorf("lastHistory[0].Content = %q, want %q", client.lastHistory[0].Content, "first")
	}
	if client.lastMessage != "second" {
		t.Errorf("lastMessage = %q, want %q", client.lastMessage, "second")
	}
	if client.lastPrompt == "" {
		t.Error("system prompt was empty")
	}
}

func TestChat_Validation(t *testing.T) {
	client := &fakeClient{name: "openai", model: "m"}
	env := newTestEnv(t, RouterConfig{}, client)

	rec := postJSON(t, env.handler, "/api/assistant/chat", map[string]string{
		"mode": "turbo",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != "validation failed" {
		t.Errorf("error = %q, want %q", resp.Error, "validation failed")
	}
	for _, field := range []string{"message", "sessionId", "mode"} {
		if resp.Fields[field] == "" {
			t.Errorf("fields[%q] missing: %v", field, resp.Fields)
		}
	}
}

func TestChat_RateLimited(t *testing.T) {
	client := &fakeClient{name: "openai", model: "m", fragments: []string{"hi"}}

	logger := log.New(io.Discard, "", 0)
	handler := NewRouter(RouterConfig{}, logger, Deps{
		Limiter:   ratelimit.New(1, time.Minute),
		Providers: provider.NewRouter(client, nil),
		History:   history.NewMemoryStore(),
		Ledger:    usage.NewLedger(nil, logger),
		Gateway:   tts.NewGateway(&fakeTTS{}, logger, nil),
		Prompts:   prompt.NewBuilder(prompt.BuilderConfig{}),
		Profiles:  StaticProfile(tts.DefaultProfile()),
		Streams:   NewStreamRegistry(),
	})

	body := map[string]string{"message": "hi", "sessionId": "s1", "identity": "alice"}
	if rec := postJSON(t, handler, "/api/assistant/chat", body); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec := postJSON(t, handler, "/api/assistant/chat", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	var resp struct {
		Error        string `json:"error"`
		RetryAfterMs int64  `json:"retryAfterMs"`
		Remaining    int    `json:"remaining"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.RetryAfterMs <= 0 {
		t.Errorf("retryAfterMs = %d, want > 0", resp.RetryAfterMs)
	}
	if resp.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", resp.Remaining)
	}
}

func TestChat_ProviderUnavailable(t *testing.T) {
	client := &fakeClient{name: "openai", model: "m", err: errors.New("upstream 503")}
	env := newTestEnv(t, RouterConfig{}, client)

	rec := postJSON(t, env.handler, "/api/assistant/chat", map[string]string{
		"message": "hi", "sessionId": "s1",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	// No turn is persisted when the provider never produced a stream.
	msgs, _ := env.store.Recent(context.Background(), "s1", 10)
	if len(msgs) != 0 {
		t.Errorf("len(msgs) = %d, want 0", len(msgs))
	}
	// The registry slot was returned.
	if env.streams.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", env.streams.ActiveCount())
	}
}

func TestChat_Draining(t *testing.T) {
	client := &fakeClient{name: "openai", model: "m", fragments: []string{"hi"}}
	env := newTestEnv(t, RouterConfig{}, client)
	env.streams.StartDraining()

	rec := postJSON(t, env.handler, "/api/assistant/chat", map[string]string{
		"message": "hi", "sessionId": "s1",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 while draining", rec.Code)
	}
}

func TestChatComplete(t *testing.T) {
	client := &fakeClient{name: "anthropic", model: "claude-sonnet-4-5",
		fragments: []string{"The answer ", "is four."}, usage: &[2]int{20, 6}}
	env := newTestEnv(t, RouterConfig{}, client)

	rec := postJSON(t, env.handler, "/api/assistant/chat/complete", map[string]string{
		"message": "what is 2+2", "sessionId": "s1", "mode": "quality",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Reply  string `json:"reply"`
		Tokens struct {
			Input  int `json:"input"`
			Output int `json:"output"`
		} `json:"tokens"`
		LatencyMs          int64 `json:"latencyMs"`
		RateLimitRemaining int   `json:"rateLimitRemaining"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Reply != "The answer is four." {
		t.Errorf("reply = %q, want full answer", resp.Reply)
	}
	if resp.Tokens.Input != 20 || resp.Tokens.Output != 6 {
		t.Errorf("tokens = %+v, want 20/6", resp.Tokens)
	}
	if resp.RateLimitRemaining < 0 {
		t.Errorf("rateLimitRemaining = %d", resp.RateLimitRemaining)
	}
}
