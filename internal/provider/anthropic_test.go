package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vheller/iris/internal/history"
)

func TestNewAnthropicClient_Defaults(t *testing.T) {
	c := NewAnthropicClient(AnthropicConfig{APIKey: "test-key"})
	if c.model != "claude-sonnet-4-5" {
		t.Errorf("model = %q, want %q", c.model, "claude-sonnet-4-5")
	}
	if c.baseURL != anthropicAPIURL {
		t.Errorf("baseURL = %q, want %q", c.baseURL, anthropicAPIURL)
	}
}

func TestAnthropicChatStream_NormalizesWireFormat(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q, want test-key", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q, want %q", got, anthropicVersion)
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.System != "You are Iris." {
			t.Errorf("system = %q, want the system prompt", req.System)
		}
		// Anthropic takes the system prompt out of band; history + user only.
		if len(req.Messages) != 2 {
			t.Errorf("len(messages) = %d, want 2", len(req.Messages))
		}

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_start\n")
		io.WriteString(w, `data: {"type":"message_start","message":{"usage":{"input_tokens":33}}}`+"\n\n")
		io.WriteString(w, "event: content_block_delta\n")
		io.WriteString(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi "}}`+"\n\n")
		io.WriteString(w, "event: content_block_delta\n")
		io.WriteString(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"there"}}`+"\n\n")
		io.WriteString(w, "event: message_delta\n")
		io.WriteString(w, `data: {"type":"message_delta","usage":{"output_tokens":5}}`+"\n\n")
		io.WriteString(w, "event: message_stop\n")
		io.WriteString(w, `data: {"type":"message_stop"}`+"\n\n")
	}))
	defer upstream.Close()

	c := NewAnthropicClient(AnthropicConfig{APIKey: "test-key", BaseURL: upstream.URL})
	hist := []history.Message{{Role: history.RoleUser, Content: "hello", Channel: history.ChannelText}}

	stream, err := c.ChatStream(context.Background(), "how are you?", hist, "You are Iris.")
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	defer stream.Body.Close()

	out, err := io.ReadAll(stream.Body)
	if err != nil {
		t.Fatalf("read normalized body: %v", err)
	}

	want := `data: {"text":"Hi "}` + "\n" + `data: {"text":"there"}` + "\n" + "data: [DONE]\n"
	if string(out) != want {
		t.Errorf("normalized body = %q, want %q", out, want)
	}

	in, outTok, ok := stream.Usage()
	if !ok || in != 33 || outTok != 5 {
		t.Errorf("usage = (%d, %d, %v), want (33, 5, true)", in, outTok, ok)
	}

	if stream.Provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic", stream.Provider)
	}
}

func TestAnthropicChatStream_PreFirstByteFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"type":"error"}`, http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	c := NewAnthropicClient(AnthropicConfig{APIKey: "test-key", BaseURL: upstream.URL})
	if _, err := c.ChatStream(context.Background(), "hi", nil, "prompt"); err == nil {
		t.Fatal("err = nil, want synchronous error on upstream 429")
	}
}

func TestAnthropicChatStream_MidStreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"cut "}}`+"\n\n")
		// No message_stop.
	}))
	defer upstream.Close()

	c := NewAnthropicClient(AnthropicConfig{APIKey: "test-key", BaseURL: upstream.URL})
	stream, err := c.ChatStream(context.Background(), "hi", nil, "prompt")
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	defer stream.Body.Close()

	if _, err := io.ReadAll(stream.Body); err == nil {
		t.Error("read err = nil, want mid-stream error when upstream drops before message_stop")
	}
}
