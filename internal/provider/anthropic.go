package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vheller/iris/internal/history"
)

const (
	anthropicAPIURL  = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"

	// anthropicMaxTokens bounds a single reply; conversations here are short
	// assistant turns, not documents.
	anthropicMaxTokens = 1024
)

// AnthropicClient implements the Client interface against Anthropic's
// messages SSE stream. Anthropic uses typed events (content_block_delta,
// message_delta, message_stop) instead of OpenAI's single chunk shape and
// reports input and output token counts in separate events.
type AnthropicClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey     string
	Model      string // e.g., "claude-sonnet-4-5"
	BaseURL    string // overridden in tests
	HTTPClient *http.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicAPIURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

func (c *AnthropicClient) Name() string  { return "anthropic" }
func (c *AnthropicClient) Model() string { return c.model }

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicEvent is the union of the SSE payloads we care about; Type
// discriminates.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ChatStream sends the conversation to Anthropic and returns the response
// translated into the normalized contract.
func (c *AnthropicClient) ChatStream(ctx context.Context, message string, hist []history.Message, systemPrompt string) (*Stream, error) {
	msgs := make([]anthropicMessage, 0, len(hist)+1)
	for _, m := range hist {
		msgs = append(msgs, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, anthropicMessage{Role: "user", Content: message})

	req := anthropicRequest{
		Model:     c.model,
		MaxTokens: anthropicMaxTokens,
		System:    systemPrompt,
		Messages:  msgs,
		Stream:    true,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("Anthropic API error: %s - %s", resp.Status, string(respBody))
	}

	pr, pw := io.Pipe()
	stream := &Stream{Body: pr, Provider: c.Name(), Model: c.model}

	go func() {
		defer resp.Body.Close()

		var inputTokens, outputTokens int
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var ev anthropicEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "message_start":
				inputTokens = ev.Message.Usage.InputTokens

			case "content_block_delta":
				if ev.Delta.Text != "" {
					if err := writeDelta(pw, ev.Delta.Text); err != nil {
						return
					}
				}

			case "message_delta":
				if ev.Usage.OutputTokens > 0 {
					outputTokens = ev.Usage.OutputTokens
				}

			case "message_stop":
				stream.SetUsage(inputTokens, outputTokens)
				_ = writeDone(pw)
				pw.Close()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			pw.CloseWithError(fmt.Errorf("anthropic stream interrupted: %w", err))
			return
		}
		pw.CloseWithError(fmt.Errorf("anthropic stream ended before message_stop"))
	}()

	return stream, nil
}
