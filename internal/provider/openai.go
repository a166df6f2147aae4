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

const openaiAPIURL = "https://api.openai.com/v1/chat/completions"

// OpenAIClient implements the Client interface against OpenAI's chat
// completions SSE stream.
type OpenAIClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey     string
	Model      string // e.g., "gpt-4o-mini"
	BaseURL    string // overridden in tests
	HTTPClient *http.Client
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openaiAPIURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIClient{
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

func (c *OpenAIClient) Name() string  { return "openai" }
func (c *OpenAIClient) Model() string { return c.model }

// chatRequest represents an OpenAI chat completion request.
type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	Stream        bool          `json:"stream"`
	StreamOptions *streamOpts   `json:"stream_options,omitempty"`
	Temperature   float64       `json:"temperature,omitempty"`
}

type streamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatChunk is one SSE data payload of a streamed completion.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ChatStream sends the conversation to OpenAI and returns the response
// translated into the normalized contract. An error return means the upstream
// call failed before the first byte.
func (c *OpenAIClient) ChatStream(ctx context.Context, message string, hist []history.Message, systemPrompt string) (*Stream, error) {
	chatMsgs := []chatMessage{{Role: "system", Content: systemPrompt}}
	for _, m := range hist {
		chatMsgs = append(chatMsgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	chatMsgs = append(chatMsgs, chatMessage{Role: "user", Content: message})

	req := chatRequest{
		Model:         c.model,
		Messages:      chatMsgs,
		Stream:        true,
		StreamOptions: &streamOpts{IncludeUsage: true},
		Temperature:   0.5,
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
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("OpenAI API error: %s - %s", resp.Status, string(respBody))
	}

	pr, pw := io.Pipe()
	stream := &Stream{Body: pr, Provider: c.Name(), Model: c.model}

	go func() {
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				_ = writeDone(pw)
				pw.Close()
				return
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Usage != nil {
				stream.SetUsage(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if err := writeDelta(pw, chunk.Choices[0].Delta.Content); err != nil {
					return
				}
			}
		}
		// Upstream ended without the sentinel: mid-stream failure.
		if err := scanner.Err(); err != nil {
			pw.CloseWithError(fmt.Errorf("openai stream interrupted: %w", err))
			return
		}
		pw.CloseWithError(fmt.Errorf("openai stream ended before [DONE]"))
	}()

	return stream, nil
}
