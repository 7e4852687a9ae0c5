// Package openai implements hachimi.Provider and
// hachimi.EmbeddingProvider against OpenAI-compatible HTTP endpoints
// (chat completions and embeddings), which covers OpenAI itself plus
// the local runtimes that mimic its API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cyijun/hachimi"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider talks to a chat-completions endpoint.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client

	temperature *float64
	maxTokens   int
}

var _ hachimi.Provider = (*Provider)(nil)

// Option configures a Provider or an Embedding.
type Option func(*options)

type options struct {
	client      *http.Client
	temperature *float64
	maxTokens   int
}

// WithHTTPClient replaces the default client (60s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *options) { o.temperature = &t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(o *options) { o.maxTokens = n }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: 60 * time.Second}
	}
	return o
}

// New creates a chat provider. An empty baseURL targets the OpenAI API.
func New(apiKey, model, baseURL string, opts ...Option) *Provider {
	o := buildOptions(opts)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		apiKey:      apiKey,
		model:       model,
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      o.client,
		temperature: o.temperature,
		maxTokens:   o.maxTokens,
	}
}

func (p *Provider) Name() string { return "openai" }

// --- wire types ---

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON object as a string
}

type wireTool struct {
	Type     string             `json:"type"`
	Function wireToolDefinition `json:"function"`
}

type wireToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatBody struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletion struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// buildBody converts a request to the wire form.
func (p *Provider) buildBody(req hachimi.ChatRequest) chatBody {
	body := chatBody{
		Model:       p.model,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		body.Messages = append(body.Messages, wm)
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, wireTool{
			Type: "function",
			Function: wireToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return body
}

// Chat sends one completion request.
func (p *Provider) Chat(ctx context.Context, req hachimi.ChatRequest) (hachimi.ChatResponse, error) {
	var completion chatCompletion
	if err := postJSON(ctx, p.client, p.baseURL+"/chat/completions", p.apiKey, p.buildBody(req), &completion); err != nil {
		return hachimi.ChatResponse{}, err
	}
	if len(completion.Choices) == 0 {
		return hachimi.ChatResponse{}, &hachimi.ErrLLM{Provider: "openai", Message: "response has no choices"}
	}

	msg := completion.Choices[0].Message
	resp := hachimi.ChatResponse{
		Content: msg.Content,
		Usage: hachimi.Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, hachimi.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(args),
		})
	}
	return resp, nil
}

// postJSON posts a body and decodes the response, mapping non-2xx
// statuses to *hachimi.ErrHTTP (with Retry-After when present).
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &hachimi.ErrLLM{Provider: "openai", Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &hachimi.ErrLLM{Provider: "openai", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &hachimi.ErrLLM{Provider: "openai", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &hachimi.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &hachimi.ErrLLM{Provider: "openai", Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// parseRetryAfter handles both forms of the header: delay seconds and
// an HTTP date.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
