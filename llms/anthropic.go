package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aofdev/aof/internal/httpclient"
)

// ============================================================================
// ANTHROPIC PROVIDER
// ============================================================================

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultTokens  = 4096
)

// AnthropicProvider implements Provider over the Anthropic Messages API.
type AnthropicProvider struct {
	model   string
	apiKey  string
	baseURL string
	client  *httpclient.Client
}

// AnthropicOption customizes the provider.
type AnthropicOption func(*AnthropicProvider)

func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(p *AnthropicProvider) { p.baseURL = url }
}

func WithAnthropicAPIKey(key string) AnthropicOption {
	return func(p *AnthropicProvider) { p.apiKey = key }
}

// NewAnthropicProvider creates a provider for the given model. The API key
// defaults to ANTHROPIC_API_KEY.
func NewAnthropicProvider(model string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		model:   model,
		apiKey:  os.Getenv("ANTHROPIC_API_KEY"),
		baseURL: anthropicDefaultBaseURL,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithHeaderParser(anthropicHeaderParser),
		),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *AnthropicProvider) Name() string  { return string(ProviderAnthropic) }
func (p *AnthropicProvider) Model() string { return p.model }

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

func anthropicHeaderParser(h http.Header) httpclient.RateLimitInfo {
	info := httpclient.StandardHeaderParser(h)
	if info.RetryAfter == 0 {
		if v := h.Get("anthropic-ratelimit-requests-reset"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				if d := time.Until(t); d > 0 {
					info.RetryAfter = d
				}
			}
		}
	}
	return info
}

// Invoke sends one Messages API request.
func (p *AnthropicProvider) Invoke(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*Completion, error) {
	if p.apiKey == "" {
		return nil, NewModelError(p.Name(), ModelErrorAuth, "missing API key", false, nil)
	}

	req := anthropicRequest{
		Model:       p.model,
		MaxTokens:   anthropicDefaultTokens,
		Temperature: opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			// Anthropic takes the system prompt as a top-level field.
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += msg.Content
		case RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				blocks := make([]anthropicContent, 0, len(msg.ToolCalls)+1)
				if msg.Content != "" {
					blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
				}
				for _, tc := range msg.ToolCalls {
					blocks = append(blocks, anthropicContent{
						Type:  "tool_use",
						ID:    tc.ID,
						Name:  tc.Name,
						Input: tc.Arguments,
					})
				}
				req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: blocks})
			} else {
				req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: msg.Content})
			}
		case RoleTool:
			req.Messages = append(req.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		default:
			req.Messages = append(req.Messages, anthropicMessage{Role: "user", Content: msg.Content})
		}
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, NewModelError(p.Name(), ModelErrorInternal, "failed to marshal request", false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, NewModelError(p.Name(), ModelErrorInternal, "failed to create request", false, err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyHTTPError(p.Name(), httpResp, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, NewModelError(p.Name(), ModelErrorTransient, "failed to read response", true, err)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, NewModelError(p.Name(), ModelErrorInternal, "failed to parse response", false, err)
	}
	if resp.Error != nil {
		return nil, NewModelError(p.Name(), ModelErrorInternal, resp.Error.Message, false, nil)
	}

	completion := &Completion{
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			completion.Text += block.Text
		case "tool_use":
			completion.ToolCalls = append(completion.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	return completion, nil
}

// classifyHTTPError maps transport failures onto ModelError kinds.
func classifyHTTPError(provider string, resp *http.Response, err error) *ModelError {
	status := 0
	if resp != nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}
	switch {
	case status == http.StatusTooManyRequests:
		return NewModelError(provider, ModelErrorRateLimit, "rate limited", true, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewModelError(provider, ModelErrorAuth, "unauthorized", false, err)
	case status >= 400 && status < 500:
		return NewModelError(provider, ModelErrorBadInput, fmt.Sprintf("HTTP %d", status), false, err)
	case status >= 500:
		return NewModelError(provider, ModelErrorTransient, fmt.Sprintf("HTTP %d", status), true, err)
	default:
		return NewModelError(provider, ModelErrorTransient, "request failed", true, err)
	}
}
