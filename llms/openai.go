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
// OPENAI PROVIDER (also serves Azure, Groq, and other OpenAI-compatible APIs)
// ============================================================================

const openaiDefaultBaseURL = "https://api.openai.com/v1"

// OpenAIProvider implements Provider over the Chat Completions API.
type OpenAIProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *httpclient.Client
}

type OpenAIOption func(*OpenAIProvider)

func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(p *OpenAIProvider) { p.baseURL = url }
}

func WithOpenAIAPIKey(key string) OpenAIOption {
	return func(p *OpenAIProvider) { p.apiKey = key }
}

// WithOpenAIName overrides the provider name reported in errors, used when
// serving an OpenAI-compatible API (azure, groq).
func WithOpenAIName(name string) OpenAIOption {
	return func(p *OpenAIProvider) { p.name = name }
}

func NewOpenAIProvider(model string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		name:    string(ProviderOpenAI),
		model:   model,
		apiKey:  os.Getenv("OPENAI_API_KEY"),
		baseURL: openaiDefaultBaseURL,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
		),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Model() string { return p.model }

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Tools       []openaiTool    `json:"tools,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) Invoke(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*Completion, error) {
	if p.apiKey == "" && p.baseURL == openaiDefaultBaseURL {
		return nil, NewModelError(p.Name(), ModelErrorAuth, "missing API key", false, nil)
	}

	req := openaiRequest{
		Model:       p.model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	for _, msg := range messages {
		om := openaiMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, tc := range msg.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				return nil, NewModelError(p.Name(), ModelErrorInternal, "failed to marshal tool arguments", false, err)
			}
			om.ToolCalls = append(om.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiFunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		req.Messages = append(req.Messages, om)
	}

	for _, t := range tools {
		var ot openaiTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		req.Tools = append(req.Tools, ot)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, NewModelError(p.Name(), ModelErrorInternal, "failed to marshal request", false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewModelError(p.Name(), ModelErrorInternal, "failed to create request", false, err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyHTTPError(p.Name(), httpResp, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, NewModelError(p.Name(), ModelErrorTransient, "failed to read response", true, err)
	}

	var resp openaiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, NewModelError(p.Name(), ModelErrorInternal, "failed to parse response", false, err)
	}
	if resp.Error != nil {
		return nil, NewModelError(p.Name(), ModelErrorInternal, resp.Error.Message, false, nil)
	}
	if len(resp.Choices) == 0 {
		return nil, NewModelError(p.Name(), ModelErrorInternal, "empty choices in response", false, nil)
	}

	choice := resp.Choices[0].Message
	completion := &Completion{
		Text: choice.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, NewModelError(p.Name(), ModelErrorInternal,
					fmt.Sprintf("invalid tool arguments for %s", tc.Function.Name), false, err)
			}
		}
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return completion, nil
}
