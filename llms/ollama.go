package llms

import (
	"context"
	"os"
)

// ============================================================================
// OLLAMA PROVIDER
// ============================================================================

const ollamaDefaultBaseURL = "http://localhost:11434/v1"

// NewOllamaProvider creates a provider for a local Ollama server. Ollama
// exposes an OpenAI-compatible API, so this delegates to the OpenAI
// provider with a local base URL and no API key requirement.
func NewOllamaProvider(model string, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_HOST")
	}
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}
	return NewOpenAIProvider(model,
		WithOpenAIName(string(ProviderOllama)),
		WithOpenAIBaseURL(baseURL),
		WithOpenAIAPIKey("ollama"),
	)
}

// Ensure the interface stays satisfied.
var _ Provider = (*OpenAIProvider)(nil)

// NewProvider constructs a provider for a parsed model reference. Providers
// without a bundled adapter ride the OpenAI-compatible path when a base URL
// is supplied via extras; otherwise the construction is a config error
// surfaced by the caller.
func NewProvider(ctx context.Context, ref ModelRef, extras map[string]any) (Provider, error) {
	baseURL, _ := extras["base_url"].(string)
	apiKey, _ := extras["api_key"].(string)

	switch ref.Provider {
	case ProviderAnthropic:
		var opts []AnthropicOption
		if baseURL != "" {
			opts = append(opts, WithAnthropicBaseURL(baseURL))
		}
		if apiKey != "" {
			opts = append(opts, WithAnthropicAPIKey(apiKey))
		}
		return NewAnthropicProvider(ref.Model, opts...), nil

	case ProviderOllama:
		return NewOllamaProvider(ref.Model, baseURL), nil

	case ProviderOpenAI, ProviderAzure, ProviderGroq, ProviderGoogle, ProviderBedrock, ProviderCustom:
		opts := []OpenAIOption{WithOpenAIName(string(ref.Provider))}
		if baseURL != "" {
			opts = append(opts, WithOpenAIBaseURL(baseURL))
		}
		if apiKey != "" {
			opts = append(opts, WithOpenAIAPIKey(apiKey))
		}
		return NewOpenAIProvider(ref.Model, opts...), nil

	default:
		return NewAnthropicProvider(ref.Model), nil
	}
}
