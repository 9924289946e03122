package llms

import (
	"strings"
)

// ProviderKind identifies a recognized model provider family.
type ProviderKind string

const (
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderOpenAI    ProviderKind = "openai"
	ProviderGoogle    ProviderKind = "google"
	ProviderBedrock   ProviderKind = "bedrock"
	ProviderAzure     ProviderKind = "azure"
	ProviderOllama    ProviderKind = "ollama"
	ProviderGroq      ProviderKind = "groq"
	ProviderCustom    ProviderKind = "custom"
)

// ParseProviderKind normalizes a provider identifier. Unrecognized values
// map to Custom.
func ParseProviderKind(s string) ProviderKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "anthropic", "claude":
		return ProviderAnthropic
	case "openai", "gpt":
		return ProviderOpenAI
	case "google", "gemini":
		return ProviderGoogle
	case "bedrock", "aws":
		return ProviderBedrock
	case "azure":
		return ProviderAzure
	case "ollama":
		return ProviderOllama
	case "groq":
		return ProviderGroq
	default:
		return ProviderCustom
	}
}

// ModelRef is a parsed model identifier.
type ModelRef struct {
	Provider ProviderKind
	Model    string
}

// ParseModelRef resolves the "provider:model" notation against an optional
// separate provider field. With neither a prefix nor a provider field, the
// provider defaults to Anthropic.
func ParseModelRef(model, provider string) ModelRef {
	if idx := strings.Index(model, ":"); idx > 0 && provider == "" {
		return ModelRef{
			Provider: ParseProviderKind(model[:idx]),
			Model:    model[idx+1:],
		}
	}
	if provider != "" {
		return ModelRef{Provider: ParseProviderKind(provider), Model: model}
	}
	return ModelRef{Provider: ProviderAnthropic, Model: model}
}
