package llm

import (
	"fmt"
	"strings"
)

// Factory resolves a provider by name.
type Factory func(name string) (Provider, error)

// Endpoints carries base-URL overrides for the providers that accept one.
type Endpoints struct {
	OllamaBaseURL string
	OpenAIBaseURL string
	KimiBaseURL   string
}

// NewFactory returns a Factory backed by the real provider implementations.
func NewFactory(endpoints Endpoints) Factory {
	return func(name string) (Provider, error) {
		switch strings.ToLower(name) {
		case "anthropic":
			return NewAnthropicProvider(), nil
		case "openai":
			return NewOpenAIProvider(endpoints.OpenAIBaseURL), nil
		case "kimi":
			return NewKimiProvider(endpoints.KimiBaseURL), nil
		case "ollama":
			return NewOllamaProvider(endpoints.OllamaBaseURL), nil
		default:
			return nil, fmt.Errorf("unknown provider: %s (available: anthropic, openai, kimi, ollama)", name)
		}
	}
}
