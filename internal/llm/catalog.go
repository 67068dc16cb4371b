package llm

// ModelInfo describes one model in the catalog.
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	Description   string `json:"description"`
	ContextWindow int    `json:"context_window"`
	SupportsTools bool   `json:"supports_tools"`
}

// catalog lists every model the service knows, grouped by provider.
var catalog = map[string][]ModelInfo{
	"anthropic": {
		{
			ID:            "claude-sonnet-4-20250514",
			Name:          "Claude Sonnet 4",
			Provider:      "anthropic",
			Description:   "Fast, intelligent model for everyday tasks",
			ContextWindow: 200000,
			SupportsTools: true,
		},
		{
			ID:            "claude-haiku-4-5-20251001",
			Name:          "Claude Haiku 4.5",
			Provider:      "anthropic",
			Description:   "Fastest, most compact model for quick responses",
			ContextWindow: 200000,
			SupportsTools: true,
		},
	},
	"openai": {
		{
			ID:            "gpt-4o",
			Name:          "GPT-4o",
			Provider:      "openai",
			Description:   "OpenAI's flagship multimodal model",
			ContextWindow: 128000,
			SupportsTools: true,
		},
		{
			ID:            "gpt-5",
			Name:          "GPT-5",
			Provider:      "openai",
			Description:   "OpenAI's latest generation model",
			ContextWindow: 128000,
			SupportsTools: true,
		},
	},
	"kimi": {
		{
			ID:            "kimi-k2-0905-preview",
			Name:          "Kimi K2",
			Provider:      "kimi",
			Description:   "Moonshot AI's K2 model via Anthropic-compatible API",
			ContextWindow: 128000,
			SupportsTools: true,
		},
	},
	"ollama": {
		{
			ID:            "llama3.2:3b",
			Name:          "Llama 3.2 3B",
			Provider:      "ollama",
			Description:   "Meta's Llama 3.2 3B running locally via Ollama",
			ContextWindow: 128000,
			SupportsTools: true,
		},
		{
			ID:            "deepseek-r1:8b",
			Name:          "DeepSeek R1 8B",
			Provider:      "ollama",
			Description:   "DeepSeek R1 8B running locally via Ollama",
			ContextWindow: 128000,
			SupportsTools: true,
		},
		{
			ID:            "gemma3:1b",
			Name:          "Gemma 3 1B",
			Provider:      "ollama",
			Description:   "Google's Gemma 3 1B running locally via Ollama",
			ContextWindow: 32000,
			SupportsTools: true,
		},
	},
}

// modelIndex is the flat id -> info lookup derived from the catalog.
var modelIndex = func() map[string]ModelInfo {
	index := make(map[string]ModelInfo)
	for _, models := range catalog {
		for _, m := range models {
			index[m.ID] = m
		}
	}
	return index
}()

// ModelsByProvider returns the full catalog grouped by provider.
func ModelsByProvider() map[string][]ModelInfo {
	return catalog
}

// Models returns a flat list of all known models.
func Models() []ModelInfo {
	out := make([]ModelInfo, 0, len(modelIndex))
	for _, models := range catalog {
		out = append(out, models...)
	}
	return out
}

// ValidModel reports whether a model id is in the catalog.
func ValidModel(modelID string) bool {
	_, ok := modelIndex[modelID]
	return ok
}

// ModelByID returns catalog info for a model id.
func ModelByID(modelID string) (ModelInfo, bool) {
	m, ok := modelIndex[modelID]
	return m, ok
}

// ProviderForModel returns the provider name owning a model id.
func ProviderForModel(modelID string) (string, bool) {
	m, ok := modelIndex[modelID]
	if !ok {
		return "", false
	}
	return m.Provider, true
}
