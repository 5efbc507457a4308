package llm

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	SupportsTools bool     `json:"supports_tools"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog. The first entry for a provider is
// its default.
var Models = []ModelInfo{
	// OpenAI
	{
		ID: "gpt-4o", Provider: "openai", DisplayName: "GPT-4o",
		ContextWindow: 128000, SupportsTools: true,
		Aliases: []string{"4o"},
	},
	{
		ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o mini",
		ContextWindow: 128000, SupportsTools: true,
		Aliases: []string{"4o-mini"},
	},
	{
		ID: "gpt-4.1", Provider: "openai", DisplayName: "GPT-4.1",
		ContextWindow: 1047576, SupportsTools: true,
	},

	// Gemini
	{
		ID: "gemini-1.5-pro", Provider: "gemini", DisplayName: "Gemini 1.5 Pro",
		ContextWindow: 2097152, SupportsTools: true,
		Aliases: []string{"gemini-pro"},
	},
	{
		ID: "gemini-1.5-flash", Provider: "gemini", DisplayName: "Gemini 1.5 Flash",
		ContextWindow: 1048576, SupportsTools: true,
		Aliases: []string{"gemini-flash"},
	},

	// Anthropic, served through gollm
	{
		ID: "claude-3-5-sonnet-latest", Provider: "anthropic", DisplayName: "Claude 3.5 Sonnet",
		ContextWindow: 200000, SupportsTools: true,
		Aliases: []string{"sonnet"},
	},

	// Ollama, served through gollm
	{
		ID: "llama3.1", Provider: "ollama", DisplayName: "Llama 3.1",
		ContextWindow: 128000, SupportsTools: true,
	},
}

// GetModelInfo returns the catalog entry for a model id or alias, or nil.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	if provider == "" {
		result := make([]ModelInfo, len(Models))
		copy(result, Models)
		return result
	}
	var result []ModelInfo
	for _, m := range Models {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// DefaultModel returns the default model id for a provider, or "" if the
// catalog has none.
func DefaultModel(provider string) string {
	for _, m := range Models {
		if m.Provider == provider {
			return m.ID
		}
	}
	return ""
}
