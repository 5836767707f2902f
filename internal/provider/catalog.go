package provider

// DefaultContextWindow is assumed when a model is missing from the catalog.
const DefaultContextWindow = 128000

// DefaultMaxTokens caps a single completion when the request does not say.
const DefaultMaxTokens = 8192

var anthropicCatalog = []ModelInfo{
	{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", Provider: "anthropic", ContextWindow: 200000, Vision: true},
	{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", Provider: "anthropic", ContextWindow: 200000, Vision: true},
	{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", Provider: "anthropic", ContextWindow: 200000, Vision: true},
	{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", Provider: "anthropic", ContextWindow: 200000, Vision: false},
}

var openaiCatalog = []ModelInfo{
	{ID: "gpt-4o", Name: "GPT-4o", Provider: "openai", ContextWindow: 128000, Vision: true},
	{ID: "gpt-4o-mini", Name: "GPT-4o mini", Provider: "openai", ContextWindow: 128000, Vision: true},
	{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Provider: "openai", ContextWindow: 128000, Vision: true},
	{ID: "o3-mini", Name: "o3-mini", Provider: "openai", ContextWindow: 200000, Vision: false},
}
