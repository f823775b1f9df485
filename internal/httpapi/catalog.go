package httpapi

import "github.com/jordanhubbard/councilhub/internal/providers"

// builtinCatalog is the curated OpenRouter model list served when no key is
// configured, so the picker is never empty on a fresh install.
func builtinCatalog() []providers.ModelInfo {
	return []providers.ModelInfo{
		{ID: "openai/gpt-4.1", Name: "GPT-4.1", Provider: "OpenAI"},
		{ID: "openai/gpt-4.1-mini", Name: "GPT-4.1 Mini", Provider: "OpenAI"},
		{ID: "openai/gpt-4o", Name: "GPT-4o", Provider: "OpenAI"},
		{ID: "openai/o3", Name: "o3", Provider: "OpenAI"},
		{ID: "openai/o3-mini", Name: "o3 Mini", Provider: "OpenAI"},
		{ID: "google/gemini-2.5-pro", Name: "Gemini 2.5 Pro", Provider: "Google"},
		{ID: "google/gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: "Google"},
		{ID: "google/gemini-2.0-flash-001", Name: "Gemini 2.0 Flash", Provider: "Google"},
		{ID: "anthropic/claude-sonnet-4", Name: "Claude Sonnet 4", Provider: "Anthropic"},
		{ID: "anthropic/claude-opus-4", Name: "Claude Opus 4", Provider: "Anthropic"},
		{ID: "anthropic/claude-3.5-haiku", Name: "Claude 3.5 Haiku", Provider: "Anthropic"},
		{ID: "x-ai/grok-3", Name: "Grok 3", Provider: "xAI"},
		{ID: "x-ai/grok-3-mini", Name: "Grok 3 Mini", Provider: "xAI"},
		{ID: "meta-llama/llama-4-maverick", Name: "Llama 4 Maverick", Provider: "Meta"},
		{ID: "meta-llama/llama-4-scout", Name: "Llama 4 Scout", Provider: "Meta"},
		{ID: "deepseek/deepseek-r1", Name: "DeepSeek R1", Provider: "DeepSeek"},
		{ID: "deepseek/deepseek-chat", Name: "DeepSeek Chat", Provider: "DeepSeek"},
		{ID: "mistralai/mistral-large-2411", Name: "Mistral Large", Provider: "Mistral"},
		{ID: "mistralai/mistral-medium-3", Name: "Mistral Medium", Provider: "Mistral"},
	}
}
