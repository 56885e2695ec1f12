// Package llm talks to chat and embedding models over OpenAI-compatible
// HTTP APIs.
package llm

import (
	"context"
	"fmt"
)

// Provider is the interface for LLM interactions.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures an LLM provider.
type Config struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// endpoint is the default location of a hosted or local provider.
type endpoint struct {
	baseURL string
	prefix  string
}

var endpoints = map[string]endpoint{
	"ollama":     {"http://localhost:11434", "/v1"},
	"lmstudio":   {"http://localhost:1234", "/v1"},
	"openrouter": {"https://openrouter.ai/api", "/v1"},
	"openai":     {"https://api.openai.com", "/v1"},
	"groq":       {"https://api.groq.com/openai", "/v1"},
	"xai":        {"https://api.x.ai", "/v1"},
	// Gemini's OpenAI-compatible surface has no /v1 segment.
	"gemini": {"https://generativelanguage.googleapis.com/v1beta/openai", ""},
	"custom": {"", "/v1"},
}

// NewProvider creates an LLM provider from configuration. An empty BaseURL
// falls back to the provider's public default.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("llm provider not specified")
	}
	ep, ok := endpoints[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = ep.baseURL
	}
	c := newClient(cfg, ep.prefix)
	if cfg.Provider == "ollama" {
		return &ollamaProvider{base: c}, nil
	}
	return c, nil
}
