// Package llms provides chat model clients behind a single Provider interface.
// Providers are registered at compile time through the New factory; there is
// no dynamic plugin loading.
package llms

import (
	"context"
	"fmt"

	"github.com/stageflow/stageflow/pkg/config"
)

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is a synchronous chat completion client. Invoke blocks until the
// full response is available; Stream delivers incremental text chunks on the
// returned channel, which is closed when the response completes or fails.
type Provider interface {
	Invoke(ctx context.Context, messages []Message) (string, error)

	Stream(ctx context.Context, messages []Message) (<-chan string, error)

	ModelName() string

	Close() error
}

// ModelError wraps a provider failure with enough detail for callers to
// decide whether a retry is worthwhile.
type ModelError struct {
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

func (e *ModelError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s model %s failed with status %d: %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s model %s failed: %v", e.Provider, e.Model, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient. Rate limits and server
// errors are retryable; auth and validation failures are not.
func (e *ModelError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// New builds a chat provider from its config spec. Unknown types fail loudly
// at load time.
func New(spec config.ProviderSpec) (Provider, error) {
	cfg, err := config.DecodeArgs[config.LLMProviderConfig](spec)
	if err != nil {
		return nil, fmt.Errorf("invalid llm config: %w", err)
	}

	switch spec.Type {
	case "openai":
		return NewOpenAIProvider(cfg)
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "gemini":
		return NewGeminiProvider(cfg)
	case "ollama":
		return NewOllamaProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm type: %s (supported: openai, anthropic, gemini, ollama)", spec.Type)
	}
}
