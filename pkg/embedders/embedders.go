// Package embedders provides embedding clients behind a single Provider
// interface plus a compile-time factory selected by provider type.
package embedders

import (
	"context"
	"errors"
	"fmt"

	"github.com/stageflow/stageflow/pkg/config"
)

// ErrEmptyEmbedding reports a backend that returned no vector. Callers treat
// this as distinct from transport failures.
var ErrEmptyEmbedding = errors.New("embedder returned an empty vector")

// Provider turns text into a fixed-dimensional float vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is a property of the client, used by stores when creating
	// a namespace index.
	Dimension() int

	ModelName() string

	Close() error
}

// New builds a provider from its config spec. Unknown types fail loudly at
// load time.
func New(spec config.ProviderSpec) (Provider, error) {
	cfg, err := config.DecodeArgs[config.EmbedderProviderConfig](spec)
	if err != nil {
		return nil, fmt.Errorf("invalid embedder config: %w", err)
	}

	switch spec.Type {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "ollama":
		return NewOllamaEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s (supported: openai, ollama)", spec.Type)
	}
}
