package embedders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stageflow/stageflow/pkg/config"
)

func TestNew_UnknownType(t *testing.T) {
	_, err := New(config.ProviderSpec{Type: "word2vec"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported embedder type")
}

func TestNew_OpenAIRequiresAPIKey(t *testing.T) {
	_, err := New(config.ProviderSpec{Type: "openai"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestOllamaEmbedder_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)

		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		assert.Equal(t, "hello", req.Prompt)

		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer server.Close()

	embedder, err := NewOllamaEmbedder(&config.EmbedderProviderConfig{Host: server.URL})
	require.NoError(t, err)

	vector, err := embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vector)
}

func TestOllamaEmbedder_EmptyVector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(ollamaEmbedResponse{})
	}))
	defer server.Close()

	embedder, err := NewOllamaEmbedder(&config.EmbedderProviderConfig{Host: server.URL})
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmptyEmbedding)
}

func TestOllamaEmbedder_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	embedder, err := NewOllamaEmbedder(&config.EmbedderProviderConfig{Host: server.URL})
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
