package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stageflow/stageflow/pkg/config"
)

// OllamaProvider implements Provider on a local Ollama server's chat API.
type OllamaProvider struct {
	host        string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
}

func NewOllamaProvider(cfg *config.LLMProviderConfig) (*OllamaProvider, error) {
	host := cfg.Host
	if host == "" {
		host = "http://localhost:11434"
	}

	model := cfg.Model
	if model == "" {
		model = "llama3.2"
	}

	timeout := 120 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return &OllamaProvider{
		host:        host,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

func (p *OllamaProvider) Invoke(ctx context.Context, messages []Message) (string, error) {
	resp, err := p.send(ctx, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &ModelError{Provider: "ollama", Model: p.model, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return parsed.Message.Content, nil
}

func (p *OllamaProvider) Stream(ctx context.Context, messages []Message) (<-chan string, error) {
	resp, err := p.send(ctx, messages, true)
	if err != nil {
		return nil, err
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		// Ollama streams newline-delimited JSON objects.
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var chunk ollamaChatResponse
			if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
				return
			}
			if chunk.Message.Content != "" {
				select {
				case out <- chunk.Message.Content:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				return
			}
		}
	}()

	return out, nil
}

func (p *OllamaProvider) send(ctx context.Context, messages []Message, stream bool) (*http.Response, error) {
	reqBody := ollamaChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   stream,
	}
	if p.temperature > 0 || p.maxTokens > 0 {
		reqBody.Options = map[string]any{}
		if p.temperature > 0 {
			reqBody.Options["temperature"] = p.temperature
		}
		if p.maxTokens > 0 {
			reqBody.Options["num_predict"] = p.maxTokens
		}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ModelError{Provider: "ollama", Model: p.model, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &ModelError{Provider: "ollama", Model: p.model, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ModelError{Provider: "ollama", Model: p.model, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &ModelError{
			Provider:   "ollama",
			Model:      p.model,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("chat request returned status %d", resp.StatusCode),
		}
	}
	return resp, nil
}

func (p *OllamaProvider) ModelName() string { return p.model }

func (p *OllamaProvider) Close() error { return nil }

var _ Provider = (*OllamaProvider)(nil)
