package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stageflow/stageflow/pkg/config"
)

// GeminiProvider implements Provider on the Gemini generateContent REST API.
type GeminiProvider struct {
	host        string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
}

func NewGeminiProvider(cfg *config.LLMProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini provider requires an API key")
	}

	host := cfg.Host
	if host == "" {
		host = "https://generativelanguage.googleapis.com"
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	timeout := 120 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return &GeminiProvider{
		host:        host,
		apiKey:      cfg.APIKey,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"` // "user" or "model"
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
	Error      *geminiAPIError   `json:"error,omitempty"`
}

func (p *GeminiProvider) Invoke(ctx context.Context, messages []Message) (string, error) {
	resp, err := p.send(ctx, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &ModelError{Provider: "gemini", Model: p.model, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if parsed.Error != nil {
		return "", &ModelError{
			Provider:   "gemini",
			Model:      p.model,
			StatusCode: parsed.Error.Code,
			Err:        fmt.Errorf("%s: %s", parsed.Error.Status, parsed.Error.Message),
		}
	}
	return candidateText(parsed), nil
}

func (p *GeminiProvider) Stream(ctx context.Context, messages []Message) (<-chan string, error) {
	resp, err := p.send(ctx, messages, true)
	if err != nil {
		return nil, err
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		// Streaming responses are SSE: one "data: {json}" line per chunk.
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var chunk geminiResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
				return
			}
			if text := candidateText(chunk); text != "" {
				select {
				case out <- text:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (p *GeminiProvider) send(ctx context.Context, messages []Message, stream bool) (*http.Response, error) {
	reqBody := geminiRequest{Contents: convertGeminiMessages(messages)}
	if p.temperature > 0 || p.maxTokens > 0 {
		reqBody.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: p.maxTokens}
		if p.temperature > 0 {
			t := p.temperature
			reqBody.GenerationConfig.Temperature = &t
		}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ModelError{Provider: "gemini", Model: p.model, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	method := "generateContent"
	suffix := ""
	if stream {
		method = "streamGenerateContent"
		suffix = "&alt=sse"
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s%s", p.host, p.model, method, p.apiKey, suffix)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ModelError{Provider: "gemini", Model: p.model, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ModelError{Provider: "gemini", Model: p.model, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		modelErr := &ModelError{
			Provider:   "gemini",
			Model:      p.model,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("request returned status %d", resp.StatusCode),
		}
		var failure geminiResponse
		if err := json.NewDecoder(resp.Body).Decode(&failure); err == nil && failure.Error != nil {
			modelErr.Err = fmt.Errorf("%s: %s", failure.Error.Status, failure.Error.Message)
		}
		return nil, modelErr
	}
	return resp, nil
}

// convertGeminiMessages maps chat roles onto Gemini's two-role scheme. There
// is no system role; system turns become user turns.
func convertGeminiMessages(messages []Message) []geminiContent {
	contents := make([]geminiContent, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}
	return contents
}

func candidateText(resp geminiResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

func (p *GeminiProvider) ModelName() string { return p.model }

func (p *GeminiProvider) Close() error { return nil }

var _ Provider = (*GeminiProvider)(nil)
