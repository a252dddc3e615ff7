package llms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/stageflow/stageflow/pkg/config"
)

// OpenAIProvider implements Provider on the OpenAI chat completions API.
type OpenAIProvider struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
}

func NewOpenAIProvider(cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI provider")
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4o
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Host != "" {
		clientCfg.BaseURL = cfg.Host
	}

	timeout := 120 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return &OpenAIProvider{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
	}, nil
}

func (p *OpenAIProvider) Invoke(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(ctx, p.request(messages))
	if err != nil {
		return "", p.wrapError(err)
	}

	if len(resp.Choices) == 0 {
		return "", &ModelError{Provider: "openai", Model: p.model, Err: errors.New("response contained no choices")}
	}

	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, messages []Message) (<-chan string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)

	req := p.request(messages)
	req.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		cancel()
		return nil, p.wrapError(err)
	}

	out := make(chan string)
	go func() {
		defer cancel()
		defer close(out)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				return
			}
			if len(resp.Choices) > 0 && resp.Choices[0].Delta.Content != "" {
				select {
				case out <- resp.Choices[0].Delta.Content:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (p *OpenAIProvider) request(messages []Message) openai.ChatCompletionRequest {
	converted := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		converted[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    converted,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
}

func (p *OpenAIProvider) wrapError(err error) error {
	var apiErr *openai.APIError
	status := 0
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatusCode
	}
	return &ModelError{Provider: "openai", Model: p.model, StatusCode: status, Err: err}
}

func (p *OpenAIProvider) ModelName() string { return p.model }

func (p *OpenAIProvider) Close() error { return nil }

var _ Provider = (*OpenAIProvider)(nil)
