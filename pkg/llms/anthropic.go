package llms

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stageflow/stageflow/pkg/config"
)

// AnthropicProvider implements Provider on the Anthropic Messages API.
type AnthropicProvider struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

func NewAnthropicProvider(cfg *config.LLMProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("API key is required for Anthropic provider")
	}

	model := cfg.Model
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_0)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.Host) != "" {
		options = append(options, option.WithBaseURL(cfg.Host))
	}

	timeout := 120 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return &AnthropicProvider{
		client:      anthropic.NewClient(options...),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		timeout:     timeout,
	}, nil
}

func (p *AnthropicProvider) Invoke(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.Messages.New(ctx, p.params(messages))
	if err != nil {
		return "", &ModelError{Provider: "anthropic", Model: p.model, StatusCode: statusOf(err), Err: err}
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, messages []Message) (<-chan string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)

	stream := p.client.Messages.NewStreaming(ctx, p.params(messages))

	out := make(chan string)
	go func() {
		defer cancel()
		defer close(out)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			if event.Type != "content_block_delta" {
				continue
			}
			delta := event.AsContentBlockDelta().Delta
			if delta.Type != "text_delta" || delta.Text == "" {
				continue
			}
			select {
			case out <- delta.Text:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (p *AnthropicProvider) params(messages []Message) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
	}
	if p.temperature > 0 {
		params.Temperature = anthropic.Float(p.temperature)
	}

	// System turns are carried separately from the conversation in the
	// Anthropic API.
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Type: "text", Text: m.Content})
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return params
}

func statusOf(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func (p *AnthropicProvider) ModelName() string { return p.model }

func (p *AnthropicProvider) Close() error { return nil }

var _ Provider = (*AnthropicProvider)(nil)
