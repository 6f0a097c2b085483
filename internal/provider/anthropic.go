package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type AnthropicProvider struct {
	apiKey  string
	model   string
	baseURL string
}

func NewAnthropicProvider(apiKey, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	if model == "" {
		model = "claude-3-5-haiku-latest"
	}

	return &AnthropicProvider{
		apiKey: apiKey,
		model:  model,
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// SetBaseURL allows overriding the API endpoint (useful for tests)
func (p *AnthropicProvider) SetBaseURL(url string) {
	p.baseURL = url
}

func (p *AnthropicProvider) client() anthropic.Client {
	opts := []option.RequestOption{option.WithAPIKey(p.apiKey)}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL), option.WithMaxRetries(0))
	}
	return anthropic.NewClient(opts...)
}

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	system, convo := splitSystem(messages)

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   DefaultMaxTokens,
		Temperature: anthropic.Float(DefaultTemperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range convo {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	client := p.client()
	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion failed: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &Response{
		Content: content.String(),
		Usage: Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
	}, nil
}
