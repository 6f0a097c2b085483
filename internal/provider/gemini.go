package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	if model == "" {
		model = "gemini-1.5-flash"
	}

	return &GeminiProvider{
		client: client,
		model:  model,
	}, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	system, convo := splitSystem(messages)
	if len(convo) == 0 {
		return nil, errors.New("gemini: no user message")
	}

	geminiModel := p.client.GenerativeModel(p.model)
	geminiModel.SetTemperature(DefaultTemperature)
	geminiModel.SetMaxOutputTokens(DefaultMaxTokens)
	if system != "" {
		geminiModel.SystemInstruction = genai.NewUserContent(genai.Text(system))
	}

	cs := geminiModel.StartChat()
	for _, m := range convo[:len(convo)-1] {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}

	lastMsg := convo[len(convo)-1]
	resp, err := cs.SendMessage(ctx, genai.Text(lastMsg.Content))
	if err != nil {
		return nil, fmt.Errorf("gemini completion failed: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no candidates returned")
	}

	var contentStr string
	for _, part := range resp.Candidates[0].Content.Parts {
		if v, ok := part.(genai.Text); ok {
			contentStr += string(v)
		}
	}

	var usage Usage
	if md := resp.UsageMetadata; md != nil {
		usage = Usage{
			PromptTokens:     int(md.PromptTokenCount),
			CompletionTokens: int(md.CandidatesTokenCount),
			TotalTokens:      int(md.TotalTokenCount),
		}
	}

	return &Response{
		Content: contentStr,
		Usage:   usage,
	}, nil
}

// Close releases the underlying client connection.
func (p *GeminiProvider) Close() error {
	return p.client.Close()
}
