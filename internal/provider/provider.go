package provider

import (
	"context"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response represents the output from the model.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Provider defines the interface for AI model interactions.
type Provider interface {
	// Chat sends a list of messages to the model and returns a response.
	Chat(ctx context.Context, messages []Message) (*Response, error)

	// Name returns the provider identifier (e.g., "stub", "openai").
	Name() string
}

// splitSystem separates leading system messages from the conversation.
// Providers whose APIs carry the system prompt out of band use it.
func splitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
