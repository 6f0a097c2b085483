package provider

import (
	"context"
	"errors"

	"github.com/felixgeelhaar/memoir/internal/store"
)

// Completer adapts a Provider to the memory engine's completion hook.
type Completer struct {
	p Provider
}

func NewCompleter(p Provider) *Completer {
	return &Completer{p: p}
}

func (c *Completer) Name() string {
	return c.p.Name()
}

// Complete sends the system prompt, prior turns and userText as one request
// and returns the reply text.
func (c *Completer) Complete(ctx context.Context, system string, history []store.Turn, userText string) (string, error) {
	msgs := make([]Message, 0, len(history)+2)
	if system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	}
	for _, t := range history {
		msgs = append(msgs, Message{Role: t.Role, Content: t.Text})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: userText})

	resp, err := c.p.Chat(ctx, msgs)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("provider returned no response")
	}
	return resp.Content, nil
}
