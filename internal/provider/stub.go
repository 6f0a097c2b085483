package provider

import (
	"context"
	"sync"
)

// StubProvider replays scripted responses. Once the script runs out it echoes
// an acknowledgement. Err, when set, fails every call.
type StubProvider struct {
	mu        sync.Mutex
	Responses []Response
	Err       error
	// Calls records every message list received.
	Calls [][]Message
}

func NewStubProvider(replies ...string) *StubProvider {
	p := &StubProvider{}
	for _, r := range replies {
		p.Responses = append(p.Responses, Response{
			Content: r,
			Usage:   Usage{CompletionTokens: len(r) / 4, TotalTokens: len(r) / 4},
		})
	}
	return p
}

func (m *StubProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, append([]Message(nil), messages...))
	if m.Err != nil {
		return nil, m.Err
	}

	if len(m.Responses) == 0 {
		return &Response{Content: "Got it.", Usage: Usage{}}, nil
	}

	resp := m.Responses[0]
	m.Responses = m.Responses[1:]
	return &resp, nil
}

func (m *StubProvider) Name() string {
	return "stub"
}
