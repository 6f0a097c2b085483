package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/felixgeelhaar/memoir/internal/store"
)

func TestOpenAIProvider(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		MaxTokens int `json:"max_tokens"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{"message": {"content": "hello", "role": "assistant"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	p, _ := NewOpenAIProvider("test-key", server.URL, "gpt-4")
	if p.Name() != "openai" {
		t.Errorf("Expected 'openai', got '%s'", p.Name())
	}

	resp, err := p.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Expected 'hello', got '%s'", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("Expected 15 tokens, got %d", resp.Usage.TotalTokens)
	}
	if got.Model != "gpt-4" || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("Unexpected request: %+v", got)
	}
	if got.MaxTokens != DefaultMaxTokens {
		t.Errorf("Expected max_tokens %d, got %d", DefaultMaxTokens, got.MaxTokens)
	}
}

func TestOpenAIProvider_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	p, _ := NewOpenAIProvider("test-key", server.URL, "")
	if _, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}); err == nil {
		t.Error("Expected error for empty choices")
	}
}

func TestOllamaProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message": {"role": "assistant", "content": "hi from ollama"}, "done": true, "eval_count": 10, "prompt_eval_count": 5}`))
	}))
	defer server.Close()

	p, err := NewOllamaProvider(server.URL, "llama3")
	if err != nil {
		t.Fatalf("NewOllamaProvider failed: %v", err)
	}
	if p.Name() != "ollama" {
		t.Errorf("Expected 'ollama', got '%s'", p.Name())
	}

	resp, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "hi from ollama" {
		t.Errorf("Expected 'hi from ollama', got '%s'", resp.Content)
	}
	if resp.Usage.PromptTokens != 5 || resp.Usage.CompletionTokens != 10 || resp.Usage.TotalTokens != 15 {
		t.Errorf("Unexpected usage: %+v", resp.Usage)
	}
}

func TestOllamaProvider_EnvHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message": {"role": "assistant", "content": "env"}, "done": true}`))
	}))
	defer server.Close()

	t.Setenv("OLLAMA_HOST", server.URL)
	p, _ := NewOllamaProvider("", "")
	resp, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil || resp.Content != "env" {
		t.Fatalf("Expected reply via OLLAMA_HOST, got %v %v", resp, err)
	}
}

func TestAnthropicProvider(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_123",
			"type": "message",
			"role": "assistant",
			"model": "claude-3",
			"stop_reason": "end_turn",
			"content": [{"type": "text", "text": "hello from claude"}],
			"usage": {"input_tokens": 5, "output_tokens": 7}
		}`))
	}))
	defer server.Close()

	p, _ := NewAnthropicProvider("test-key", "claude-3")
	p.SetBaseURL(server.URL)
	if p.Name() != "anthropic" {
		t.Errorf("Expected 'anthropic', got '%s'", p.Name())
	}

	resp, err := p.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "remember things"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "again"},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "hello from claude" {
		t.Errorf("Expected 'hello from claude', got '%s'", resp.Content)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("Expected 12 tokens, got %d", resp.Usage.TotalTokens)
	}

	msgs, _ := got["messages"].([]any)
	if len(msgs) != 3 {
		t.Errorf("System message must be sent out of band, got %d messages", len(msgs))
	}
	if _, ok := got["system"]; !ok {
		t.Errorf("Expected system field in request: %v", got)
	}
}

func TestGeminiProvider_Name(t *testing.T) {
	// genai.NewClient does not dial until the first request.
	p, err := NewGeminiProvider("fake-key", "gemini-pro")
	if err != nil {
		t.Logf("Skipping Gemini Name test due to client init error: %v", err)
		return
	}
	defer p.Close()
	if p.Name() != "gemini" {
		t.Errorf("Expected 'gemini', got '%s'", p.Name())
	}
}

func TestProvider_Init(t *testing.T) {
	if _, err := NewOpenAIProvider("", "", ""); err == nil {
		t.Error("Expected error for empty OpenAI key")
	}
	if _, err := NewAnthropicProvider("", ""); err == nil {
		t.Error("Expected error for empty Anthropic key")
	}
	if _, err := NewGeminiProvider("", ""); err == nil {
		t.Error("Expected error for empty Gemini key")
	}
	if _, err := NewCLIProvider("", nil); err == nil {
		t.Error("Expected error for empty CLI binary")
	}
}

func TestStubProvider(t *testing.T) {
	p := NewStubProvider("first", "second")
	if p.Name() != "stub" {
		t.Errorf("Expected 'stub', got '%s'", p.Name())
	}
	ctx := context.Background()
	for _, want := range []string{"first", "second", "Got it."} {
		resp, err := p.Chat(ctx, []Message{{Role: RoleUser, Content: "hi"}})
		if err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
		if resp.Content != want {
			t.Errorf("Expected %q, got %q", want, resp.Content)
		}
	}
	if len(p.Calls) != 3 {
		t.Errorf("Expected 3 recorded calls, got %d", len(p.Calls))
	}
}

func TestStubProvider_Canceled(t *testing.T) {
	p := NewStubProvider()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Chat(ctx, []Message{{Content: "hi"}}); err == nil {
		t.Error("Expected error on canceled context")
	}
}

func TestCLIProvider(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture")
	}
	script := filepath.Join(t.TempDir(), "model.sh")
	os.WriteFile(script, []byte("#!/bin/sh\nlast=\"\"\nfor a in \"$@\"; do last=\"$a\"; done\necho \"echo: $last\"\n"), 0o755)

	p, err := NewCLIProvider(script, []string{"--quiet"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "ping"}})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "echo: ping" {
		t.Errorf("Expected 'echo: ping', got %q", resp.Content)
	}
}

func TestFlatten(t *testing.T) {
	out := flatten([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "q"},
		{Role: RoleAssistant, Content: "a"},
		{Role: RoleUser, Content: "q2"},
	})
	if !strings.HasPrefix(out, "sys\n\n") || !strings.HasSuffix(out, "user: q2") {
		t.Errorf("Unexpected transcript %q", out)
	}
}

func TestNew(t *testing.T) {
	p, err := New(Settings{Name: "stub"})
	if err != nil || p.Name() != "stub" {
		t.Fatalf("New(stub) = %v, %v", p, err)
	}
	p, err = New(Settings{Name: "OpenAI", APIKey: "k"})
	if err != nil || p.Name() != "openai" {
		t.Fatalf("New(openai) = %v, %v", p, err)
	}
	if _, err := New(Settings{Name: "anthropic"}); err == nil {
		t.Error("Expected missing key error")
	}
	if _, err := New(Settings{Name: "mystery"}); err == nil {
		t.Error("Expected unknown provider error")
	}
}

func TestCompleter(t *testing.T) {
	stub := NewStubProvider("reply")
	c := NewCompleter(stub)
	if c.Name() != "stub" {
		t.Errorf("Expected name 'stub', got %q", c.Name())
	}

	history := []store.Turn{{Role: RoleUser, Text: "earlier"}, {Role: RoleAssistant, Text: "ok"}}
	out, err := c.Complete(context.Background(), "system prompt", history, "now")
	if err != nil || out != "reply" {
		t.Fatalf("Complete = %q, %v", out, err)
	}

	msgs := stub.Calls[0]
	if len(msgs) != 4 {
		t.Fatalf("Expected 4 messages, got %v", msgs)
	}
	if msgs[0].Role != RoleSystem || msgs[3].Role != RoleUser || msgs[3].Content != "now" {
		t.Errorf("Unexpected message order: %v", msgs)
	}

	stub.Err = errors.New("down")
	if _, err := c.Complete(context.Background(), "", nil, "x"); !errors.Is(err, stub.Err) {
		t.Errorf("Expected provider error, got %v", err)
	}
	if got := stub.Calls[1]; len(got) != 1 {
		t.Errorf("Empty system prompt must be omitted, got %v", got)
	}
}

func TestProvider_Errors(t *testing.T) {
	t.Run("OpenAI Error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(500)
		}))
		defer server.Close()
		p, _ := NewOpenAIProvider("key", server.URL, "")
		if _, err := p.Chat(context.Background(), []Message{{Content: "hi"}}); err == nil {
			t.Error("Expected error")
		}
	})

	t.Run("Anthropic Error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(401)
		}))
		defer server.Close()
		p, _ := NewAnthropicProvider("key", "")
		p.SetBaseURL(server.URL)
		if _, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}); err == nil {
			t.Error("Expected error")
		}
	})

	t.Run("Ollama Error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(500)
			w.Write([]byte(`{"error": "model not found"}`))
		}))
		defer server.Close()
		p, _ := NewOllamaProvider(server.URL, "")
		if _, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}); err == nil {
			t.Error("Expected error")
		}
	})
}
