package provider

import (
	"fmt"
	"os/exec"
	"strings"
)

// Settings selects and configures a provider.
type Settings struct {
	Name    string
	Model   string
	BaseURL string
	APIKey  string
	// Command and Args configure the cli provider.
	Command string
	Args    []string
}

// Names lists the providers New understands.
var Names = []string{"openai", "anthropic", "gemini", "ollama", "cli", "stub"}

// New builds the provider named in s.
func New(s Settings) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch strings.ToLower(s.Name) {
	case "openai":
		p, err = nonNil(NewOpenAIProvider(s.APIKey, s.BaseURL, s.Model))
	case "anthropic":
		var ap *AnthropicProvider
		if ap, err = NewAnthropicProvider(s.APIKey, s.Model); err == nil {
			if s.BaseURL != "" {
				ap.SetBaseURL(s.BaseURL)
			}
			p = ap
		}
	case "gemini":
		p, err = nonNil(NewGeminiProvider(s.APIKey, s.Model))
	case "ollama":
		p, err = nonNil(NewOllamaProvider(s.BaseURL, s.Model))
	case "cli":
		if s.Command != "" {
			p, err = nonNil(NewCLIProvider(s.Command, s.Args))
		} else {
			p, err = nonNil(DetectCLIProvider())
		}
	case "stub":
		p = NewStubProvider()
	default:
		err = fmt.Errorf("unknown provider %q (want one of %s)", s.Name, strings.Join(Names, ", "))
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// nonNil keeps typed nil pointers out of the Provider interface.
func nonNil[T Provider](p T, err error) (Provider, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DetectCLIProvider picks the first known model CLI found on PATH.
func DetectCLIProvider() (*CLIProvider, error) {
	tools := []string{"llm", "ollama", "claude", "gemini"}
	for _, t := range tools {
		path, err := exec.LookPath(t)
		if err != nil {
			continue
		}
		var args []string
		switch t {
		case "ollama":
			args = []string{"run", "llama3.2"}
		case "claude":
			args = []string{"-p"}
		case "gemini":
			args = []string{"-p"}
		}
		return NewCLIProvider(path, args)
	}
	return nil, fmt.Errorf("no local model CLI detected (tried %s)", strings.Join(tools, ", "))
}
