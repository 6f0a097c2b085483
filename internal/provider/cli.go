package provider

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CLIProvider shells out to a local model binary. The flattened
// conversation is passed as the final argument.
type CLIProvider struct {
	binaryPath string
	args       []string
	timeout    time.Duration
}

func NewCLIProvider(binaryPath string, args []string) (*CLIProvider, error) {
	if binaryPath == "" {
		return nil, fmt.Errorf("binary path is required for CLI provider")
	}
	return &CLIProvider{
		binaryPath: binaryPath,
		args:       args,
		timeout:    2 * time.Minute,
	}, nil
}

func (p *CLIProvider) Name() string {
	return "cli-" + p.binaryPath
}

// Command returns the binary and the arguments placed before the prompt.
func (p *CLIProvider) Command() (string, []string) {
	return p.binaryPath, append([]string(nil), p.args...)
}

func (p *CLIProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	prompt := flatten(messages)
	fullArgs := append(append([]string{}, p.args...), prompt)

	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, p.binaryPath, fullArgs...)

	output, err := cmd.Output()
	result := strings.TrimSpace(string(output))

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("cli model timed out: %w", err)
		}
		return nil, fmt.Errorf("cli model failed: %w\nOutput: %s", err, result)
	}

	return &Response{
		Content: result,
		Usage: Usage{
			TotalTokens: len(strings.Fields(result)),
		},
	}, nil
}

// flatten renders messages as a plain transcript. The system prompt stays on
// top, the final user message last.
func flatten(messages []Message) string {
	if len(messages) == 1 {
		return messages[0].Content
	}
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if m.Role == RoleSystem {
			b.WriteString(m.Content)
			continue
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
	}
	return b.String()
}
