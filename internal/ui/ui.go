// Package ui defines the output sink shared by the chat loop and the
// terminal browser.
package ui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

type UI interface {
	UpdateStatus(status string)
	Reply(text string)
	Log(msg string)
}

type SilentUI struct{}

func (s SilentUI) UpdateStatus(status string) {}
func (s SilentUI) Reply(text string)          {}
func (s SilentUI) Log(msg string)             {}

// Console writes to a terminal or any writer. Styling degrades to plain text
// when w is not a color terminal.
type Console struct {
	w      io.Writer
	status lipgloss.Style
	reply  lipgloss.Style
	log    lipgloss.Style
}

func NewConsole(w io.Writer) *Console {
	r := lipgloss.NewRenderer(w)
	return &Console{
		w:      w,
		status: r.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Italic(true),
		reply:  r.NewStyle().Foreground(lipgloss.Color("#04B575")),
		log:    r.NewStyle().Faint(true),
	}
}

func (c *Console) UpdateStatus(status string) {
	fmt.Fprintln(c.w, c.status.Render(status))
}

func (c *Console) Reply(text string) {
	fmt.Fprintln(c.w, c.reply.Render("Assistant: "+text))
}

func (c *Console) Log(msg string) {
	fmt.Fprintln(c.w, c.log.Render(msg))
}
