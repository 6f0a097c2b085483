package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/felixgeelhaar/memoir/internal/chat"
	"github.com/felixgeelhaar/memoir/internal/memory"
	"github.com/felixgeelhaar/memoir/internal/server"
	"github.com/felixgeelhaar/memoir/internal/ui"
	"github.com/felixgeelhaar/memoir/internal/ui/tui"
	"github.com/spf13/cobra"
)

func newChatCmd(o *options) *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Talk to the assistant with memory",
		Long: `Without arguments chat starts an interactive session; type /help for its
commands. With arguments it sends a single message and prints the reply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.open(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				console := ui.NewConsole(cmd.OutOrStdout())
				s := chat.NewSession(a.engine, o.userID, conversationID, cmd.InOrStdin(), cmd.OutOrStdout(), console, a.guard, a.obs)
				return s.Run(cmd.Context())
			}

			message := strings.Join(args, " ")
			if err := a.guard.Check(o.userID, message); err != nil {
				return err
			}
			res, err := a.engine.Converse(cmd.Context(), conversationID, o.userID, message)
			if res == nil {
				return err
			}
			if perr := o.emit(cmd, res, func(w io.Writer) {
				if res.Reply != "" {
					fmt.Fprintf(w, "Assistant: %s\n", res.Reply)
				}
				if len(res.Created) > 0 {
					fmt.Fprintf(w, "(remembered %d new facts)\n", len(res.Created))
				}
				fmt.Fprintf(w, "conversation: %s\n", res.ConversationID)
			}); perr != nil {
				return perr
			}
			if errors.Is(err, memory.ErrNoCompleter) {
				return fmt.Errorf("%w; configure one with --provider or `memoir config init`", err)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Continue this conversation id")
	return cmd
}

func newBrowseCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "browse",
		Short: "Browse and delete memories in a terminal UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.open(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			model := tui.NewModel(cmd.Context(), a.engine, o.userID)
			program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			t := tui.NewTUI(program)
			a.engine.Events().SubscribeAll(func(e memory.Event) {
				t.Log(fmt.Sprintf("%s %v", e.Type, e.Data))
			})

			if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("browser failed: %w", err)
			}
			return nil
		},
	}
}

func newServeCmd(o *options) *cobra.Command {
	var (
		addr       string
		pruneEvery time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the memory API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.open(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			return server.New(a.engine, a.guard, a.obs).Run(cmd.Context(), addr, pruneEvery)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().DurationVar(&pruneEvery, "prune-every", 0, "Run retention pruning on this interval, 0 disables")
	return cmd
}
