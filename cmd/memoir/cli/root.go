// Package cli wires the memoir commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree. Each call returns fresh flag state.
func NewRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "memoir",
		Short: "Long-term memory for conversational assistants",
		Long: `Memoir extracts durable facts from what users say, stores them per user,
and injects the most relevant ones into each assistant reply.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "Config file (default ~/.memoir/memoir.yaml)")
	pf.StringVar(&o.dbPath, "db", "", "SQLite database path, overrides the configured store")
	pf.StringVarP(&o.userID, "user", "u", defaultUser(), "User id (env MEMOIR_USER)")
	pf.StringVarP(&o.provider, "provider", "p", "", "Completion provider (openai, anthropic, gemini, ollama, cli, stub)")
	pf.StringVarP(&o.model, "model", "m", "", "Model name (default depends on provider)")
	pf.BoolVarP(&o.verbose, "verbose", "v", false, "Enable verbose logging")
	pf.BoolVar(&o.jsonOut, "json", false, "JSON output and JSON logs")

	root.AddCommand(
		newRememberCmd(o),
		newRecallCmd(o),
		newListCmd(o),
		newForgetCmd(o),
		newClearCmd(o),
		newStatsCmd(o),
		newPruneCmd(o),
		newChatCmd(o),
		newBrowseCmd(o),
		newServeCmd(o),
		newMCPCmd(o),
		newRulesCmd(o),
		newConfigCmd(o),
	)
	return root
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
