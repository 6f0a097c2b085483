package cli

import (
	"github.com/felixgeelhaar/memoir/internal/mcp"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

// Version is reported to MCP clients.
var Version = "dev"

func newMCPCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve memory tools to an agent over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.open(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcp.NewServer(a.engine, a.guard, a.obs, o.userID, a.cfg.Memory.ContextTopK, Version)
			return srv.Run(cmd.Context(), &sdk.StdioTransport{})
		},
	}
}
