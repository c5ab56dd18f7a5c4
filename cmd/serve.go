package cmd

import (
	"github.com/spf13/cobra"

	"github.com/agentic-research/trellis/api"
	"github.com/agentic-research/trellis/internal/mcpserver"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve generation and user-edit tools over MCP (stdio)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openProject(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		srv := mcpserver.New(p.orch, func() (*api.Manifest, error) { return p.loadManifest() }, p.log,
			mcpserver.WithPassLog(p.ctl))
		return srv.ServeStdio()
	},
}
