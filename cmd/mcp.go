package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/tracker/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for AI assistant integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Tools run as the account named by mcp.user (or --as). Configure a client with:

  {
    "mcpServers": {
      "tracker": { "command": "tracker", "args": ["mcp"] }
    }
  }

Available tools: tracker_list_issues, tracker_get_issue, tracker_create_issue,
tracker_update_issue, tracker_issue_stats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := getService()
		if err != nil {
			return err
		}

		username := actingAs
		if username == "" {
			username = viper.GetString("mcp.user")
		}
		actor, err := actorFor(cmd.Context(), username)
		if err != nil {
			return err
		}

		srv := mcp.NewServer(svc, actor, buildVersion)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
