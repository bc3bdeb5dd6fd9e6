package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newTokenCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Show the API token of the running server",
		Long: `Show the API token of the running server.

Use this when you've scrolled past the startup message.

Example:
  cgt token`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(cfg.TokenPath())
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("no server running. Start with: cgt serve")
				}
				return fmt.Errorf("failed to read token file: %w", err)
			}

			token := strings.TrimSpace(string(data))
			if token == "" {
				return fmt.Errorf("token file is empty. Restart the server with: cgt serve")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "API token: %s\n", token)
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Example: curl -X POST -H 'Authorization: Bearer %s' http://localhost:%d/api/pass\n", token, cfg.Server.Port)
			return nil
		},
	}
}
