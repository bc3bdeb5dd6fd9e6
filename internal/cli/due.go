package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDueCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "due",
		Short: "List tests awaiting evaluation",
		Long: `List the tests the next pass would evaluate: running, unchecked and
scheduled at or before now (minus the configured check delay), oldest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(a *app) error {
				eng, err := a.newEngine()
				if err != nil {
					return err
				}

				ids, err := eng.SelectDueTests(cmd.Context(), time.Now())
				if err != nil {
					return fmt.Errorf("failed to select due tests: %w", err)
				}

				out := cmd.OutOrStdout()
				if len(ids) == 0 {
					fmt.Fprintln(out, "No tests due.")
					return nil
				}
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			})
		},
	}
}
