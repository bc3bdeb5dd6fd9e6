package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/creative-goat/internal/store"
)

func newListCmd(g *globalFlags) *cobra.Command {
	var status, project string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all tests",
		Long:  `List A/B tests with their status, schedule and variant counts.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.ListFilter{ProjectID: project}
			if status != "" {
				st, err := store.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = st
			}

			return g.withApp(cmd, func(a *app) error {
				ctx := cmd.Context()
				out := cmd.OutOrStdout()

				tests, err := a.store.ListTests(ctx, filter)
				if err != nil {
					return fmt.Errorf("failed to list tests: %w", err)
				}

				if len(tests) == 0 {
					fmt.Fprintln(out, "No tests yet.")
					fmt.Fprintln(out)
					fmt.Fprintln(out, "Create one with:")
					fmt.Fprintln(out, "  cgt create --project <project-id> --kind carousel --delay 3d")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPROJECT\tKIND\tSTATUS\tSCHEDULED\tVARIANTS\tPUBLISHED\tWINNERS")

				for _, test := range tests {
					variants, err := a.store.ListVariants(ctx, test.ID)
					if err != nil {
						return fmt.Errorf("failed to list variants for test %s: %w", test.ID, err)
					}

					published := 0
					for _, v := range variants {
						if v.Published() {
							published++
						}
					}

					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
						test.ID,
						test.ProjectID,
						test.Kind,
						strings.ToUpper(string(test.Status)),
						test.ScheduledAt.Format("2006-01-02 15:04"),
						len(variants),
						published,
						len(test.WinnerVariantIDs),
					)
				}

				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only tests in this status: running or completed")
	cmd.Flags().StringVar(&project, "project", "", "only tests of this project")

	return cmd
}
