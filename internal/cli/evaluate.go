package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/creative-goat/internal/engine"
)

func newEvaluateCmd(g *globalFlags) *cobra.Command {
	var asJSON, force bool

	cmd := &cobra.Command{
		Use:   "evaluate <test-id>",
		Short: "Evaluate one due test",
		Long: `Fetch fresh engagement for every published variant of a due test, pick
the winners and complete it. With --force a running test is closed before
its scheduled time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(a *app) error {
				eng, err := a.newEngine()
				if err != nil {
					return err
				}

				evaluate := eng.Evaluate
				if force {
					evaluate = eng.EvaluateNow
				}
				res, err := evaluate(cmd.Context(), args[0])
				if res != nil {
					out := cmd.OutOrStdout()
					if asJSON {
						if jerr := printJSON(out, res); jerr != nil {
							return jerr
						}
					} else {
						printEvaluation(out, res)
					}
				}
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&force, "force", false, "evaluate even if the test is not due yet")
	return cmd
}

func printEvaluation(out io.Writer, res *engine.Result) {
	fmt.Fprintf(out, "TEST: %s\n", res.TestID)
	fmt.Fprintf(out, "OUTCOME: %s\n", res.Outcome)
	fmt.Fprintf(out, "STATUS: %s\n", res.Status)
	if res.Error != "" {
		fmt.Fprintf(out, "ERROR: %s\n", res.Error)
	}

	if len(res.Winners) > 0 {
		fmt.Fprintln(out, "WINNERS:")
		for _, w := range res.Winners {
			fmt.Fprintf(out, "  %s  post %s  score %.1f\n", w.ID, w.PublishedRef, w.Metrics.EngagementScore)
		}
	}
	if len(res.Unscored) > 0 {
		fmt.Fprintf(out, "UNSCORED: %s\n", strings.Join(res.Unscored, ", "))
	}
}
