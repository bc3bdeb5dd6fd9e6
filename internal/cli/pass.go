package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/creative-goat/internal/engine"
	"github.com/headline-goat/creative-goat/internal/scheduler"
)

type passOutput struct {
	Results []engine.Result        `json:"results"`
	Summary map[engine.Outcome]int `json:"summary"`
}

func newPassCmd(g *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "pass",
		Short: "Run one evaluation pass",
		Long: `Evaluate every due test once, the same way the scheduler does on
each tick. Tests leased by another process are left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(a *app) error {
				eng, err := a.newEngine()
				if err != nil {
					return err
				}

				poller := scheduler.NewPoller(eng, a.cfg.Scheduler.Interval, scheduler.WithLogger(a.logger))
				results, err := poller.RunOnce(cmd.Context())
				if err != nil {
					return fmt.Errorf("evaluation pass failed: %w", err)
				}

				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, passOutput{Results: results, Summary: engine.Summarize(results)})
				}
				return printPass(out, results)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func printPass(out io.Writer, results []engine.Result) error {
	if len(results) == 0 {
		fmt.Fprintln(out, "No tests due.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TEST\tOUTCOME\tWINNERS\tUNSCORED\tERROR")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", r.TestID, r.Outcome, len(r.Winners), len(r.Unscored), r.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	summary := engine.Summarize(results)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%d evaluated: %d completed, %d without variants, %d to retry, %d skipped, %d failed\n",
		len(results),
		summary[engine.OutcomeCompleted],
		summary[engine.OutcomeNoVariants],
		summary[engine.OutcomeRetry],
		summary[engine.OutcomeSkipped],
		summary[engine.OutcomeFailed],
	)
	return nil
}
