package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/creative-goat/internal/analytics"
)

func newAnalyticsCmd(g *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Show engagement across completed tests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(a *app) error {
				report, err := analytics.Load(cmd.Context(), a.store)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), report)
				}
				return printReport(cmd.OutOrStdout(), report)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(out io.Writer, r analytics.Report) error {
	o := r.Overview
	fmt.Fprintf(out, "TESTS: %d (%d running, %d completed)\n", o.TotalTests, o.RunningTests, o.CompletedTests)
	fmt.Fprintf(out, "AVERAGE ENGAGEMENT: %.1f\n", o.AverageEngagement)
	fmt.Fprintf(out, "AVERAGE REACH: %.0f\n", o.AverageReach)
	fmt.Fprintf(out, "TOTALS: %s likes, %s comments, %s shares, %s reach\n",
		formatNumber(r.Totals.Likes),
		formatNumber(r.Totals.Comments),
		formatNumber(r.Totals.Shares),
		formatNumber(r.Totals.Reach),
	)

	if len(r.TopPerformers) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOP TEST\tPROJECT\tKIND\tBEST SCORE\tCOMPLETED")
	for _, p := range r.TopPerformers {
		completed := "-"
		if p.CompletedAt != nil {
			completed = p.CompletedAt.Format("2006-01-02")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s\n", p.TestID, p.ProjectID, p.Kind, p.MaxEngagement, completed)
	}
	return w.Flush()
}
