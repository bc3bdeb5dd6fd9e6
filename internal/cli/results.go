package cli

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/headline-goat/creative-goat/internal/stats"
	"github.com/headline-goat/creative-goat/internal/store"
)

func newResultsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "results <test-id>",
		Short: "Show detailed results for a test",
		Long:  `Show engagement per variant with interaction rates and confidence intervals.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			return g.withApp(cmd, func(a *app) error {
				ctx := cmd.Context()

				test, err := a.store.GetTest(ctx, id)
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("test '%s' not found", id)
					}
					return fmt.Errorf("failed to get test: %w", err)
				}

				variants, err := a.store.ListVariants(ctx, id)
				if err != nil {
					return fmt.Errorf("failed to list variants: %w", err)
				}

				printResults(cmd.OutOrStdout(), test, stats.Analyze(variants))
				return nil
			})
		},
	}
}

func printResults(out io.Writer, test *store.Test, result *stats.Result) {
	fmt.Fprintf(out, "TEST: %s\n", test.ID)
	fmt.Fprintf(out, "PROJECT: %s\n", test.ProjectID)
	fmt.Fprintf(out, "KIND: %s\n", test.Kind)
	fmt.Fprintf(out, "STATUS: %s\n", test.Status)
	fmt.Fprintf(out, "SCHEDULED: %s\n", test.ScheduledAt.Format(time.RFC3339))
	if test.CompletedAt != nil {
		fmt.Fprintf(out, "COMPLETED: %s\n", test.CompletedAt.Format(time.RFC3339))
	}
	if test.SpecialOccasion {
		fmt.Fprintf(out, "OCCASION: %s\n", test.OccasionType)
	}
	fmt.Fprintln(out)

	if len(result.Variants) == 0 {
		fmt.Fprintln(out, "No variants recorded.")
		return
	}

	fmt.Fprintln(out, "VARIANT  POST              SCORE     REACH     RATE     95% CI")
	fmt.Fprintln(out, strings.Repeat("─", 72))

	for _, v := range result.Variants {
		indicator := ""
		switch {
		case slices.Contains(test.WinnerVariantIDs, v.ID):
			indicator = " ← WINNER"
		case test.Status == store.StatusRunning && v.Index == result.LeadingVariant && len(result.Variants) > 1:
			indicator = " ← LEADING"
		}

		post := v.PublishedRef
		switch {
		case post == "":
			post = "(unpublished)"
		case len(post) > 16:
			post = post[:13] + "..."
		}

		if !v.Scored {
			fmt.Fprintf(out, "%-7d  %-16s  %-8s  %-8s  %-7s  %s%s\n", v.Index, post, "-", "-", "-", "N/A", indicator)
			continue
		}

		ciStr := fmt.Sprintf("[%.1f%%, %.1f%%]", v.CILower*100, v.CIUpper*100)
		if v.Reach == 0 {
			ciStr = "N/A"
		}
		fmt.Fprintf(out, "%-7d  %-16s  %-8.1f  %-8s  %-7s  %s%s\n",
			v.Index,
			post,
			v.Score,
			formatNumber(v.Reach),
			formatPercent(v.Rate),
			ciStr,
			indicator,
		)
	}

	fmt.Fprintln(out)

	if result.RunnerUp < 0 {
		return
	}
	lead := result.Variants[result.LeadingVariant]
	confPct := result.ConfidenceLevel * 100
	switch {
	case result.Confident:
		fmt.Fprintf(out, "Statistical significance: %.1f%% confident variant %d engages better\n", confPct, lead.Index)
	case confPct >= 90:
		fmt.Fprintf(out, "Statistical significance: %.1f%% confident variant %d engages better (not yet significant)\n", confPct, lead.Index)
	default:
		fmt.Fprintln(out, "Statistical significance: Not enough data to separate the leaders")
	}
}
