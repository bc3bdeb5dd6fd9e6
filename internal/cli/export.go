package cli

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/headline-goat/creative-goat/internal/store"
)

func newExportCmd(g *globalFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <test-id>",
		Short: "Export variant engagement data",
		Long: `Export every variant of a test with its latest metrics in CSV or JSON format.

Examples:
  cgt export 0190a8b2-... --format csv > test.csv
  cgt export 0190a8b2-... --format json > test.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			if format != "csv" && format != "json" {
				return fmt.Errorf("invalid format: must be 'csv' or 'json'")
			}

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

				if format == "csv" {
					return exportCSV(cmd.OutOrStdout(), test, variants)
				}
				return printJSON(cmd.OutOrStdout(), jsonExport{Test: test, Variants: variants})
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv or json)")
	return cmd
}

var csvHeader = []string{
	"variant_id", "published_ref", "content_urls", "winner",
	"likes", "comments", "shares", "reach", "engagement_score", "fetched_at",
}

func exportCSV(out io.Writer, test *store.Test, variants []*store.Variant) error {
	w := csv.NewWriter(out)

	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, v := range variants {
		urls := make([]string, len(v.ContentRefs))
		for i, c := range v.ContentRefs {
			urls[i] = c.URL
		}

		row := []string{
			v.ID,
			v.PublishedRef,
			strings.Join(urls, " "),
			strconv.FormatBool(slices.Contains(test.WinnerVariantIDs, v.ID)),
			"", "", "", "", "", "",
		}
		if m := v.Metrics; m != nil {
			row[4] = strconv.FormatInt(m.Likes, 10)
			row[5] = strconv.FormatInt(m.Comments, 10)
			row[6] = strconv.FormatInt(m.Shares, 10)
			row[7] = strconv.FormatInt(m.Reach, 10)
			row[8] = strconv.FormatFloat(m.EngagementScore, 'f', -1, 64)
			row[9] = m.FetchedAt.Format(time.RFC3339)
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

type jsonExport struct {
	Test     *store.Test      `json:"test"`
	Variants []*store.Variant `json:"variants"`
}
