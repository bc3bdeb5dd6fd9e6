package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/creative-goat/internal/store"
)

func newPublishCmd(g *globalFlags) *cobra.Command {
	var (
		ref      string
		contents []string
		batch    bool
	)

	cmd := &cobra.Command{
		Use:   "publish <test-id>",
		Short: "Record a variant of a test",
		Long: `Record a generated variant and the post it was published as.

Each --content is "url|caption" (caption optional). With --batch every
content becomes its own variant sharing the same post, for images that
went out together as one post. Omit --ref to record a variant that was
generated but never published; it is left out of evaluation.

Examples:
  cgt publish 0190a8b2-... --ref 1234_5678 --content "https://cdn.test/a.png|Summer sale"
  cgt publish 0190a8b2-... --ref 1234_9999 --batch --content https://cdn.test/1.png --content https://cdn.test/2.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			testID := args[0]

			refs := make([]store.ContentRef, 0, len(contents))
			for _, c := range contents {
				cr, err := parseContentRef(c)
				if err != nil {
					return err
				}
				refs = append(refs, cr)
			}
			if batch && len(refs) < 2 {
				return fmt.Errorf("--batch needs at least 2 --content values")
			}

			var variants []*store.Variant
			if batch {
				for _, cr := range refs {
					variants = append(variants, &store.Variant{TestID: testID, PublishedRef: ref, ContentRefs: []store.ContentRef{cr}})
				}
			} else {
				variants = []*store.Variant{{TestID: testID, PublishedRef: ref, ContentRefs: refs}}
			}

			return g.withApp(cmd, func(a *app) error {
				test, err := a.store.GetTest(cmd.Context(), testID)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("test not found: %s", testID)
				}
				if err != nil {
					return fmt.Errorf("failed to get test: %w", err)
				}
				if test.Status != store.StatusRunning {
					return fmt.Errorf("test %s is %s: %w", testID, test.Status, store.ErrAlreadyCompleted)
				}

				return addVariants(cmd.Context(), a.store, cmd.OutOrStdout(), variants)
			})
		},
	}

	cmd.Flags().StringVar(&ref, "ref", "", "published post id")
	cmd.Flags().StringArrayVarP(&contents, "content", "c", nil, `generated asset as "url|caption" (repeatable)`)
	cmd.Flags().BoolVar(&batch, "batch", false, "one variant per --content, all sharing --ref")

	return cmd
}

func parseContentRef(s string) (store.ContentRef, error) {
	url, caption, _ := strings.Cut(s, "|")
	url = strings.TrimSpace(url)
	if url == "" {
		return store.ContentRef{}, fmt.Errorf("invalid --content %q: url is required", s)
	}
	return store.ContentRef{URL: url, Caption: strings.TrimSpace(caption)}, nil
}

// addVariants records variants in order. A failure part way names the
// variants that were already recorded so the caller can clean them up.
func addVariants(ctx context.Context, s store.Store, out io.Writer, variants []*store.Variant) error {
	var added []string
	for _, v := range variants {
		if err := s.AddVariant(ctx, v); err != nil {
			if len(added) > 0 {
				return fmt.Errorf("failed to add variant %d of %d (already added: %s): %w",
					len(added)+1, len(variants), strings.Join(added, ", "), err)
			}
			return fmt.Errorf("failed to add variant: %w", err)
		}
		added = append(added, v.ID)
		if v.Published() {
			fmt.Fprintf(out, "Added variant %s (post %s)\n", v.ID, v.PublishedRef)
		} else {
			fmt.Fprintf(out, "Added unpublished variant %s\n", v.ID)
		}
	}
	return nil
}
