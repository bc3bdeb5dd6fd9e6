package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/headline-goat/creative-goat/internal/store"
)

func newCreateCmd(g *globalFlags) *cobra.Command {
	var (
		project     string
		kind        string
		scheduled   string
		delay       string
		occasion    string
		notifyEmail string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new A/B test",
		Long: `Create a new A/B test for a project. The test becomes due for
evaluation at its scheduled time (now by default).

Examples:
  cgt create --project acme --kind carousel --delay 3d
  cgt create --project acme --kind banner --scheduled 2024-06-01T12:00:00Z
  cgt create --project acme --occasion black_friday --notify-email ops@acme.test`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if scheduled != "" && delay != "" {
				return fmt.Errorf("use --scheduled OR --delay, not both")
			}

			k, err := resolveKind(kind)
			if err != nil {
				return err
			}
			scheduledAt, err := parseSchedule(scheduled, delay, time.Now())
			if err != nil {
				return err
			}

			return g.withApp(cmd, func(a *app) error {
				test := &store.Test{
					ProjectID:       project,
					Kind:            k,
					ScheduledAt:     scheduledAt,
					SpecialOccasion: occasion != "",
					OccasionType:    occasion,
					NotifyEmail:     notifyEmail,
				}
				if err := a.store.CreateTest(cmd.Context(), test); err != nil {
					return fmt.Errorf("failed to create test: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created %s test %s for project '%s'\n", test.Kind, test.ID, test.ProjectID)
				fmt.Fprintf(out, "  Scheduled: %s\n", test.ScheduledAt.Format(time.RFC3339))
				if test.SpecialOccasion {
					fmt.Fprintf(out, "  Occasion: %s\n", test.OccasionType)
				}
				if test.NotifyEmail != "" {
					fmt.Fprintf(out, "  Notify: %s\n", test.NotifyEmail)
				}
				fmt.Fprintln(out)
				fmt.Fprintf(out, "Record published variants with: cgt publish %s --ref <post-id>\n", test.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project id (required)")
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "test kind: banner or carousel (prompts when omitted)")
	cmd.Flags().StringVar(&scheduled, "scheduled", "", "evaluation time, RFC 3339")
	cmd.Flags().StringVar(&delay, "delay", "", "evaluate after this long, e.g. 36h or 3d")
	cmd.Flags().StringVar(&occasion, "occasion", "", "marks the test as a special occasion of this type")
	cmd.Flags().StringVar(&notifyEmail, "notify-email", "", "address carried on the completion notice")
	cmd.MarkFlagRequired("project")

	return cmd
}

func resolveKind(kind string) (store.Kind, error) {
	if kind != "" {
		return store.ParseKind(kind)
	}

	prompt := promptui.Select{
		Label: "Test kind",
		Items: []store.Kind{store.KindCarousel, store.KindBanner},
	}
	_, result, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return "", fmt.Errorf("aborted")
		}
		return "", err
	}
	return store.ParseKind(result)
}

// parseSchedule turns --scheduled or --delay into an absolute time. A zero
// time leaves the default (now) to the store.
func parseSchedule(scheduled, delay string, now time.Time) (time.Time, error) {
	switch {
	case scheduled != "":
		t, err := time.Parse(time.RFC3339, scheduled)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --scheduled %q: want RFC 3339 like 2024-06-01T12:00:00Z", scheduled)
		}
		return t, nil
	case delay != "":
		d, err := parseDelay(delay)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil
	}
	return time.Time{}, nil
}

// parseDelay accepts Go durations plus a whole-day suffix ("3d").
func parseDelay(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid --delay %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid --delay %q", s)
	}
	return d, nil
}
