package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// globalFlags carries the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	dbPath     string
	memory     bool
	logLevel   string
	logFormat  string
}

// NewRootCmd builds the cgt command tree.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "cgt",
		Short: "Creative Goat - scheduled A/B tests for marketing creatives",
		Long: `🐐 Creative Goat runs A/B tests for generated marketing creatives.

Variants are published to the social platform, and every test is
evaluated once its scheduled time passes: fresh engagement is pulled for
each published variant, the best ones win (ties included), the test is
closed and a completion is sent downstream.

Single Go binary, embedded SQLite. Optional Redis for leases and
notifications.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", getEnvOrDefault("CG_CONFIG", ""), "config file (YAML)")
	pf.StringVar(&g.dbPath, "db", "", "database path (overrides config)")
	pf.BoolVar(&g.memory, "memory", false, "keep all state in memory")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: console or json")

	root.AddCommand(
		newCreateCmd(g),
		newPublishCmd(g),
		newListCmd(g),
		newResultsCmd(g),
		newDueCmd(g),
		newEvaluateCmd(g),
		newPassCmd(g),
		newAnalyticsCmd(g),
		newExportCmd(g),
		newServeCmd(g),
		newTokenCmd(g),
	)
	return root
}

func Execute() error {
	return NewRootCmd().Execute()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
