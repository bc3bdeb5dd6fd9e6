package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/headline-goat/creative-goat/internal/scheduler"
	"github.com/headline-goat/creative-goat/internal/server"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		port        int
		interval    string
		noScheduler bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and the scheduler",
		Long: `Start the creative-goat HTTP API and evaluate due tests on a fixed interval.

The server provides:
  - Read-only JSON API for tests, results and analytics
  - Token-protected endpoints to trigger passes and evaluations
  - Prometheus metrics at /metrics
  - Health check endpoint

Example:
  cgt serve --port 8080 --interval 15m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(a *app) error {
				if cmd.Flags().Changed("port") {
					a.cfg.Server.Port = port
				}
				if cmd.Flags().Changed("interval") {
					d, err := parseDelay(interval)
					if err != nil || d <= 0 {
						return fmt.Errorf("invalid --interval %q", interval)
					}
					a.cfg.Scheduler.Interval = d
				}

				eng, err := a.newEngine()
				if err != nil {
					return err
				}

				srv, err := server.New(a.store, eng, a.cfg.Server.Port, a.cfg.TokenPath(),
					server.WithLogger(a.logger),
					server.WithCollector(a.collector),
				)
				if err != nil {
					return err
				}
				printStartup(cmd, a.cfg.Server.Port, srv.Token())

				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				group, gctx := errgroup.WithContext(ctx)
				group.Go(func() error { return srv.Start(gctx) })
				if !noScheduler {
					poller := scheduler.NewPoller(eng, a.cfg.Scheduler.Interval, scheduler.WithLogger(a.logger))
					group.Go(func() error {
						if err := poller.Run(gctx); !errors.Is(err, context.Canceled) {
							return err
						}
						return nil
					})
				}
				return group.Wait()
			})
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on (overrides config)")
	cmd.Flags().StringVar(&interval, "interval", "", "time between passes, e.g. 15m (overrides config)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API only, never run passes")

	return cmd
}

func printStartup(cmd *cobra.Command, port int, token string) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Server running at http://localhost:%d\n", port)
	fmt.Fprintf(out, "API token: %s\n", token)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Trigger a pass:")
	fmt.Fprintf(out, "  curl -X POST -H 'Authorization: Bearer %s' http://localhost:%d/api/pass\n", token, port)
	fmt.Fprintln(out)
}
