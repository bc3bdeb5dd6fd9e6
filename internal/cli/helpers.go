package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/headline-goat/creative-goat/internal/config"
	"github.com/headline-goat/creative-goat/internal/engagement"
	"github.com/headline-goat/creative-goat/internal/engine"
	"github.com/headline-goat/creative-goat/internal/lease"
	"github.com/headline-goat/creative-goat/internal/logging"
	"github.com/headline-goat/creative-goat/internal/notify"
	"github.com/headline-goat/creative-goat/internal/store"
	"github.com/headline-goat/creative-goat/internal/telemetry"
)

// app is everything a command needs once config is resolved.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     store.Store
	collector *telemetry.Collector
	redis     redis.UniversalClient
}

// loadConfig resolves the config file and environment, then applies the
// persistent flags that were set explicitly.
func (g *globalFlags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Database.Path = g.dbPath
	}
	if flags.Changed("memory") {
		cfg.Database.Memory = g.memory
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = g.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withApp opens the store, executes the function, and handles cleanup.
func (g *globalFlags) withApp(cmd *cobra.Command, fn func(*app) error) error {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	defer logger.Sync()

	a := &app{cfg: cfg, logger: logger, collector: telemetry.NewCollector()}
	if cfg.Database.Memory {
		a.store = store.NewMemStore()
	} else {
		s, err := store.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		a.store = s
	}
	defer a.store.Close()

	if cfg.Redis.Enabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer a.redis.Close()
	}

	return fn(a)
}

// newEngine wires the gateway, leaser and dispatchers from config.
func (a *app) newEngine() (*engine.Engine, error) {
	gw, err := engagement.NewGraphGateway(a.cfg.Graph, engagement.WithGraphLogger(a.logger))
	if err != nil {
		return nil, err
	}

	sc := a.cfg.Scheduler
	opts := []engine.Option{
		engine.WithLogger(a.logger),
		engine.WithCollector(a.collector),
		engine.WithDispatcher(a.dispatcher()),
		engine.WithFetchTimeout(sc.FetchTimeout),
		engine.WithConcurrency(sc.Concurrency),
		engine.WithLeaseTTL(sc.LeaseTTL),
		engine.WithCheckDelay(sc.CheckDelay),
	}
	if sc.LeaseBackend == config.LeaseBackendRedis {
		opts = append(opts, engine.WithLeaser(lease.NewRedisLeaser(a.redis, a.cfg.Redis.KeyPrefix, sc.LeaseTTL)))
	}
	return engine.New(a.store, gw, opts...), nil
}

func (a *app) dispatcher() notify.Dispatcher {
	nc := a.cfg.Notify
	var m notify.Multi
	if nc.Log {
		m = append(m, notify.NewLogDispatcher(a.logger))
	}
	if nc.WebhookURL != "" {
		m = append(m, notify.NewWebhookDispatcher(nc.WebhookURL, nc.Timeout))
	}
	if nc.RedisChannel != "" {
		m = append(m, notify.NewRedisDispatcher(a.redis, nc.RedisChannel))
	}
	if len(m) == 0 {
		return notify.Nop{}
	}
	return m
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}
