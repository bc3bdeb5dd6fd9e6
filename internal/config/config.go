// Package config loads creative-goat settings.
// Precedence: defaults, then the YAML file, then CG_* environment variables.
// Command line flags are applied on top by the cli package.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/headline-goat/creative-goat/internal/engagement"
)

const EnvPrefix = "CG"

const (
	LeaseBackendStore = "store"
	LeaseBackendRedis = "redis"
)

type Config struct {
	Database  DatabaseConfig         `yaml:"database" env:"DATABASE"`
	Server    ServerConfig           `yaml:"server" env:"SERVER"`
	Scheduler SchedulerConfig        `yaml:"scheduler" env:"SCHEDULER"`
	Graph     engagement.GraphConfig `yaml:"graph" env:"GRAPH"`
	Redis     RedisConfig            `yaml:"redis" env:"REDIS"`
	Notify    NotifyConfig           `yaml:"notify" env:"NOTIFY"`
	Log       LogConfig              `yaml:"log" env:"LOG"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" env:"PATH"`
	// Memory keeps everything in process, nothing survives a restart.
	Memory bool `yaml:"memory" env:"MEMORY"`
}

type ServerConfig struct {
	Port int `yaml:"port" env:"PORT"`
}

type SchedulerConfig struct {
	Interval     time.Duration `yaml:"interval" env:"INTERVAL"`
	Concurrency  int           `yaml:"concurrency" env:"CONCURRENCY"`
	LeaseTTL     time.Duration `yaml:"lease_ttl" env:"LEASE_TTL"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	CheckDelay   time.Duration `yaml:"check_delay" env:"CHECK_DELAY"`
	LeaseBackend string        `yaml:"lease_backend" env:"LEASE_BACKEND"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type NotifyConfig struct {
	Log          bool          `yaml:"log" env:"LOG"`
	WebhookURL   string        `yaml:"webhook_url" env:"WEBHOOK_URL"`
	RedisChannel string        `yaml:"redis_channel" env:"REDIS_CHANNEL"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "creative-goat.db"},
		Server:   ServerConfig{Port: 8080},
		Scheduler: SchedulerConfig{
			Interval:     15 * time.Minute,
			Concurrency:  4,
			LeaseTTL:     5 * time.Minute,
			FetchTimeout: 30 * time.Second,
			LeaseBackend: LeaseBackendStore,
		},
		Graph:  engagement.DefaultGraphConfig(),
		Notify: NotifyConfig{Log: true, Timeout: 10 * time.Second},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path (optional) and the process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix, lookup); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFieldsFromEnv(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, key, lookup); err != nil {
				return err
			}
			continue
		}

		value, ok := lookup(key)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// Validate checks the settings that would otherwise fail deep inside a pass.
func (c *Config) Validate() error {
	var errs []string

	if !c.Database.Memory && c.Database.Path == "" {
		errs = append(errs, "database.path is required unless database.memory is set")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, "scheduler.interval must be positive")
	}
	if c.Scheduler.Concurrency <= 0 {
		errs = append(errs, "scheduler.concurrency must be positive")
	}
	if c.Scheduler.LeaseTTL <= 0 {
		errs = append(errs, "scheduler.lease_ttl must be positive")
	}
	if c.Scheduler.FetchTimeout <= 0 {
		errs = append(errs, "scheduler.fetch_timeout must be positive")
	}
	if c.Scheduler.CheckDelay < 0 {
		errs = append(errs, "scheduler.check_delay must not be negative")
	}
	switch c.Scheduler.LeaseBackend {
	case LeaseBackendStore:
	case LeaseBackendRedis:
		if !c.Redis.Enabled() {
			errs = append(errs, "scheduler.lease_backend redis needs redis.addr")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown scheduler.lease_backend %q", c.Scheduler.LeaseBackend))
	}
	if err := c.Graph.Weights.Validate(); err != nil {
		errs = append(errs, "graph.weights: "+err.Error())
	}
	if c.Graph.RateLimit < 0 {
		errs = append(errs, "graph.rate_limit must not be negative")
	}
	if c.Notify.RedisChannel != "" && !c.Redis.Enabled() {
		errs = append(errs, "notify.redis_channel needs redis.addr")
	}

	if len(errs) > 0 {
		return errors.New("invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}

// TokenPath is where the server token lives: next to the database, or in
// the working directory for in-memory runs.
func (c *Config) TokenPath() string {
	if c.Database.Memory {
		return ".creative-goat-token"
	}
	return filepath.Join(filepath.Dir(c.Database.Path), ".creative-goat-token")
}
