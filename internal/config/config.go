// Package config loads daemon settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/multierr"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
)

type Config struct {
	GRPCAddr    string `yaml:"grpc_addr" env:"CLOUDSYNC_GRPC_ADDR" env-default:":50051"`
	HTTPAddr    string `yaml:"http_addr" env:"CLOUDSYNC_HTTP_ADDR" env-default:":8080"`
	MetricsAddr string `yaml:"metrics_addr" env:"CLOUDSYNC_METRICS_ADDR" env-default:":9090"`
	// DBPath is the Badger directory; "memory" keeps everything in memory.
	DBPath string `yaml:"db_path" env:"CLOUDSYNC_DB_PATH" env-default:"./data/badger"`

	// NATSURL empty disables publishing.
	NATSURL     string        `yaml:"nats_url" env:"CLOUDSYNC_NATS_URL"`
	PresenceTTL time.Duration `yaml:"presence_ttl" env:"CLOUDSYNC_PRESENCE_TTL" env-default:"90s"`

	Polling Polling `yaml:"polling"`

	FetchTimeout   time.Duration `yaml:"fetch_timeout" env:"CLOUDSYNC_FETCH_TIMEOUT" env-default:"60s"`
	ContentTimeout time.Duration `yaml:"content_timeout" env:"CLOUDSYNC_CONTENT_TIMEOUT" env-default:"10s"`
	StaleAttempt   time.Duration `yaml:"stale_attempt" env:"CLOUDSYNC_STALE_ATTEMPT" env-default:"60s"`

	Autodisable Autodisable `yaml:"autodisable"`

	Tracing  bool   `yaml:"tracing" env:"CLOUDSYNC_TRACING"`
	LogLevel string `yaml:"log_level" env:"CLOUDSYNC_LOG_LEVEL" env-default:"info"`
	// LogFormat is json or console.
	LogFormat string `yaml:"log_format" env:"CLOUDSYNC_LOG_FORMAT" env-default:"json"`

	// SimInventory is a YAML file of simulated clouds served by the sim
	// provider.
	SimInventory string `yaml:"sim_inventory" env:"CLOUDSYNC_SIM_INVENTORY"`
}

type Polling struct {
	// Interval applies to fast kinds of clouds without their own interval.
	Interval     time.Duration `yaml:"interval" env:"CLOUDSYNC_POLL_INTERVAL" env-default:"30m"`
	SlowInterval time.Duration `yaml:"slow_interval" env:"CLOUDSYNC_POLL_SLOW_INTERVAL" env-default:"24h"`
	Workers      int           `yaml:"workers" env:"CLOUDSYNC_POLL_WORKERS" env-default:"4"`
	// Rate is the number of passes started per second.
	Rate  float64 `yaml:"rate" env:"CLOUDSYNC_POLL_RATE" env-default:"5"`
	Burst int     `yaml:"burst" env:"CLOUDSYNC_POLL_BURST" env-default:"10"`
}

type Autodisable struct {
	Disabled               bool          `yaml:"disabled" env:"CLOUDSYNC_AUTODISABLE_DISABLED"`
	FailuresSinceSuccess   int           `yaml:"failures_since_success" env:"CLOUDSYNC_AUTODISABLE_FAILURES" env-default:"50"`
	StaleSuccess           time.Duration `yaml:"stale_success" env:"CLOUDSYNC_AUTODISABLE_STALE_SUCCESS" env-default:"48h"`
	FailuresWithoutSuccess int           `yaml:"failures_without_success" env:"CLOUDSYNC_AUTODISABLE_FAILURES_NEVER" env-default:"100"`
}

// Load reads path when set, then the environment, then validates.
func Load(path string) (*Config, error) {
	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var err error
	if c.GRPCAddr == "" {
		err = multierr.Append(err, errors.New("grpc_addr must be set"))
	}
	if c.Polling.Interval < models.MinPollingInterval || c.Polling.Interval > models.MaxPollingInterval {
		err = multierr.Append(err, fmt.Errorf("polling.interval %s outside %s..%s",
			c.Polling.Interval, models.MinPollingInterval, models.MaxPollingInterval))
	}
	if c.Polling.SlowInterval < c.Polling.Interval {
		err = multierr.Append(err, fmt.Errorf("polling.slow_interval %s shorter than polling.interval", c.Polling.SlowInterval))
	}
	if c.Polling.Workers < 1 {
		err = multierr.Append(err, errors.New("polling.workers must be positive"))
	}
	if c.Polling.Rate <= 0 {
		err = multierr.Append(err, errors.New("polling.rate must be positive"))
	}
	if c.FetchTimeout <= 0 || c.ContentTimeout <= 0 {
		err = multierr.Append(err, errors.New("fetch_timeout and content_timeout must be positive"))
	}
	if c.StaleAttempt <= 0 {
		err = multierr.Append(err, errors.New("stale_attempt must be positive"))
	}
	if c.PresenceTTL <= 0 {
		err = multierr.Append(err, errors.New("presence_ttl must be positive"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("log_format %q: want json or console", c.LogFormat))
	}
	return err
}

// Usage describes the environment variables.
func Usage() (string, error) {
	return cleanenv.GetDescription(&Config{}, nil)
}
