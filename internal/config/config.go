// Package config loads process configuration from the environment.
package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/SirClappington/sqlcoord/internal/cachesignal"
	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/queue"
	"github.com/SirClappington/sqlcoord/internal/retry"
	"github.com/SirClappington/sqlcoord/internal/scheduler"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr  string `env:"API_ADDR" envDefault:":8080"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	PostgresDSN string `env:"POSTGRES_DSN"`
	SQLitePath  string `env:"SQLITE_PATH"`

	Queue         Queue              `envPrefix:"QUEUE_"`
	Lock          Lock               `envPrefix:"LOCK_"`
	Scheduler     scheduler.Config   `envPrefix:"SCHEDULER_"`
	Cache         cachesignal.Config `envPrefix:"CACHE_"`
	Subscriptions Subscriptions      `envPrefix:"SUBSCRIPTIONS_"`
	Retry         Retry              `envPrefix:"RETRY_"`
	Maintenance   Maintenance        `envPrefix:"MAINTENANCE_"`
}

// Queue holds consumer defaults.
type Queue struct {
	Lease           time.Duration `env:"LEASE" envDefault:"30s"`
	MaxDeliveries   int           `env:"MAX_DELIVERIES" envDefault:"5"`
	Concurrency     int           `env:"CONCURRENCY" envDefault:"4"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"100ms"`
	MaxPollInterval time.Duration `env:"MAX_POLL_INTERVAL" envDefault:"2s"`
	ShutdownGrace   time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`
	InitialBackoff  time.Duration `env:"INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff      time.Duration `env:"MAX_BACKOFF" envDefault:"5m"`
	Multiplier      float64       `env:"BACKOFF_MULTIPLIER" envDefault:"2"`
}

func (q Queue) ConsumeConfig() queue.ConsumeConfig {
	c := queue.DefaultConsumeConfig()
	c.Lease = q.Lease
	c.MaxDeliveries = q.MaxDeliveries
	c.Concurrency = q.Concurrency
	c.PollInterval = q.PollInterval
	c.MaxPollInterval = q.MaxPollInterval
	c.ShutdownGrace = q.ShutdownGrace
	c.Retry = domain.RetryPolicy{
		MaxAttempts:    q.MaxDeliveries,
		InitialBackoff: q.InitialBackoff,
		MaxBackoff:     q.MaxBackoff,
		Multiplier:     q.Multiplier,
	}
	return c
}

type Lock struct {
	Lease         time.Duration `env:"LEASE" envDefault:"30s"`
	RenewInterval time.Duration `env:"RENEW_INTERVAL" envDefault:"10s"`
}

type Subscriptions struct {
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"2s"`
}

// Retry bounds in-backend retries of transient store errors.
type Retry struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	BaseDelay   time.Duration `env:"BASE_DELAY" envDefault:"50ms"`
	MaxDelay    time.Duration `env:"MAX_DELAY" envDefault:"2s"`
}

func (r Retry) Config() retry.Config {
	return retry.Config{MaxAttempts: r.MaxAttempts, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay}
}

type Maintenance struct {
	Interval time.Duration `env:"INTERVAL" envDefault:"30s"`
	// Retention is how long completed messages are kept.
	Retention time.Duration `env:"RETENTION" envDefault:"24h"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parse environment")
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch strings.ToLower(c.StoreDriver) {
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres driver")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite driver")
		}
	default:
		return errors.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Lock.Lease <= c.Lock.RenewInterval {
		return errors.Errorf("LOCK_LEASE (%s) must be larger than LOCK_RENEW_INTERVAL (%s)", c.Lock.Lease, c.Lock.RenewInterval)
	}
	if c.Cache.SubscriptionTTL > 0 && c.Cache.SubscriptionTTL <= c.Cache.Heartbeat {
		return errors.Errorf("CACHE_SUBSCRIPTION_TTL (%s) must be larger than CACHE_HEARTBEAT (%s)", c.Cache.SubscriptionTTL, c.Cache.Heartbeat)
	}
	if c.Queue.Lease <= 0 {
		return errors.New("QUEUE_LEASE must be positive")
	}
	if c.Maintenance.Interval <= 0 {
		return errors.New("MAINTENANCE_INTERVAL must be positive")
	}
	return nil
}
