// Package config loads the boxrelay process configuration from the environment and the
// box definitions from a YAML file.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "BOXRELAY_"

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMySQL    = "mysql"
)

// Worker modes.
const (
	ModeTwoStage = "two_stage"
	ModeDirect   = "direct"
)

// Config is the process configuration. Every variable is prefixed with BOXRELAY_.
type Config struct {
	Store       string `env:"STORE" envDefault:"postgres"`
	PostgresDSN string `env:"POSTGRES_DSN"`
	MySQLDSN    string `env:"MYSQL_DSN"`
	BoxesFile   string `env:"BOXES_FILE" envDefault:"boxes.yaml"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
	Mode        string `env:"MODE" envDefault:"two_stage"`

	Redis    RedisConfig    `envPrefix:"REDIS_"`
	AMQP     AMQPConfig     `envPrefix:"AMQP_"`
	Worker   WorkerConfig   `envPrefix:"WORKER_"`
	Throttle ThrottleConfig `envPrefix:"THROTTLE_"`
	Cleanup  CleanupConfig  `envPrefix:"CLEANUP_"`
}

// RedisConfig locates the key-value store.
type RedisConfig struct {
	URL       string `env:"URL" envDefault:"redis://localhost:6379/0"`
	KeyPrefix string `env:"KEY_PREFIX"`
	PoolSize  int    `env:"POOL_SIZE"`
}

// AMQPConfig locates the broker boxes publish to.
type AMQPConfig struct {
	URL     string `env:"URL"`
	Confirm bool   `env:"CONFIRM" envDefault:"true"`
}

// WorkerConfig sizes the poller and processor pools.
type WorkerConfig struct {
	LockPrefix         string        `env:"LOCK_PREFIX" envDefault:"boxrelay"`
	PollConcurrency    int           `env:"POLL_CONCURRENCY" envDefault:"1"`
	ProcessSlots       int           `env:"PROCESS_SLOTS" envDefault:"1"`
	RegularBatchSize   int           `env:"REGULAR_BATCH_SIZE" envDefault:"100"`
	RetryableBatchSize int           `env:"RETRYABLE_BATCH_SIZE" envDefault:"20"`
	ScanPageSize       int           `env:"SCAN_PAGE_SIZE" envDefault:"500"`
	PollBudget         time.Duration `env:"POLL_BUDGET" envDefault:"5s"`
	ProcessBudget      time.Duration `env:"PROCESS_BUDGET" envDefault:"30s"`
	PopTimeout         time.Duration `env:"POP_TIMEOUT" envDefault:"1s"`
	MetaTTL            time.Duration `env:"META_TTL" envDefault:"1h"`
}

// ThrottleConfig enables the throttle policies; zero values leave a policy out.
type ThrottleConfig struct {
	QueueMax     int64         `env:"QUEUE_MAX"`
	QueueDelay   time.Duration `env:"QUEUE_DELAY" envDefault:"1s"`
	MinLag       time.Duration `env:"MIN_LAG"`
	RateLimit    int           `env:"RATE_LIMIT"`
	RateInterval time.Duration `env:"RATE_INTERVAL" envDefault:"1s"`
	IdleDelay    time.Duration `env:"IDLE_DELAY" envDefault:"500ms"`
}

// CleanupConfig schedules retention cleanup.
type CleanupConfig struct {
	Schedule      string `env:"SCHEDULE" envDefault:"@hourly"`
	Limit         int    `env:"LIMIT"`
	IncludeFailed bool   `env:"INCLUDE_FAILED"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: envPrefix})
}

// LoadFrom reads the configuration from vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: envPrefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: %sPOSTGRES_DSN is required", ErrInvalidConfig, envPrefix)
		}
	case StoreMySQL:
		if c.MySQLDSN == "" {
			return fmt.Errorf("%w: %sMYSQL_DSN is required", ErrInvalidConfig, envPrefix)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	}
	if c.Mode != ModeTwoStage && c.Mode != ModeDirect {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}

	return nil
}

// DSN returns the connection string of the configured store.
func (c Config) DSN() string {
	if c.Store == StoreMySQL {
		return c.MySQLDSN
	}

	return c.PostgresDSN
}
