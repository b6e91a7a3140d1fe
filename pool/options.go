package pool

import (
	"time"

	"github.com/velmie/boxrelay"
	"github.com/velmie/boxrelay/throttle"
)

const (
	defaultConcurrency = 1
	defaultJitterStep  = 100 * time.Millisecond
	defaultMaxJitter   = 2 * time.Second
	defaultIdleDelay   = 100 * time.Millisecond
)

// Config defines pool settings.
type Config struct {
	// Name labels log lines.
	Name        string
	Concurrency int
	// JitterStep bounds the startup delay of worker i to i*JitterStep, capped at MaxJitter.
	JitterStep time.Duration
	MaxJitter  time.Duration
	// IdleDelay is slept after a skipped tick.
	IdleDelay time.Duration
	Throttler throttle.Throttler
	Logger    boxrelay.Logger
	Clock     boxrelay.Clock
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "pool"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.JitterStep < 0 {
		c.JitterStep = 0
	} else if c.JitterStep == 0 {
		c.JitterStep = defaultJitterStep
	}
	if c.MaxJitter <= 0 {
		c.MaxJitter = defaultMaxJitter
	}
	if c.IdleDelay < 0 {
		c.IdleDelay = 0
	} else if c.IdleDelay == 0 {
		c.IdleDelay = defaultIdleDelay
	}
	if c.Throttler == nil {
		c.Throttler = noThrottle{}
	}
	if c.Logger == nil {
		c.Logger = boxrelay.NopLogger{}
	}
	if c.Clock == nil {
		c.Clock = boxrelay.SystemClock{}
	}

	return c
}

// Option configures a Pool.
type Option func(*Config)

// WithName sets the pool name used in logs.
func WithName(name string) Option {
	return func(c *Config) {
		c.Name = name
	}
}

// WithConcurrency sets the number of workers.
func WithConcurrency(n int) Option {
	return func(c *Config) {
		c.Concurrency = n
	}
}

// WithJitter sets the per-index startup jitter step and its cap. A negative step
// disables jitter.
func WithJitter(step, maxJitter time.Duration) Option {
	return func(c *Config) {
		c.JitterStep = step
		c.MaxJitter = maxJitter
	}
}

// WithIdleDelay sets the pause after a skipped tick. A negative delay disables it.
func WithIdleDelay(d time.Duration) Option {
	return func(c *Config) {
		c.IdleDelay = d
	}
}

// WithThrottler sets the policy consulted before every task.
func WithThrottler(t throttle.Throttler) Option {
	return func(c *Config) {
		c.Throttler = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger boxrelay.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock sets the time source used for heartbeats.
func WithClock(clock boxrelay.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}
