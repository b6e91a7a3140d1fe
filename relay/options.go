package relay

import (
	"time"

	"github.com/velmie/boxrelay"
	"github.com/velmie/boxrelay/throttle"
)

const (
	defaultLockPrefix         = "boxrelay"
	defaultPollConcurrency    = 1
	defaultProcessSlots       = 1
	defaultRegularBatchSize   = 100
	defaultRetryableBatchSize = 20
	defaultScanPageSize       = 500
	defaultPollBudget         = 5 * time.Second
	defaultProcessBudget      = 30 * time.Second
	defaultPopTimeout         = time.Second
	defaultAliveGrace         = 30 * time.Second
)

// Config defines the settings shared by pollers and processors.
type Config struct {
	// LockPrefix namespaces distributed lock keys.
	LockPrefix string
	// PollConcurrency is the number of poller workers shared by every (box, partition).
	PollConcurrency int
	// ProcessSlots is the number of processor workers per box.
	ProcessSlots int
	// RegularBatchSize caps never-attempted rows per poll.
	RegularBatchSize int
	// RetryableBatchSize caps already-attempted rows per poll.
	RetryableBatchSize int
	// ScanPageSize is the number of rows fetched per scan query.
	ScanPageSize int
	// PollBudget is the cooperative cutoff of one poll.
	PollBudget time.Duration
	// ProcessBudget is the cooperative cutoff of one job and the bucket lock TTL.
	ProcessBudget time.Duration
	// PopTimeout bounds the blocking queue pop.
	PopTimeout time.Duration
	// AliveGrace is added to lock timeouts when judging worker liveness.
	AliveGrace time.Duration
	// JitterStep spreads worker startup; negative disables jitter.
	JitterStep       time.Duration
	PollThrottler    throttle.Throttler
	ProcessThrottler throttle.Throttler
	Logger           boxrelay.Logger
	Metrics          boxrelay.Metrics
	Clock            boxrelay.Clock
}

func (c Config) withDefaults() Config {
	if c.LockPrefix == "" {
		c.LockPrefix = defaultLockPrefix
	}
	if c.PollConcurrency <= 0 {
		c.PollConcurrency = defaultPollConcurrency
	}
	if c.ProcessSlots <= 0 {
		c.ProcessSlots = defaultProcessSlots
	}
	if c.RegularBatchSize <= 0 {
		c.RegularBatchSize = defaultRegularBatchSize
	}
	if c.RetryableBatchSize < 0 {
		c.RetryableBatchSize = 0
	} else if c.RetryableBatchSize == 0 {
		c.RetryableBatchSize = defaultRetryableBatchSize
	}
	if c.ScanPageSize <= 0 {
		c.ScanPageSize = defaultScanPageSize
	}
	if c.PollBudget <= 0 {
		c.PollBudget = defaultPollBudget
	}
	if c.ProcessBudget <= 0 {
		c.ProcessBudget = defaultProcessBudget
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = defaultPopTimeout
	}
	if c.AliveGrace <= 0 {
		c.AliveGrace = defaultAliveGrace
	}
	if c.Logger == nil {
		c.Logger = boxrelay.NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = boxrelay.NopMetrics{}
	}
	if c.Clock == nil {
		c.Clock = boxrelay.SystemClock{}
	}

	return c
}

// pollLockTTL bounds a poll lock; it outlives the budget to cover the final push.
func (c Config) pollLockTTL() time.Duration {
	return 2 * c.PollBudget
}

// Option configures pollers, processors and workers.
type Option func(*Config)

// WithLockPrefix sets the distributed lock key prefix.
func WithLockPrefix(prefix string) Option {
	return func(c *Config) {
		c.LockPrefix = prefix
	}
}

// WithPollConcurrency sets the number of poller workers.
func WithPollConcurrency(n int) Option {
	return func(c *Config) {
		c.PollConcurrency = n
	}
}

// WithProcessSlots sets the number of processor workers per box.
func WithProcessSlots(n int) Option {
	return func(c *Config) {
		c.ProcessSlots = n
	}
}

// WithBatchSizes sets the per-poll caps for regular and retryable rows.
func WithBatchSizes(regular, retryable int) Option {
	return func(c *Config) {
		c.RegularBatchSize = regular
		c.RetryableBatchSize = retryable
	}
}

// WithScanPageSize sets the number of rows fetched per scan query.
func WithScanPageSize(n int) Option {
	return func(c *Config) {
		c.ScanPageSize = n
	}
}

// WithPollBudget sets the time budget of one poll.
func WithPollBudget(d time.Duration) Option {
	return func(c *Config) {
		c.PollBudget = d
	}
}

// WithProcessBudget sets the time budget of one job and the bucket lock TTL.
func WithProcessBudget(d time.Duration) Option {
	return func(c *Config) {
		c.ProcessBudget = d
	}
}

// WithPopTimeout sets the blocking pop timeout.
func WithPopTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.PopTimeout = d
	}
}

// WithAliveGrace sets the slack added to lock timeouts for liveness.
func WithAliveGrace(d time.Duration) Option {
	return func(c *Config) {
		c.AliveGrace = d
	}
}

// WithJitterStep sets the startup jitter step of pool workers.
func WithJitterStep(d time.Duration) Option {
	return func(c *Config) {
		c.JitterStep = d
	}
}

// WithPollThrottler sets the throttler consulted before every poll.
func WithPollThrottler(t throttle.Throttler) Option {
	return func(c *Config) {
		c.PollThrottler = t
	}
}

// WithProcessThrottler sets the throttler consulted before every pop.
func WithProcessThrottler(t throttle.Throttler) Option {
	return func(c *Config) {
		c.ProcessThrottler = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger boxrelay.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics boxrelay.Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithClock sets the time source.
func WithClock(clock boxrelay.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

func newConfig(opts []Option) Config {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg.withDefaults()
}
