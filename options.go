package boxrelay

import "time"

const defaultMetaTTL = 24 * time.Hour

// ItemProcessorConfig defines the collaborators of an ItemProcessor.
type ItemProcessorConfig struct {
	Clock   Clock
	Logger  Logger
	Metrics Metrics
	Tracker ErrorTracker
	// Cache enables reconciliation with cached item meta and the failure fallback.
	Cache    MetaCache
	CacheTTL time.Duration
}

func (c ItemProcessorConfig) withDefaults() ItemProcessorConfig {
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.Tracker == nil {
		c.Tracker = LogTracker{Logger: c.Logger}
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultMetaTTL
	}

	return c
}

// ItemProcessorOption configures an ItemProcessor.
type ItemProcessorOption func(*ItemProcessorConfig)

// WithClock sets the time source.
func WithClock(clock Clock) ItemProcessorOption {
	return func(c *ItemProcessorConfig) {
		c.Clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) ItemProcessorOption {
	return func(c *ItemProcessorConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics Metrics) ItemProcessorOption {
	return func(c *ItemProcessorConfig) {
		c.Metrics = metrics
	}
}

// WithErrorTracker sets the sink for non-benign failures.
func WithErrorTracker(tracker ErrorTracker) ItemProcessorOption {
	return func(c *ItemProcessorConfig) {
		c.Tracker = tracker
	}
}

// WithMetaCache enables cached item meta with the given ttl.
func WithMetaCache(cache MetaCache, ttl time.Duration) ItemProcessorOption {
	return func(c *ItemProcessorConfig) {
		c.Cache = cache
		c.CacheTTL = ttl
	}
}
