package redis

import (
	"strconv"
	"time"
)

const (
	queueSuffix         = "job_queue"
	defaultMinPopWait   = time.Second
	defaultDialTimeout  = 5 * time.Second
	defaultPingDeadline = 5 * time.Second
)

// Config defines how keys are named.
type Config struct {
	// KeyPrefix namespaces every key, e.g. "svc" gives "svc:orders:job_queue".
	KeyPrefix string
}

// Option configures a redis component.
type Option func(*Config)

// WithKeyPrefix namespaces every key with prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) {
		c.KeyPrefix = prefix
	}
}

func newConfig(opts []Option) Config {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}

func (c Config) key(key string) string {
	if c.KeyPrefix == "" {
		return key
	}

	return c.KeyPrefix + ":" + key
}

// QueueKey returns the list key of a box queue.
func (c Config) QueueKey(box string) string {
	return c.key(box + ":" + queueSuffix)
}

// MetaKey returns the cached meta key of an item.
func (c Config) MetaKey(box string, id int64) string {
	return c.key(box + ":" + strconv.FormatInt(id, 10))
}
