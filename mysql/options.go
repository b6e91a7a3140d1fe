package mysql

import (
	"database/sql"

	"github.com/velmie/boxrelay"
)

const defaultCleanupLimit = 10000

// Config defines MySQL store behavior.
type Config struct {
	// Clock stamps created_at and updated_at.
	Clock boxrelay.Clock
	// Isolation is the level of item transactions, READ COMMITTED by default.
	Isolation sql.IsolationLevel
	// CleanupLimit caps the rows deleted per status and cleanup call.
	CleanupLimit int
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = boxrelay.SystemClock{}
	}
	if c.Isolation == sql.LevelDefault {
		c.Isolation = sql.LevelReadCommitted
	}
	if c.CleanupLimit <= 0 {
		c.CleanupLimit = defaultCleanupLimit
	}

	return c
}

// Option configures the MySQL store.
type Option func(*Config)

// WithClock sets the time source used by the store.
func WithClock(clock boxrelay.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithIsolation sets the isolation level of item transactions.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(c *Config) {
		c.Isolation = level
	}
}

// WithCleanupLimit caps the rows deleted per status and cleanup call.
func WithCleanupLimit(limit int) Option {
	return func(c *Config) {
		c.CleanupLimit = limit
	}
}
