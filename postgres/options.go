package postgres

import (
	"github.com/jackc/pgx/v5"

	"github.com/velmie/boxrelay"
)

const defaultCleanupLimit = 10000

// Config defines PostgreSQL store behavior.
type Config struct {
	// Clock stamps created_at and updated_at.
	Clock boxrelay.Clock
	// IsoLevel of item transactions, READ COMMITTED by default.
	IsoLevel pgx.TxIsoLevel
	// CleanupLimit caps the rows deleted per status and cleanup call.
	CleanupLimit int
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = boxrelay.SystemClock{}
	}
	if c.IsoLevel == "" {
		c.IsoLevel = pgx.ReadCommitted
	}
	if c.CleanupLimit <= 0 {
		c.CleanupLimit = defaultCleanupLimit
	}

	return c
}

// Option configures the PostgreSQL store.
type Option func(*Config)

// WithClock sets the time source used by the store.
func WithClock(clock boxrelay.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithIsoLevel sets the isolation level of item transactions.
func WithIsoLevel(level pgx.TxIsoLevel) Option {
	return func(c *Config) {
		c.IsoLevel = level
	}
}

// WithCleanupLimit caps the rows deleted per status and cleanup call.
func WithCleanupLimit(limit int) Option {
	return func(c *Config) {
		c.CleanupLimit = limit
	}
}
