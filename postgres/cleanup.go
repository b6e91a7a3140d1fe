package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velmie/boxrelay"
)

const (
	defaultCleanupEvery    = time.Hour
	defaultCleanupLockName = "boxrelay:cleanup"
)

// CleanupOptions defines which terminal rows of a box to delete.
type CleanupOptions struct {
	// Before removes rows last updated at or before this timestamp (required).
	Before time.Time
	// Limit caps the rows deleted per status (0 uses the store limit).
	Limit int
	// IncludeFailed removes failed rows in addition to delivered and discarded ones.
	IncludeFailed bool
}

// CleanupResult reports how many rows were removed per status.
type CleanupResult struct {
	Delivered int64
	Discarded int64
	Failed    int64
}

// Total returns the number of removed rows.
func (r CleanupResult) Total() int64 {
	return r.Delivered + r.Discarded + r.Failed
}

// Cleanup removes terminal rows of box older than opts.Before.
func (s *Store) Cleanup(ctx context.Context, box *boxrelay.Box, opts CleanupOptions) (CleanupResult, error) {
	if opts.Before.IsZero() {
		return CleanupResult{}, ErrCleanupBeforeRequired
	}
	if opts.Limit < 0 {
		return CleanupResult{}, ErrCleanupLimitInvalid
	}
	limit := opts.Limit
	if limit == 0 {
		limit = s.cfg.CleanupLimit
	}
	qs, err := s.queriesFor(box)
	if err != nil {
		return CleanupResult{}, err
	}

	statuses := []boxrelay.Status{boxrelay.StatusDelivered, boxrelay.StatusDiscarded}
	if opts.IncludeFailed {
		statuses = append(statuses, boxrelay.StatusFailed)
	}

	var res CleanupResult
	for _, status := range statuses {
		tag, err := s.pool.Exec(ctx, qs.cleanupByStatus, int16(status), opts.Before, limit)
		if err != nil {
			return res, fmt.Errorf("boxrelay postgres: cleanup %s failed: %w", status, err)
		}
		switch status {
		case boxrelay.StatusDelivered:
			res.Delivered = tag.RowsAffected()
		case boxrelay.StatusDiscarded:
			res.Discarded = tag.RowsAffected()
		case boxrelay.StatusFailed:
			res.Failed = tag.RowsAffected()
		}
	}

	return res, nil
}

// CleanupMaintainerConfig controls periodic retention cleanup.
type CleanupMaintainerConfig struct {
	// Boxes to clean; each uses its own retention.
	Boxes []*boxrelay.Box
	// CheckEvery is the interval between cleanup runs.
	CheckEvery time.Duration
	// Limit caps the rows deleted per status and box on each run (0 uses the default).
	Limit int
	// IncludeFailed removes failed rows in addition to delivered and discarded rows.
	IncludeFailed bool
	// LockName is hashed into the advisory lock key. Defaults to boxrelay:cleanup.
	LockName string
	Clock    boxrelay.Clock
	Logger   boxrelay.Logger
}

// CleanupMaintainer deletes expired terminal rows of every configured box, one process at a
// time.
type CleanupMaintainer struct {
	store   *Store
	cfg     CleanupMaintainerConfig
	lockKey int64
}

// NewCleanupMaintainer creates a new cleanup maintainer with defaults applied.
func NewCleanupMaintainer(pool *pgxpool.Pool, cfg CleanupMaintainerConfig) (*CleanupMaintainer, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}
	if len(cfg.Boxes) == 0 {
		return nil, ErrBoxesRequired
	}
	if cfg.Limit < 0 {
		return nil, ErrCleanupLimitInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = boxrelay.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = boxrelay.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCleanupEvery
	}
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanupLockName
	}
	for _, box := range cfg.Boxes {
		if _, err := quoteTable(box.Table()); err != nil {
			return nil, fmt.Errorf("box %s: %w", box.Name(), err)
		}
	}

	store, err := NewStore(pool, WithClock(cfg.Clock), WithCleanupLimit(cfg.Limit))
	if err != nil {
		return nil, err
	}

	return &CleanupMaintainer{store: store, cfg: cfg, lockKey: advisoryKey(cfg.LockName)}, nil
}

// Run periodically deletes expired rows until the context is canceled.
func (m *CleanupMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	m.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *CleanupMaintainer) runOnce(ctx context.Context) {
	if _, err := m.Ensure(ctx); err != nil {
		m.cfg.Logger.Warn("boxrelay cleanup failed", "err", err)
	}
}

// Ensure executes a single cleanup pass over every box and returns the results by box name.
// It returns an empty map when another session holds the advisory lock.
func (m *CleanupMaintainer) Ensure(ctx context.Context) (map[string]CleanupResult, error) {
	conn, err := m.store.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("boxrelay postgres: cleanup conn failed: %w", err)
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", m.lockKey).Scan(&locked); err != nil {
		return nil, fmt.Errorf("boxrelay postgres: acquire cleanup lock failed: %w", err)
	}
	results := make(map[string]CleanupResult, len(m.cfg.Boxes))
	if !locked {
		m.cfg.Logger.Debug("boxrelay cleanup lock held by another session")

		return results, nil
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", m.lockKey); err != nil {
			m.cfg.Logger.Warn("boxrelay cleanup release lock failed", "err", err)
		}
	}()

	now := m.cfg.Clock.Now()
	for _, box := range m.cfg.Boxes {
		res, err := m.store.Cleanup(ctx, box, CleanupOptions{
			Before:        now.Add(-box.Config().Retention),
			IncludeFailed: m.cfg.IncludeFailed,
		})
		if err != nil {
			return results, fmt.Errorf("box %s: %w", box.Name(), err)
		}
		results[box.Name()] = res
		if res.Total() > 0 {
			m.cfg.Logger.Info("boxrelay cleanup removed rows", "box", box.Name(),
				"delivered", res.Delivered, "discarded", res.Discarded, "failed", res.Failed)
		}
	}

	return results, nil
}

// advisoryKey maps a lock name onto the bigint key space of pg advisory locks.
func advisoryKey(name string) int64 {
	return int64(xxhash.Sum64String(name))
}
