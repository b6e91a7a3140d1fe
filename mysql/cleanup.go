package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

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

// Cleanup removes terminal rows of box older than opts.Before. Pending rows are never
// touched.
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
	q, err := s.queriesFor(box)
	if err != nil {
		return CleanupResult{}, err
	}

	var res CleanupResult
	if res.Delivered, err = s.cleanupByStatus(ctx, q, boxrelay.StatusDelivered, opts.Before, limit); err != nil {
		return res, err
	}
	if res.Discarded, err = s.cleanupByStatus(ctx, q, boxrelay.StatusDiscarded, opts.Before, limit); err != nil {
		return res, err
	}
	if opts.IncludeFailed {
		if res.Failed, err = s.cleanupByStatus(ctx, q, boxrelay.StatusFailed, opts.Before, limit); err != nil {
			return res, err
		}
	}

	return res, nil
}

func (s *Store) cleanupByStatus(ctx context.Context, q queries, status boxrelay.Status, before time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, q.cleanupByStatus, status, before, limit)
	if err != nil {
		return 0, fmt.Errorf("boxrelay mysql: cleanup %s failed: %w", status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("boxrelay mysql: cleanup rows failed: %w", err)
	}

	return affected, nil
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
	// LockName is the GET_LOCK name. Defaults to boxrelay:cleanup.
	LockName string
	// Clock overrides time source (useful for tests).
	Clock boxrelay.Clock
	// Logger receives cleanup results and failures.
	Logger boxrelay.Logger
}

// CleanupMaintainer deletes expired terminal rows of every configured box, one process at a
// time.
type CleanupMaintainer struct {
	store *Store
	cfg   CleanupMaintainerConfig
}

// NewCleanupMaintainer creates a new cleanup maintainer with defaults applied.
func NewCleanupMaintainer(db *sql.DB, cfg CleanupMaintainerConfig) (*CleanupMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
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

	store, err := NewStore(db, WithClock(cfg.Clock), WithCleanupLimit(cfg.Limit))
	if err != nil {
		return nil, err
	}

	return &CleanupMaintainer{store: store, cfg: cfg}, nil
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
// It returns an empty map when another session holds the cleanup lock.
func (m *CleanupMaintainer) Ensure(ctx context.Context) (map[string]CleanupResult, error) {
	conn, err := m.store.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("boxrelay mysql: cleanup conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := m.tryLock(ctx, conn)
	if err != nil {
		return nil, err
	}
	results := make(map[string]CleanupResult, len(m.cfg.Boxes))
	if !locked {
		m.cfg.Logger.Debug("boxrelay cleanup lock held by another session")

		return results, nil
	}
	defer m.releaseLock(ctx, conn)

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

func (m *CleanupMaintainer) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("boxrelay mysql: acquire cleanup lock failed: %w", err)
	}

	return got.Valid && got.Int64 == 1, nil
}

func (m *CleanupMaintainer) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(context.WithoutCancel(ctx), "SELECT RELEASE_LOCK(?)", m.cfg.LockName).Scan(&released); err != nil {
		m.cfg.Logger.Warn("boxrelay cleanup release lock failed", "err", err)
	}
}
