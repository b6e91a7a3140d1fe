package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/velmie/boxrelay"
)

type tx struct {
	tx         *sql.Tx
	store      *Store
	savepoints int
}

var _ boxrelay.Tx = (*tx)(nil)

// LockItem selects the row FOR UPDATE.
func (t *tx) LockItem(ctx context.Context, box *boxrelay.Box, id int64) (*boxrelay.Item, error) {
	q, err := t.store.queriesFor(box)
	if err != nil {
		return nil, err
	}

	item, err := scanItem(t.tx.QueryRowContext(ctx, q.lockItem, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, boxrelay.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("boxrelay mysql: lock item failed: %w", err)
	}

	return item, nil
}

// SaveItem updates the attempt columns of a row that is still pending.
func (t *tx) SaveItem(ctx context.Context, box *boxrelay.Box, item *boxrelay.Item) error {
	q, err := t.store.queriesFor(box)
	if err != nil {
		return err
	}

	var errorLog any
	if item.ErrorLog != "" {
		errorLog = item.ErrorLog
	}
	var processedAt any
	if item.ProcessedAt != nil {
		processedAt = *item.ProcessedAt
	}
	now := t.store.cfg.Clock.Now()

	res, err := t.tx.ExecContext(ctx, q.saveItem,
		item.Status,
		item.ErrorsCount,
		errorLog,
		processedAt,
		now,
		item.ID,
		boxrelay.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("boxrelay mysql: save item failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("boxrelay mysql: save item rows failed: %w", err)
	}
	if affected == 0 {
		return boxrelay.ErrAlreadyProcessed
	}
	item.UpdatedAt = now

	return nil
}

// HasNewerDelivered implements boxrelay.Tx.
func (t *tx) HasNewerDelivered(ctx context.Context, box *boxrelay.Box, item *boxrelay.Item, sameName bool) (bool, error) {
	if item.EventKey == nil {
		return false, boxrelay.ErrMissingEventKey
	}
	q, err := t.store.queriesFor(box)
	if err != nil {
		return false, err
	}

	var row *sql.Row
	if sameName {
		row = t.tx.QueryRowContext(ctx, q.newerDeliveredByName, *item.EventKey, item.EventName, item.ID, boxrelay.StatusDelivered)
	} else {
		row = t.tx.QueryRowContext(ctx, q.newerDelivered, *item.EventKey, item.ID, boxrelay.StatusDelivered)
	}

	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("boxrelay mysql: newer delivered lookup failed: %w", err)
	}

	return exists, nil
}

// Savepoint wraps fn in SAVEPOINT / RELEASE, rolling back to the savepoint on error.
func (t *tx) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	t.savepoints++
	name := fmt.Sprintf("boxrelay_sp_%d", t.savepoints)

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("boxrelay mysql: savepoint failed: %w", err)
	}
	if err := fn(ctx); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("boxrelay mysql: rollback to savepoint failed: %w", rbErr))
		}

		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("boxrelay mysql: release savepoint failed: %w", err)
	}

	return nil
}
