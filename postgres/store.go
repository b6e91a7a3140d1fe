package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velmie/boxrelay"
)

const (
	defaultScanLimit = 500
	enqueueChunk     = 1000
)

// Querier runs a query; *pgxpool.Pool, *pgx.Conn and pgx.Tx all satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store implements boxrelay.Store over one PostgreSQL table per box.
type Store struct {
	pool *pgxpool.Pool
	cfg  Config

	mu      sync.RWMutex
	queries map[string]queries
}

var _ boxrelay.Store = (*Store)(nil)

// NewStore constructs a PostgreSQL store.
func NewStore(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Store{
		pool:    pool,
		cfg:     cfg.withDefaults(),
		queries: make(map[string]queries),
	}, nil
}

// Enqueue inserts entries as pending items of box through q (a transaction preferred) and
// returns their ids and buckets in entry order.
func (s *Store) Enqueue(ctx context.Context, q Querier, box *boxrelay.Box, entries ...boxrelay.Entry) ([]boxrelay.ItemRef, error) {
	if q == nil {
		return nil, ErrQuerierRequired
	}
	qs, err := s.queriesFor(box)
	if err != nil {
		return nil, err
	}

	now := s.cfg.Clock.Now()
	args := make([]any, 0, len(entries)*insertColumns)
	order := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			return nil, err
		}
		if entry.UUID == uuid.Nil {
			if entry.UUID, err = uuid.NewV7(); err != nil {
				return nil, fmt.Errorf("boxrelay postgres: generate uuid failed: %w", err)
			}
		}
		bucket, err := box.BucketForEntry(entry)
		if err != nil {
			return nil, err
		}
		options, err := encodeOptions(box.MergeOptions(entry.Options))
		if err != nil {
			return nil, err
		}
		args = append(args, entry.UUID, entry.EventKey, entry.EventName, bucket,
			int16(boxrelay.StatusPending), entry.Payload, options, now, now)
		order = append(order, entry.UUID)
	}

	byUUID := make(map[uuid.UUID]boxrelay.ItemRef, len(entries))
	for start := 0; start < len(order); start += enqueueChunk {
		end := min(start+enqueueChunk, len(order))
		chunk := args[start*insertColumns : end*insertColumns]
		if err := s.insertChunk(ctx, q, qs.insert(end-start), chunk, byUUID); err != nil {
			return nil, err
		}
	}

	refs := make([]boxrelay.ItemRef, 0, len(order))
	for _, id := range order {
		refs = append(refs, byUUID[id])
	}

	return refs, nil
}

func (s *Store) insertChunk(ctx context.Context, q Querier, query string, args []any, out map[uuid.UUID]boxrelay.ItemRef) error {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("boxrelay postgres: insert failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ref boxrelay.ItemRef
			id  uuid.UUID
		)
		if err := rows.Scan(&ref.ID, &id, &ref.Bucket); err != nil {
			return fmt.Errorf("boxrelay postgres: insert returning failed: %w", err)
		}
		out[id] = ref
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("boxrelay postgres: insert failed: %w", err)
	}

	return nil
}

// InTx implements boxrelay.Store.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx boxrelay.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: s.cfg.IsoLevel}, func(pgTx pgx.Tx) error {
		return fn(ctx, &tx{tx: pgTx, store: s})
	})
}

// ScanPending implements boxrelay.Store.
func (s *Store) ScanPending(ctx context.Context, box *boxrelay.Box, opts boxrelay.ScanOptions) ([]boxrelay.ItemRef, error) {
	if len(opts.Buckets) == 0 {
		return nil, nil
	}
	qs, err := s.queriesFor(box)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultScanLimit
	}

	rows, err := s.pool.Query(ctx, qs.scanPending, opts.AfterID, opts.Buckets, limit)
	if err != nil {
		return nil, fmt.Errorf("boxrelay postgres: scan failed: %w", err)
	}
	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (boxrelay.ItemRef, error) {
		var ref boxrelay.ItemRef
		err := row.Scan(&ref.ID, &ref.Bucket, &ref.Retryable)

		return ref, err
	})
	if err != nil {
		return nil, fmt.Errorf("boxrelay postgres: scan rows failed: %w", err)
	}

	return refs, nil
}

func (s *Store) queriesFor(box *boxrelay.Box) (queries, error) {
	s.mu.RLock()
	q, ok := s.queries[box.Table()]
	s.mu.RUnlock()
	if ok {
		return q, nil
	}

	table, err := quoteTable(box.Table())
	if err != nil {
		return queries{}, err
	}
	q = newQueries(table)

	s.mu.Lock()
	s.queries[box.Table()] = q
	s.mu.Unlock()

	return q, nil
}

type tx struct {
	tx    pgx.Tx
	store *Store
}

var _ boxrelay.Tx = (*tx)(nil)

func (t *tx) LockItem(ctx context.Context, box *boxrelay.Box, id int64) (*boxrelay.Item, error) {
	qs, err := t.store.queriesFor(box)
	if err != nil {
		return nil, err
	}

	item, err := scanItem(t.tx.QueryRow(ctx, qs.lockItem, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, boxrelay.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("boxrelay postgres: lock item failed: %w", err)
	}

	return item, nil
}

func (t *tx) SaveItem(ctx context.Context, box *boxrelay.Box, item *boxrelay.Item) error {
	qs, err := t.store.queriesFor(box)
	if err != nil {
		return err
	}

	now := t.store.cfg.Clock.Now()
	tag, err := t.tx.Exec(ctx, qs.saveItem,
		int16(item.Status),
		item.ErrorsCount,
		item.ErrorLog,
		item.ProcessedAt,
		now,
		item.ID,
		int16(boxrelay.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("boxrelay postgres: save item failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return boxrelay.ErrAlreadyProcessed
	}
	item.UpdatedAt = now

	return nil
}

func (t *tx) HasNewerDelivered(ctx context.Context, box *boxrelay.Box, item *boxrelay.Item, sameName bool) (bool, error) {
	if item.EventKey == nil {
		return false, boxrelay.ErrMissingEventKey
	}
	qs, err := t.store.queriesFor(box)
	if err != nil {
		return false, err
	}

	var row pgx.Row
	if sameName {
		row = t.tx.QueryRow(ctx, qs.newerDeliveredByName, *item.EventKey, item.EventName, item.ID)
	} else {
		row = t.tx.QueryRow(ctx, qs.newerDelivered, *item.EventKey, item.ID)
	}

	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("boxrelay postgres: newer delivered lookup failed: %w", err)
	}

	return exists, nil
}

// Savepoint runs fn inside a nested pgx transaction, which pgx maps to a SAVEPOINT.
func (t *tx) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	return pgx.BeginFunc(ctx, t.tx, func(pgx.Tx) error {
		return fn(ctx)
	})
}

func scanItem(row pgx.Row) (*boxrelay.Item, error) {
	var (
		it      boxrelay.Item
		status  int16
		options []byte
	)
	if err := row.Scan(
		&it.ID,
		&it.UUID,
		&it.EventKey,
		&it.EventName,
		&it.Bucket,
		&status,
		&it.ErrorsCount,
		&it.ErrorLog,
		&it.ProcessedAt,
		&it.Payload,
		&options,
		&it.CreatedAt,
		&it.UpdatedAt,
	); err != nil {
		return nil, err
	}
	it.Status = boxrelay.Status(status)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &it.Options); err != nil {
			return nil, fmt.Errorf("boxrelay postgres: item %d options: %w", it.ID, err)
		}
	}

	return &it, nil
}

func encodeOptions(options map[string]any) ([]byte, error) {
	if len(options) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("boxrelay postgres: encode options failed: %w", err)
	}

	return raw, nil
}
