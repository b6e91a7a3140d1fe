package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/velmie/boxrelay"
)

const defaultScanLimit = 500

// Executor allows enqueuing within an existing transaction.
type Executor interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store implements boxrelay.Store over one MySQL table per box. The DSN must set
// parseTime=true.
type Store struct {
	db  *sql.DB
	cfg Config

	mu      sync.RWMutex
	queries map[string]queries
}

var _ boxrelay.Store = (*Store)(nil)

// NewStore constructs a MySQL store.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Store{
		db:      db,
		cfg:     cfg.withDefaults(),
		queries: make(map[string]queries),
	}, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Enqueue inserts entries as pending items of box using the provided executor
// (transaction preferred) and returns their ids and buckets in entry order.
func (s *Store) Enqueue(ctx context.Context, exec Executor, box *boxrelay.Box, entries ...boxrelay.Entry) ([]boxrelay.ItemRef, error) {
	if exec == nil {
		return nil, ErrExecutorRequired
	}
	q, err := s.queriesFor(box)
	if err != nil {
		return nil, err
	}

	now := s.cfg.Clock.Now()
	refs := make([]boxrelay.ItemRef, 0, len(entries))
	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			return nil, err
		}
		if entry.UUID == uuid.Nil {
			if entry.UUID, err = uuid.NewV7(); err != nil {
				return nil, fmt.Errorf("boxrelay mysql: generate uuid failed: %w", err)
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

		res, err := exec.ExecContext(ctx, q.insert,
			entry.UUID[:],
			nullString(entry.EventKey),
			entry.EventName,
			bucket,
			boxrelay.StatusPending,
			entry.Payload,
			options,
			now,
			now,
		)
		if err != nil {
			return nil, fmt.Errorf("boxrelay mysql: insert failed: %w", err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("boxrelay mysql: last insert id failed: %w", err)
		}
		refs = append(refs, boxrelay.ItemRef{ID: rowID, Bucket: bucket})
	}

	return refs, nil
}

// InTx implements boxrelay.Store.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx boxrelay.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: s.cfg.Isolation})
	if err != nil {
		return fmt.Errorf("boxrelay mysql: begin tx failed: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &tx{tx: sqlTx, store: s}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, rbErr)
		}

		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("boxrelay mysql: commit failed: %w", err)
	}

	return nil
}

// ScanPending implements boxrelay.Store.
func (s *Store) ScanPending(ctx context.Context, box *boxrelay.Box, opts boxrelay.ScanOptions) ([]boxrelay.ItemRef, error) {
	if len(opts.Buckets) == 0 {
		return nil, nil
	}
	q, err := s.queriesFor(box)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultScanLimit
	}

	args := make([]any, 0, len(opts.Buckets)+3)
	args = append(args, boxrelay.StatusPending, opts.AfterID)
	for _, b := range opts.Buckets {
		args = append(args, b)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q.scanPending(len(opts.Buckets)), args...)
	if err != nil {
		return nil, fmt.Errorf("boxrelay mysql: scan failed: %w", err)
	}
	defer rows.Close()

	refs := make([]boxrelay.ItemRef, 0, limit)
	for rows.Next() {
		var ref boxrelay.ItemRef
		if err := rows.Scan(&ref.ID, &ref.Bucket, &ref.Retryable); err != nil {
			return nil, fmt.Errorf("boxrelay mysql: scan row failed: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("boxrelay mysql: rows failed: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*boxrelay.Item, error) {
	var (
		it          boxrelay.Item
		rawUUID     []byte
		eventKey    sql.NullString
		status      int16
		errorLog    sql.NullString
		processedAt sql.NullTime
		options     []byte
	)
	if err := row.Scan(
		&it.ID,
		&rawUUID,
		&eventKey,
		&it.EventName,
		&it.Bucket,
		&status,
		&it.ErrorsCount,
		&errorLog,
		&processedAt,
		&it.Payload,
		&options,
		&it.CreatedAt,
		&it.UpdatedAt,
	); err != nil {
		return nil, err
	}

	id, err := uuid.FromBytes(rawUUID)
	if err != nil {
		return nil, fmt.Errorf("boxrelay mysql: item %d uuid: %w", it.ID, err)
	}
	it.UUID = id
	it.Status = boxrelay.Status(status)
	it.ErrorLog = errorLog.String
	if eventKey.Valid {
		it.EventKey = boxrelay.Key(eventKey.String)
	}
	if processedAt.Valid {
		at := processedAt.Time
		it.ProcessedAt = &at
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &it.Options); err != nil {
			return nil, fmt.Errorf("boxrelay mysql: item %d options: %w", it.ID, err)
		}
	}

	return &it, nil
}

func encodeOptions(options map[string]any) (any, error) {
	if len(options) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("boxrelay mysql: encode options failed: %w", err)
	}

	return raw, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}

	return *s
}
