// Package memory implements the boxrelay storage contracts in process memory. It is
// meant for tests and local development: nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/boxrelay"
)

type rowKey struct {
	table string
	id    int64
}

type table struct {
	items  map[int64]boxrelay.Item
	nextID int64
}

// Store is an in-memory boxrelay.Store with per-row locks.
type Store struct {
	clock boxrelay.Clock

	mu     sync.Mutex
	tables map[string]*table
	rows   map[rowKey]chan struct{}
}

var _ boxrelay.Store = (*Store)(nil)

// NewStore returns an empty store; a nil clock uses the system clock.
func NewStore(clock boxrelay.Clock) *Store {
	if clock == nil {
		clock = boxrelay.SystemClock{}
	}

	return &Store{
		clock:  clock,
		tables: make(map[string]*table),
		rows:   make(map[rowKey]chan struct{}),
	}
}

// Enqueue inserts entries as pending items and returns their ids and buckets.
func (s *Store) Enqueue(_ context.Context, box *boxrelay.Box, entries ...boxrelay.Entry) ([]boxrelay.ItemRef, error) {
	items := make([]boxrelay.Item, 0, len(entries))
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if e.UUID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, fmt.Errorf("memory: generate uuid: %w", err)
			}
			e.UUID = id
		}
		bucket, err := box.BucketForEntry(e)
		if err != nil {
			return nil, err
		}
		items = append(items, boxrelay.Item{
			UUID:      e.UUID,
			EventKey:  e.EventKey,
			EventName: e.EventName,
			Bucket:    bucket,
			Status:    boxrelay.StatusPending,
			Payload:   slices.Clone(e.Payload),
			Options:   box.MergeOptions(e.Options),
		})
	}

	refs := make([]boxrelay.ItemRef, 0, len(items))
	for _, it := range items {
		id := s.Put(box, it)
		refs = append(refs, boxrelay.ItemRef{ID: id, Bucket: it.Bucket})
	}

	return refs, nil
}

// Put stores item as is, assigning an id when it has none, and returns the id.
func (s *Store) Put(box *boxrelay.Box, item boxrelay.Item) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(box.Table())
	if item.ID == 0 {
		t.nextID++
		item.ID = t.nextID
	} else if item.ID > t.nextID {
		t.nextID = item.ID
	}
	now := s.clock.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}
	t.items[item.ID] = cloneItem(item)

	return item.ID
}

// Get returns a copy of a stored item.
func (s *Store) Get(box *boxrelay.Box, id int64) (boxrelay.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.table(box.Table()).items[id]
	if !ok {
		return boxrelay.Item{}, false
	}

	return cloneItem(it), true
}

// ScanPending implements boxrelay.Store.
func (s *Store) ScanPending(_ context.Context, box *boxrelay.Box, opts boxrelay.ScanOptions) ([]boxrelay.ItemRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buckets := make(map[int]struct{}, len(opts.Buckets))
	for _, b := range opts.Buckets {
		buckets[b] = struct{}{}
	}

	t := s.table(box.Table())
	ids := slices.Sorted(maps.Keys(t.items))
	out := make([]boxrelay.ItemRef, 0)
	for _, id := range ids {
		if id <= opts.AfterID {
			continue
		}
		it := t.items[id]
		if it.Status != boxrelay.StatusPending {
			continue
		}
		if _, ok := buckets[it.Bucket]; !ok {
			continue
		}
		out = append(out, boxrelay.ItemRef{ID: id, Bucket: it.Bucket, Retryable: it.ProcessedAt != nil})
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}

	return out, nil
}

// Cleanup deletes terminal items last updated before cutoff. Failed items are kept
// unless includeFailed is set.
func (s *Store) Cleanup(_ context.Context, box *boxrelay.Box, cutoff time.Time, includeFailed bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	t := s.table(box.Table())
	for id, it := range t.items {
		if !it.Status.Terminal() || !it.UpdatedAt.Before(cutoff) {
			continue
		}
		if it.Status == boxrelay.StatusFailed && !includeFailed {
			continue
		}
		delete(t.items, id)
		deleted++
	}

	return deleted, nil
}

// InTx implements boxrelay.Store. Writes become visible on commit and row locks are held
// until the transaction ends.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx boxrelay.Tx) error) error {
	t := &tx{store: s, writes: make(map[rowKey]boxrelay.Item)}
	defer t.release()

	if err := fn(ctx, t); err != nil {
		return err
	}
	t.commit()

	return nil
}

func (s *Store) table(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{items: make(map[int64]boxrelay.Item)}
		s.tables[name] = t
	}

	return t
}

func (s *Store) lockRow(ctx context.Context, key rowKey) error {
	for {
		s.mu.Lock()
		held, ok := s.rows[key]
		if !ok {
			s.rows[key] = make(chan struct{})
			s.mu.Unlock()

			return nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-held:
		}
	}
}

func (s *Store) unlockRow(key rowKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.rows[key]; ok {
		delete(s.rows, key)
		close(held)
	}
}

type tx struct {
	store  *Store
	locked []rowKey
	writes map[rowKey]boxrelay.Item
}

func (t *tx) LockItem(ctx context.Context, box *boxrelay.Box, id int64) (*boxrelay.Item, error) {
	key := rowKey{table: box.Table(), id: id}
	if !slices.Contains(t.locked, key) {
		if err := t.store.lockRow(ctx, key); err != nil {
			return nil, err
		}
		t.locked = append(t.locked, key)
	}

	if it, ok := t.writes[key]; ok {
		it = cloneItem(it)

		return &it, nil
	}

	t.store.mu.Lock()
	it, ok := t.store.table(box.Table()).items[id]
	t.store.mu.Unlock()
	if !ok {
		return nil, boxrelay.ErrItemNotFound
	}
	it = cloneItem(it)

	return &it, nil
}

func (t *tx) SaveItem(_ context.Context, box *boxrelay.Box, item *boxrelay.Item) error {
	key := rowKey{table: box.Table(), id: item.ID}

	t.store.mu.Lock()
	current, ok := t.store.table(box.Table()).items[item.ID]
	t.store.mu.Unlock()
	if !ok {
		return boxrelay.ErrItemNotFound
	}
	if current.Status != boxrelay.StatusPending {
		return boxrelay.ErrAlreadyProcessed
	}

	saved := cloneItem(*item)
	saved.Bucket = current.Bucket
	saved.UpdatedAt = t.store.clock.Now()
	t.writes[key] = saved

	return nil
}

func (t *tx) HasNewerDelivered(_ context.Context, box *boxrelay.Box, item *boxrelay.Item, sameName bool) (bool, error) {
	if item.EventKey == nil {
		return false, boxrelay.ErrMissingEventKey
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for id, other := range t.store.table(box.Table()).items {
		if id <= item.ID || other.Status != boxrelay.StatusDelivered || other.EventKey == nil {
			continue
		}
		if *other.EventKey != *item.EventKey {
			continue
		}
		if sameName && other.EventName != item.EventName {
			continue
		}

		return true, nil
	}

	return false, nil
}

func (t *tx) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	snapshot := maps.Clone(t.writes)
	if err := fn(ctx); err != nil {
		t.writes = snapshot

		return err
	}

	return nil
}

func (t *tx) commit() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for key, it := range t.writes {
		t.store.table(key.table).items[key.id] = it
	}
	t.writes = nil
}

func (t *tx) release() {
	for _, key := range t.locked {
		t.store.unlockRow(key)
	}
	t.locked = nil
}

func cloneItem(it boxrelay.Item) boxrelay.Item {
	it.Payload = slices.Clone(it.Payload)
	it.Options = maps.Clone(it.Options)
	if it.EventKey != nil {
		it.EventKey = boxrelay.Key(*it.EventKey)
	}
	if it.ProcessedAt != nil {
		at := *it.ProcessedAt
		it.ProcessedAt = &at
	}

	return it
}
