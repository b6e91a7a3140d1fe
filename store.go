package boxrelay

import (
	"context"
	"time"
)

// ScanOptions selects pending rows for the poller.
type ScanOptions struct {
	Buckets []int
	// AfterID resumes an ascending id scan; zero starts from the beginning.
	AfterID int64
	Limit   int
}

// Store is the relational side of a box: one table per box with row-level locking.
type Store interface {
	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// ScanPending returns pending rows of the given buckets ordered by ascending id.
	ScanPending(ctx context.Context, box *Box, opts ScanOptions) ([]ItemRef, error)
}

// Tx is a transaction scope opened by Store.InTx.
type Tx interface {
	// LockItem fetches a row with a pessimistic lock, ErrItemNotFound if absent.
	LockItem(ctx context.Context, box *Box, id int64) (*Item, error)
	// SaveItem persists the attempt outcome of a row that was pending when locked,
	// ErrAlreadyProcessed if the row is no longer pending.
	SaveItem(ctx context.Context, box *Box, item *Item) error
	// HasNewerDelivered reports whether a row with a greater id and the same event key,
	// and the same event name when sameName is set, was delivered.
	HasNewerDelivered(ctx context.Context, box *Box, item *Item, sameName bool) (bool, error)
	// Savepoint runs fn in a nested scope that is rolled back alone when fn fails.
	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error
}

// JobQueue is the per-box handoff between poller and processor.
type JobQueue interface {
	// Push enqueues jobs at the head of the box queue.
	Push(ctx context.Context, box string, jobs ...Job) error
	// Pop blocks up to timeout for the oldest job; ok is false on timeout.
	Pop(ctx context.Context, box string, timeout time.Duration) (job Job, ok bool, err error)
	QueueInspector
}

// QueueInspector exposes queue depth and age for throttling.
type QueueInspector interface {
	// Len returns the number of queued jobs.
	Len(ctx context.Context, box string) (int64, error)
	// Oldest peeks the job that Pop would return next; ok is false when empty.
	Oldest(ctx context.Context, box string) (job Job, ok bool, err error)
}

// Locker provides distributed, TTL-bounded, single-attempt locks.
type Locker interface {
	// TryLock acquires key for ttl without waiting; ok is false when another holder has it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (lock Lock, ok bool, err error)
}

// Lock is a held distributed lock.
type Lock interface {
	// Release frees the lock if it is still owned.
	Release(ctx context.Context) error
}
