package memory

import (
	"context"
	"sync"
	"time"

	"github.com/velmie/boxrelay"
)

type lease struct {
	token   uint64
	expires time.Time
}

// Locker is an in-memory boxrelay.Locker with TTL-bounded leases.
type Locker struct {
	clock boxrelay.Clock

	mu     sync.Mutex
	leases map[string]lease
	seq    uint64
}

var _ boxrelay.Locker = (*Locker)(nil)

// NewLocker returns a locker; a nil clock uses the system clock.
func NewLocker(clock boxrelay.Clock) *Locker {
	if clock == nil {
		clock = boxrelay.SystemClock{}
	}

	return &Locker{clock: clock, leases: make(map[string]lease)}
}

// TryLock implements boxrelay.Locker.
func (l *Locker) TryLock(_ context.Context, key string, ttl time.Duration) (boxrelay.Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if held, ok := l.leases[key]; ok && now.Before(held.expires) {
		return nil, false, nil
	}

	l.seq++
	l.leases[key] = lease{token: l.seq, expires: now.Add(ttl)}

	return &memoryLock{locker: l, key: key, token: l.seq}, true, nil
}

// Held reports whether key is currently leased.
func (l *Locker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.leases[key]

	return ok && l.clock.Now().Before(held.expires)
}

type memoryLock struct {
	locker *Locker
	key    string
	token  uint64
}

func (m *memoryLock) Release(context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	if held, ok := m.locker.leases[m.key]; ok && held.token == m.token {
		delete(m.locker.leases, m.key)
	}

	return nil
}
