package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/velmie/boxrelay"
)

type cached struct {
	meta    boxrelay.ItemMeta
	expires time.Time
}

// MetaCache is an in-memory boxrelay.MetaCache.
type MetaCache struct {
	clock boxrelay.Clock

	mu      sync.Mutex
	entries map[string]cached
}

var _ boxrelay.MetaCache = (*MetaCache)(nil)

// NewMetaCache returns an empty cache; a nil clock uses the system clock.
func NewMetaCache(clock boxrelay.Clock) *MetaCache {
	if clock == nil {
		clock = boxrelay.SystemClock{}
	}

	return &MetaCache{clock: clock, entries: make(map[string]cached)}
}

// GetMeta implements boxrelay.MetaCache.
func (c *MetaCache) GetMeta(_ context.Context, box string, id int64) (boxrelay.ItemMeta, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[metaKey(box, id)]
	if !ok || !c.clock.Now().Before(e.expires) {
		return boxrelay.ItemMeta{}, false, nil
	}

	return e.meta, true, nil
}

// SetMeta implements boxrelay.MetaCache.
func (c *MetaCache) SetMeta(_ context.Context, box string, id int64, meta boxrelay.ItemMeta, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[metaKey(box, id)] = cached{meta: meta, expires: c.clock.Now().Add(ttl)}

	return nil
}

func metaKey(box string, id int64) string {
	return box + ":" + strconv.FormatInt(id, 10)
}
