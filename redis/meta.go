package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/velmie/boxrelay"
)

// MetaCache is a boxrelay.MetaCache storing JSON item meta under <box>:<item_id>.
type MetaCache struct {
	client goredis.UniversalClient
	cfg    Config
}

var _ boxrelay.MetaCache = (*MetaCache)(nil)

// NewMetaCache returns a meta cache on client.
func NewMetaCache(client goredis.UniversalClient, opts ...Option) (*MetaCache, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	return &MetaCache{client: client, cfg: newConfig(opts)}, nil
}

// GetMeta implements boxrelay.MetaCache. Values written by another meta version read as
// absent.
func (c *MetaCache) GetMeta(ctx context.Context, box string, id int64) (boxrelay.ItemMeta, bool, error) {
	raw, err := c.client.Get(ctx, c.cfg.MetaKey(box, id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return boxrelay.ItemMeta{}, false, nil
	}
	if err != nil {
		return boxrelay.ItemMeta{}, false, fmt.Errorf("boxrelay redis: get meta %s:%d: %w", box, id, err)
	}

	return decodeMeta(raw)
}

// SetMeta implements boxrelay.MetaCache with a pipelined SET and EXPIRE.
func (c *MetaCache) SetMeta(ctx context.Context, box string, id int64, meta boxrelay.ItemMeta, ttl time.Duration) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("boxrelay redis: encode meta: %w", err)
	}

	key := c.cfg.MetaKey(box, id)
	_, err = c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, key, raw, 0)
		pipe.Expire(ctx, key, ttl)

		return nil
	})
	if err != nil {
		return fmt.Errorf("boxrelay redis: set meta %s:%d: %w", box, id, err)
	}

	return nil
}

func decodeMeta(raw []byte) (boxrelay.ItemMeta, bool, error) {
	var meta boxrelay.ItemMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return boxrelay.ItemMeta{}, false, fmt.Errorf("boxrelay redis: decode meta: %w", err)
	}
	if meta.Version != boxrelay.ItemMetaVersion {
		return boxrelay.ItemMeta{}, false, nil
	}

	return meta, true, nil
}
