package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/velmie/boxrelay"
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a boxrelay.Locker on SET NX PX with a random owner token.
type Locker struct {
	client goredis.UniversalClient
	cfg    Config
}

var _ boxrelay.Locker = (*Locker)(nil)

// NewLocker returns a locker on client.
func NewLocker(client goredis.UniversalClient, opts ...Option) (*Locker, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	return &Locker{client: client, cfg: newConfig(opts)}, nil
}

// TryLock implements boxrelay.Locker.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (boxrelay.Lock, bool, error) {
	token := uuid.NewString()
	key = l.cfg.key(key)

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("boxrelay redis: lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	return &redisLock{client: l.client, key: key, token: token}, true, nil
}

type redisLock struct {
	client goredis.UniversalClient
	key    string
	token  string
}

// Release deletes the key only while it still carries this lock's token.
func (r *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("boxrelay redis: release %s: %w", r.key, err)
	}

	return nil
}
