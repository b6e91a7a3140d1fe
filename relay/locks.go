package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/velmie/boxrelay"
)

// BucketLockKey is the processor lock of one bucket: prefix:box:bucket:lock.
func BucketLockKey(prefix, box string, bucket int) string {
	return fmt.Sprintf("%s:%s:%d:lock", prefix, box, bucket)
}

// PartitionLockKey is the poller lock of one partition.
func PartitionLockKey(prefix, box string, partition int) string {
	return fmt.Sprintf("%s:%s:partition:%d:poll_lock", prefix, box, partition)
}

// releaseLock frees lock even when ctx is already canceled.
func releaseLock(ctx context.Context, lock boxrelay.Lock, logger boxrelay.Logger, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := lock.Release(ctx); err != nil {
		logger.Warn("boxrelay lock release failed", "key", key, "err", err)
	}
}
