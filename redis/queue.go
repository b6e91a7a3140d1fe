package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/velmie/boxrelay"
)

// Queue is a boxrelay.JobQueue over one Redis list per box.
type Queue struct {
	client goredis.UniversalClient
	cfg    Config
}

var _ boxrelay.JobQueue = (*Queue)(nil)

// NewQueue returns a queue on client.
func NewQueue(client goredis.UniversalClient, opts ...Option) (*Queue, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	return &Queue{client: client, cfg: newConfig(opts)}, nil
}

// Push implements boxrelay.JobQueue. All jobs go out in a single LPUSH.
func (q *Queue) Push(ctx context.Context, box string, jobs ...boxrelay.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	values := make([]any, len(jobs))
	for i, job := range jobs {
		values[i] = job.Encode()
	}
	if err := q.client.LPush(ctx, q.cfg.QueueKey(box), values...).Err(); err != nil {
		return fmt.Errorf("boxrelay redis: push %s: %w", box, err)
	}

	return nil
}

// Pop implements boxrelay.JobQueue with BRPOP. Redis blocks in whole seconds, so timeouts
// under a second wait one second.
func (q *Queue) Pop(ctx context.Context, box string, timeout time.Duration) (boxrelay.Job, bool, error) {
	if timeout < defaultMinPopWait {
		timeout = defaultMinPopWait
	}

	res, err := q.client.BRPop(ctx, timeout, q.cfg.QueueKey(box)).Result()
	if errors.Is(err, goredis.Nil) {
		return boxrelay.Job{}, false, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return boxrelay.Job{}, false, ctxErr
		}

		return boxrelay.Job{}, false, fmt.Errorf("boxrelay redis: pop %s: %w", box, err)
	}
	if len(res) != 2 {
		return boxrelay.Job{}, false, nil
	}

	job, err := boxrelay.ParseJob(res[1])
	if err != nil {
		return boxrelay.Job{}, false, err
	}

	return job, true, nil
}

// Len implements boxrelay.QueueInspector.
func (q *Queue) Len(ctx context.Context, box string) (int64, error) {
	n, err := q.client.LLen(ctx, q.cfg.QueueKey(box)).Result()
	if err != nil {
		return 0, fmt.Errorf("boxrelay redis: len %s: %w", box, err)
	}

	return n, nil
}

// Oldest implements boxrelay.QueueInspector by peeking the tail of the list.
func (q *Queue) Oldest(ctx context.Context, box string) (boxrelay.Job, bool, error) {
	raw, err := q.client.LIndex(ctx, q.cfg.QueueKey(box), -1).Result()
	if errors.Is(err, goredis.Nil) {
		return boxrelay.Job{}, false, nil
	}
	if err != nil {
		return boxrelay.Job{}, false, fmt.Errorf("boxrelay redis: peek %s: %w", box, err)
	}

	job, err := boxrelay.ParseJob(raw)
	if err != nil {
		return boxrelay.Job{}, false, err
	}

	return job, true, nil
}
