package memory

import (
	"context"
	"sync"
	"time"

	"github.com/velmie/boxrelay"
)

// Queue is an in-memory boxrelay.JobQueue with list semantics: Push adds at the head,
// Pop and Oldest take from the tail.
type Queue struct {
	mu     sync.Mutex
	lists  map[string][]string
	signal chan struct{}
}

var _ boxrelay.JobQueue = (*Queue)(nil)

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		lists:  make(map[string][]string),
		signal: make(chan struct{}),
	}
}

// Push implements boxrelay.JobQueue.
func (q *Queue) Push(_ context.Context, box string, jobs ...boxrelay.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.lists[box]
	for _, job := range jobs {
		list = append([]string{job.Encode()}, list...)
	}
	q.lists[box] = list

	close(q.signal)
	q.signal = make(chan struct{})

	return nil
}

// Pop implements boxrelay.JobQueue.
func (q *Queue) Pop(ctx context.Context, box string, timeout time.Duration) (boxrelay.Job, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		list := q.lists[box]
		if n := len(list); n > 0 {
			raw := list[n-1]
			q.lists[box] = list[:n-1]
			q.mu.Unlock()

			job, err := boxrelay.ParseJob(raw)
			if err != nil {
				return boxrelay.Job{}, false, err
			}

			return job, true, nil
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return boxrelay.Job{}, false, ctx.Err()
		case <-timer.C:
			return boxrelay.Job{}, false, nil
		case <-signal:
		}
	}
}

// Len implements boxrelay.QueueInspector.
func (q *Queue) Len(_ context.Context, box string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return int64(len(q.lists[box])), nil
}

// Oldest implements boxrelay.QueueInspector.
func (q *Queue) Oldest(_ context.Context, box string) (boxrelay.Job, bool, error) {
	q.mu.Lock()
	list := q.lists[box]
	if len(list) == 0 {
		q.mu.Unlock()

		return boxrelay.Job{}, false, nil
	}
	raw := list[len(list)-1]
	q.mu.Unlock()

	job, err := boxrelay.ParseJob(raw)
	if err != nil {
		return boxrelay.Job{}, false, err
	}

	return job, true, nil
}
