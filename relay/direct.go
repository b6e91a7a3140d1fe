package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/velmie/boxrelay"
	"github.com/velmie/boxrelay/pool"
	"github.com/velmie/boxrelay/throttle"
)

// DirectWorker is the single-stage pipeline: each tick scans a partition and processes
// what it found in place, with no job queue in between. It suits deployments without a
// key-value store queue; Worker is preferred when polling and processing must scale apart.
type DirectWorker struct {
	scanner scanner
	runner  jobRunner
	locker  boxrelay.Locker
	cfg     Config
	pool    *pool.Pool[PollTask]
}

// NewDirectWorker builds a single-stage worker over every partition of boxes.
func NewDirectWorker(store boxrelay.Store, locker boxrelay.Locker, items *boxrelay.ItemProcessor, boxes []*boxrelay.Box, opts ...Option) *DirectWorker {
	if store == nil || locker == nil || items == nil {
		panic("relay: nil Store, Locker or ItemProcessor")
	}

	cfg := newConfig(opts)
	w := &DirectWorker{
		scanner: scanner{store: store, cfg: cfg},
		runner:  jobRunner{locker: locker, items: items, cfg: cfg},
		locker:  locker,
		cfg:     cfg,
	}
	w.pool = pool.New[PollTask](pool.NewCycle(pollTasks(boxes)...), w.handle,
		pool.WithName("direct"),
		pool.WithConcurrency(cfg.PollConcurrency),
		pool.WithJitter(cfg.JitterStep, cfg.PollBudget),
		pool.WithThrottler(cfg.PollThrottler),
		pool.WithLogger(cfg.Logger),
		pool.WithClock(cfg.Clock),
	)

	return w
}

// Run scans and processes until Stop is called or ctx is done.
func (w *DirectWorker) Run(ctx context.Context) error {
	return w.pool.Start(ctx)
}

// Stop ends work at the next task boundary.
func (w *DirectWorker) Stop() { w.pool.Stop() }

// Ready reports whether the worker is running.
func (w *DirectWorker) Ready() bool { return w.pool.Ready() }

// Alive reports whether every worker was active within one scan and one job budget.
func (w *DirectWorker) Alive() bool {
	return w.pool.Alive(w.cfg.pollLockTTL() + w.cfg.ProcessBudget + w.cfg.AliveGrace)
}

// RunOnce scans one partition and processes every job found, returning one result per job.
func (w *DirectWorker) RunOnce(ctx context.Context, box *boxrelay.Box, partition int, beat func()) ([]BatchResult, error) {
	key := PartitionLockKey(w.cfg.LockPrefix, box.Name(), partition)
	lock, ok, err := w.locker.TryLock(ctx, key, w.cfg.pollLockTTL()+w.cfg.ProcessBudget)
	if err != nil {
		return nil, fmt.Errorf("poll lock %s: %w", key, err)
	}
	if !ok {
		w.cfg.Metrics.AddLockMisses(box.Labels(partition, -1), stagePoll)

		return nil, nil
	}
	defer releaseLock(ctx, lock, w.cfg.Logger, key)

	scan, err := w.scanner.scan(ctx, box, partition)
	if err != nil {
		return nil, err
	}

	results := make([]BatchResult, 0, len(scan.jobs))
	for _, job := range scan.jobs {
		res, err := w.runner.run(ctx, box, job, beat)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}

	return results, nil
}

func (w *DirectWorker) handle(ctx context.Context, wc *pool.WorkerContext, task PollTask) (throttle.Outcome, error) {
	results, err := w.RunOnce(ctx, task.Box, task.Partition, wc.Beat)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return throttle.Skip, ctx.Err()
		}
		w.cfg.Logger.Error("boxrelay direct tick failed", "box", task.Box.Name(), "partition", task.Partition, "err", err)

		return throttle.Skip, nil
	}
	if len(results) == 0 {
		return throttle.Skip, nil
	}

	return throttle.Noop, nil
}
