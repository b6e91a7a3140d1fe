package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/velmie/boxrelay"
	"github.com/velmie/boxrelay/pool"
	"github.com/velmie/boxrelay/throttle"
)

// PollTask is one (box, partition) shard scanned by the poller.
type PollTask struct {
	Box       *boxrelay.Box
	Partition int
}

// BoxName implements throttle.Task.
func (t PollTask) BoxName() string { return t.Box.Name() }

// PollResult summarizes one poll.
type PollResult struct {
	// Locked is false when another process held the partition.
	Locked    bool
	Regular   int
	Retryable int
	Jobs      int
	// TimedOut is set when the poll budget ran out mid-scan.
	TimedOut bool
}

// Items returns the number of ids pushed.
func (r PollResult) Items() int { return r.Regular + r.Retryable }

// Poller scans pending rows per (box, partition) and pushes one job per bucket to the
// box queue.
type Poller struct {
	scanner scanner
	queue   boxrelay.JobQueue
	locker  boxrelay.Locker
	cfg     Config
	pool    *pool.Pool[PollTask]
}

// NewPoller builds a poller over every partition of boxes.
func NewPoller(store boxrelay.Store, queue boxrelay.JobQueue, locker boxrelay.Locker, boxes []*boxrelay.Box, opts ...Option) *Poller {
	if store == nil || queue == nil || locker == nil {
		panic("relay: nil Store, JobQueue or Locker")
	}

	cfg := newConfig(opts)
	p := &Poller{
		scanner: scanner{store: store, cfg: cfg},
		queue:   queue,
		locker:  locker,
		cfg:     cfg,
	}
	p.pool = pool.New[PollTask](pool.NewCycle(pollTasks(boxes)...), p.handle,
		pool.WithName("poller"),
		pool.WithConcurrency(cfg.PollConcurrency),
		pool.WithJitter(cfg.JitterStep, cfg.PollBudget),
		pool.WithThrottler(cfg.PollThrottler),
		pool.WithLogger(cfg.Logger),
		pool.WithClock(cfg.Clock),
	)

	return p
}

// Run polls until Stop is called or ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	return p.pool.Start(ctx)
}

// Stop ends polling at the next task boundary.
func (p *Poller) Stop() { p.pool.Stop() }

// Ready reports whether the poller is running.
func (p *Poller) Ready() bool { return p.pool.Ready() }

// Alive reports whether every poller worker was active within its lock timeout.
func (p *Poller) Alive() bool {
	return p.pool.Alive(p.cfg.pollLockTTL() + p.cfg.AliveGrace)
}

// PollOnce scans one partition of box under the partition lock and pushes the jobs found.
func (p *Poller) PollOnce(ctx context.Context, box *boxrelay.Box, partition int) (PollResult, error) {
	labels := box.Labels(partition, -1)
	key := PartitionLockKey(p.cfg.LockPrefix, box.Name(), partition)

	lock, ok, err := p.locker.TryLock(ctx, key, p.cfg.pollLockTTL())
	if err != nil {
		return PollResult{}, fmt.Errorf("poll lock %s: %w", key, err)
	}
	if !ok {
		p.cfg.Metrics.AddLockMisses(labels, stagePoll)

		return PollResult{}, nil
	}
	defer releaseLock(ctx, lock, p.cfg.Logger, key)

	start := p.cfg.Clock.Now()
	scan, err := p.scanner.scan(ctx, box, partition)
	if err != nil {
		return PollResult{Locked: true}, err
	}

	res := PollResult{
		Locked:    true,
		Regular:   scan.regular,
		Retryable: scan.retryable,
		Jobs:      len(scan.jobs),
		TimedOut:  scan.timedOut,
	}
	if scan.timedOut {
		p.cfg.Logger.Warn("boxrelay poll budget exceeded, pushing partial batch",
			"box", box.Name(), "partition", partition, "items", res.Items(), "budget", p.cfg.PollBudget)
	}
	if len(scan.jobs) > 0 {
		if err := p.queue.Push(ctx, box.Name(), scan.jobs...); err != nil {
			return res, fmt.Errorf("push jobs: %w", err)
		}
		p.cfg.Metrics.AddJobs(labels, stagePoll, len(scan.jobs))
	}
	p.cfg.Metrics.ObserveBatchDuration(labels, stagePoll, p.cfg.Clock.Now().Sub(start))

	return res, nil
}

func (p *Poller) handle(ctx context.Context, _ *pool.WorkerContext, task PollTask) (throttle.Outcome, error) {
	res, err := p.PollOnce(ctx, task.Box, task.Partition)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return throttle.Skip, ctx.Err()
		}
		p.cfg.Metrics.AddFetchErrors(task.Box.Labels(task.Partition, -1), 1)
		p.cfg.Logger.Error("boxrelay poll failed", "box", task.Box.Name(), "partition", task.Partition, "err", err)

		return throttle.Skip, nil
	}
	if !res.Locked || res.Items() == 0 {
		return throttle.Skip, nil
	}

	return throttle.Noop, nil
}

func pollTasks(boxes []*boxrelay.Box) []PollTask {
	var tasks []PollTask
	for _, box := range boxes {
		for _, partition := range box.Partitions() {
			tasks = append(tasks, PollTask{Box: box, Partition: partition})
		}
	}

	return tasks
}

const (
	stagePoll    = "poll"
	stageProcess = "process"
)

// scanner collects pending ids of one partition into per-bucket jobs.
type scanner struct {
	store boxrelay.Store
	cfg   Config
}

type scanResult struct {
	jobs      []boxrelay.Job
	regular   int
	retryable int
	timedOut  bool
}

// scan walks pending rows in ascending id order. Never-attempted rows stop the scan once
// their cap is reached; already-attempted rows beyond their own cap are passed over so
// retries cannot starve first attempts. The budget is checked after every row.
func (s scanner) scan(ctx context.Context, box *boxrelay.Box, partition int) (scanResult, error) {
	var res scanResult
	buckets := box.PartitionBuckets(partition)
	if len(buckets) == 0 {
		return res, nil
	}

	deadline := s.cfg.Clock.Now().Add(s.cfg.PollBudget)
	var order []int
	ids := make(map[int][]int64)
	add := func(ref boxrelay.ItemRef) {
		if _, seen := ids[ref.Bucket]; !seen {
			order = append(order, ref.Bucket)
		}
		ids[ref.Bucket] = append(ids[ref.Bucket], ref.ID)
	}

	var afterID int64
scan:
	for {
		refs, err := s.store.ScanPending(ctx, box, boxrelay.ScanOptions{
			Buckets: buckets,
			AfterID: afterID,
			Limit:   s.cfg.ScanPageSize,
		})
		if err != nil {
			return scanResult{}, fmt.Errorf("scan pending: %w", err)
		}

		for _, ref := range refs {
			afterID = ref.ID
			if ref.Retryable {
				if res.retryable < s.cfg.RetryableBatchSize {
					add(ref)
					res.retryable++
				}
			} else {
				add(ref)
				res.regular++
				if res.regular >= s.cfg.RegularBatchSize {
					break scan
				}
			}
			if s.cfg.Clock.Now().After(deadline) {
				res.timedOut = true

				break scan
			}
		}
		if len(refs) < s.cfg.ScanPageSize {
			break
		}
	}

	now := s.cfg.Clock.Now()
	res.jobs = make([]boxrelay.Job, 0, len(order))
	for _, bucket := range order {
		res.jobs = append(res.jobs, boxrelay.Job{Bucket: bucket, EnqueuedAt: now, IDs: ids[bucket]})
	}

	return res, nil
}
