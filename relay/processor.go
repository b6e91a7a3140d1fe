package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/velmie/boxrelay"
	"github.com/velmie/boxrelay/pool"
	"github.com/velmie/boxrelay/throttle"
)

// ProcessTask is one processor slot of a box.
type ProcessTask struct {
	Box  *boxrelay.Box
	Slot int
}

// BoxName implements throttle.Task.
func (t ProcessTask) BoxName() string { return t.Box.Name() }

// BatchResult summarizes one job.
type BatchResult struct {
	// Locked is false when another process held the bucket; nothing was attempted.
	Locked    bool
	Results   []boxrelay.Result
	Delivered int
	// Halted is set when a strict-order box stopped at an undelivered item.
	Halted bool
	// TimedOut is set when the process budget ran out before the last id.
	TimedOut bool
}

// Processor pops jobs from the box queues and runs their items under the bucket lock.
type Processor struct {
	runner jobRunner
	queue  boxrelay.JobQueue
	cfg    Config
	pool   *pool.Pool[ProcessTask]
}

// NewProcessor builds a processor with ProcessSlots workers per box.
func NewProcessor(queue boxrelay.JobQueue, locker boxrelay.Locker, items *boxrelay.ItemProcessor, boxes []*boxrelay.Box, opts ...Option) *Processor {
	if queue == nil || locker == nil || items == nil {
		panic("relay: nil JobQueue, Locker or ItemProcessor")
	}

	cfg := newConfig(opts)
	p := &Processor{
		runner: jobRunner{locker: locker, items: items, cfg: cfg},
		queue:  queue,
		cfg:    cfg,
	}

	var tasks []ProcessTask
	for _, box := range boxes {
		for slot := 0; slot < cfg.ProcessSlots; slot++ {
			tasks = append(tasks, ProcessTask{Box: box, Slot: slot})
		}
	}
	p.pool = pool.New[ProcessTask](pool.NewCycle(tasks...), p.handle,
		pool.WithName("processor"),
		pool.WithConcurrency(len(tasks)),
		pool.WithJitter(cfg.JitterStep, cfg.PopTimeout),
		pool.WithThrottler(cfg.ProcessThrottler),
		pool.WithLogger(cfg.Logger),
		pool.WithClock(cfg.Clock),
	)

	return p
}

// Run processes jobs until Stop is called or ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	return p.pool.Start(ctx)
}

// Stop ends processing at the next job boundary.
func (p *Processor) Stop() { p.pool.Stop() }

// Ready reports whether the processor is running.
func (p *Processor) Ready() bool { return p.pool.Ready() }

// Alive reports whether every processor worker was active within its lock timeout.
func (p *Processor) Alive() bool {
	return p.pool.Alive(p.cfg.ProcessBudget + p.cfg.PopTimeout + p.cfg.AliveGrace)
}

// ProcessJob runs job under its bucket lock.
func (p *Processor) ProcessJob(ctx context.Context, box *boxrelay.Box, job boxrelay.Job) (BatchResult, error) {
	return p.runner.run(ctx, box, job, nil)
}

func (p *Processor) handle(ctx context.Context, wc *pool.WorkerContext, task ProcessTask) (throttle.Outcome, error) {
	box := task.Box
	job, ok, err := p.queue.Pop(ctx, box.Name(), p.cfg.PopTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return throttle.Skip, ctx.Err()
		}
		p.cfg.Logger.Error("boxrelay job pop failed", "box", box.Name(), "err", err)
		if errors.Is(err, boxrelay.ErrInvalidJob) {
			return throttle.Noop, nil
		}

		return throttle.Skip, nil
	}
	if !ok {
		return throttle.Skip, nil
	}
	p.cfg.Metrics.AddJobs(box.Labels(box.PartitionOf(job.Bucket), job.Bucket), stageProcess, 1)

	res, err := p.runner.run(ctx, box, job, wc.Beat)
	if err != nil {
		if ctx.Err() != nil {
			return throttle.Skip, ctx.Err()
		}
		p.cfg.Logger.Error("boxrelay job failed", "box", box.Name(), "bucket", job.Bucket, "err", err)

		return throttle.Skip, nil
	}
	if !res.Locked {
		return throttle.Skip, nil
	}

	return throttle.Noop, nil
}

// jobRunner runs the ids of a job under the bucket lock.
type jobRunner struct {
	locker boxrelay.Locker
	items  *boxrelay.ItemProcessor
	cfg    Config
}

func (r jobRunner) run(ctx context.Context, box *boxrelay.Box, job boxrelay.Job, beat func()) (BatchResult, error) {
	labels := box.Labels(box.PartitionOf(job.Bucket), job.Bucket)
	key := BucketLockKey(r.cfg.LockPrefix, box.Name(), job.Bucket)

	lock, ok, err := r.locker.TryLock(ctx, key, r.cfg.ProcessBudget)
	if err != nil {
		return BatchResult{}, fmt.Errorf("bucket lock %s: %w", key, err)
	}
	if !ok {
		r.cfg.Metrics.AddLockMisses(labels, stageProcess)
		r.cfg.Logger.Debug("boxrelay bucket busy, skipping job", "box", box.Name(), "bucket", job.Bucket, "items", len(job.IDs))

		return BatchResult{}, nil
	}
	defer releaseLock(ctx, lock, r.cfg.Logger, key)

	start := r.cfg.Clock.Now()
	deadline := start.Add(r.cfg.ProcessBudget)
	res := BatchResult{Locked: true, Results: make([]boxrelay.Result, 0, len(job.IDs))}
	for i, id := range job.IDs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !r.cfg.Clock.Now().Before(deadline) {
			res.TimedOut = true
			r.cfg.Logger.Warn("boxrelay process budget exceeded, leaving items pending",
				"box", box.Name(), "bucket", job.Bucket, "remaining", len(job.IDs)-i, "budget", r.cfg.ProcessBudget)

			break
		}

		item := r.items.Process(ctx, box, id)
		if beat != nil {
			beat()
		}
		res.Results = append(res.Results, item)
		if item.Outcome == boxrelay.OutcomeDelivered {
			res.Delivered++
		}
		if box.StrictOrder() && item.Undelivered() {
			res.Halted = true
			r.cfg.Logger.Info("boxrelay strict order batch halted",
				"box", box.Name(), "bucket", job.Bucket, "item_id", id, "outcome", item.Outcome.String(), "remaining", len(job.IDs)-i-1)

			break
		}
	}
	r.cfg.Metrics.ObserveBatchDuration(labels, stageProcess, r.cfg.Clock.Now().Sub(start))

	return res, nil
}
