package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/velmie/boxrelay"
)

// RateLimited admits at most Limit ticks per Interval and box. It keeps a ring of Limit
// slots, each holding the time it was last granted, and makes a worker wait until its
// slot is Interval old.
type RateLimited struct {
	limit    int
	interval time.Duration
	clock    boxrelay.Clock

	mu        sync.Mutex
	schedules map[string]*schedule
}

type schedule struct {
	slots []time.Time
	next  int
}

// NewRateLimited constructs a RateLimited policy; a nil clock uses the system clock.
func NewRateLimited(limit int, interval time.Duration, clock boxrelay.Clock) *RateLimited {
	if limit < 1 {
		limit = 1
	}
	if clock == nil {
		clock = boxrelay.SystemClock{}
	}

	return &RateLimited{
		limit:     limit,
		interval:  interval,
		clock:     clock,
		schedules: make(map[string]*schedule),
	}
}

// Name implements Policy.
func (r *RateLimited) Name() string { return "rate_limited" }

// Wait implements Throttler.
func (r *RateLimited) Wait(ctx context.Context, tick Tick) (Outcome, error) {
	now := r.clock.Now()
	ready := r.reserve(tick.Task.BoxName(), now)
	if !ready.After(now) {
		return Noop, nil
	}

	return pause(ctx, ready.Sub(now))
}

// reserve claims the next slot of box and returns when it may be used.
func (r *RateLimited) reserve(box string, now time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[box]
	if !ok {
		// Seed the ring so the first Limit grants are spread over one interval.
		step := r.interval / time.Duration(r.limit)
		s = &schedule{slots: make([]time.Time, r.limit)}
		for i := range s.slots {
			s.slots[i] = now.Add(-r.interval + time.Duration(i)*step)
		}
		r.schedules[box] = s
	}

	ready := s.slots[s.next].Add(r.interval)
	if ready.Before(now) {
		ready = now
	}
	s.slots[s.next] = ready
	s.next = (s.next + 1) % len(s.slots)

	return ready
}

// QueueSize throttles on the depth of the box job queue.
type QueueSize struct {
	Queue boxrelay.QueueInspector
	// Max is the depth above which ticks are throttled.
	Max int64
	// Min, when positive, throttles ticks while the depth is below it.
	Min int64
	// Delay is slept when throttling.
	Delay time.Duration
	// SkipOverflow abandons ticks above Max instead of sleeping.
	SkipOverflow bool
}

// Name implements Policy.
func (q QueueSize) Name() string { return "queue_size" }

// Wait implements Throttler.
func (q QueueSize) Wait(ctx context.Context, tick Tick) (Outcome, error) {
	depth, err := q.Queue.Len(ctx, tick.Task.BoxName())
	if err != nil {
		return Skip, fmt.Errorf("queue length: %w", err)
	}

	switch {
	case q.Max > 0 && depth > q.Max:
		if q.SkipOverflow {
			return Skip, nil
		}

		return pause(ctx, q.Delay)
	case q.Min > 0 && depth < q.Min:
		return pause(ctx, q.Delay)
	default:
		return Noop, nil
	}
}

// QueueTimeLag throttles while the oldest queued job is younger than MinLag and skips
// the tick once it is older.
type QueueTimeLag struct {
	Queue  boxrelay.QueueInspector
	MinLag time.Duration
	Delay  time.Duration
	Clock  boxrelay.Clock
}

// Name implements Policy.
func (q QueueTimeLag) Name() string { return "queue_time_lag" }

// Wait implements Throttler.
func (q QueueTimeLag) Wait(ctx context.Context, tick Tick) (Outcome, error) {
	job, ok, err := q.Queue.Oldest(ctx, tick.Task.BoxName())
	if err != nil {
		return Skip, fmt.Errorf("queue peek: %w", err)
	}
	if !ok {
		return Noop, nil
	}

	clock := q.Clock
	if clock == nil {
		clock = boxrelay.SystemClock{}
	}
	if clock.Now().Sub(job.EnqueuedAt) < q.MinLag {
		return pause(ctx, q.Delay)
	}

	return Skip, nil
}

// PausedBox skips every tick of a box whose polling is disabled.
type PausedBox struct {
	// Enabled reports the live polling_enabled flag of a box.
	Enabled func(box string) bool
}

// Name implements Policy.
func (p PausedBox) Name() string { return "paused_box" }

// Wait implements Throttler.
func (p PausedBox) Wait(_ context.Context, tick Tick) (Outcome, error) {
	if p.Enabled != nil && !p.Enabled(tick.Task.BoxName()) {
		return Skip, nil
	}

	return Noop, nil
}

// FixedDelay sleeps before every tick, or only after idle ticks when IdleOnly is set.
type FixedDelay struct {
	Delay    time.Duration
	IdleOnly bool
}

// Name implements Policy.
func (f FixedDelay) Name() string { return "fixed_delay" }

// Wait implements Throttler.
func (f FixedDelay) Wait(ctx context.Context, tick Tick) (Outcome, error) {
	if f.Delay <= 0 || (f.IdleOnly && tick.Last != Skip) {
		return Noop, nil
	}

	return pause(ctx, f.Delay)
}
