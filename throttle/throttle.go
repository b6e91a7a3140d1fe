// Package throttle provides composable policies that regulate how often pool workers
// pick up polling and processing ticks.
package throttle

import (
	"context"
	"time"
)

// Outcome is the verdict of a policy for one tick.
type Outcome int

const (
	// Noop lets the tick run without slowdown.
	Noop Outcome = iota
	// Throttle means the policy slept; the tick still runs.
	Throttle
	// Skip abandons the tick.
	Skip
)

// String returns the lower-case outcome name.
func (o Outcome) String() string {
	switch o {
	case Noop:
		return "noop"
	case Throttle:
		return "throttle"
	case Skip:
		return "skip"
	default:
		return "unknown"
	}
}

// Task is the unit a tick is about. Policies key their state by box name.
type Task interface {
	BoxName() string
}

// Tick describes one worker iteration.
type Tick struct {
	Worker int
	Task   Task
	// Last is the outcome the worker reported for its previous task.
	Last Outcome
}

// Throttler decides how a tick proceeds. An error is surfaced by Chain and treated as
// Skip by the pool.
type Throttler interface {
	Wait(ctx context.Context, tick Tick) (Outcome, error)
}

// Policy is a named Throttler, counted per outcome by Chain.
type Policy interface {
	Throttler
	Name() string
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pause sleeps d and reports Throttle.
func pause(ctx context.Context, d time.Duration) (Outcome, error) {
	if err := sleep(ctx, d); err != nil {
		return Skip, err
	}

	return Throttle, nil
}
