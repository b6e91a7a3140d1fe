// Package pool runs a fixed number of workers over a shared task source, consulting a
// throttler before every task and tracking per-worker heartbeats.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/velmie/boxrelay/throttle"
)

var (
	// ErrWorkerPanic indicates a task handler panicked.
	ErrWorkerPanic = errors.New("pool worker panic")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("pool already started")
)

// Source hands out tasks. Next returns ok=false once the source is exhausted, which
// ends the worker that received it.
type Source[T any] interface {
	Next(ctx context.Context) (task T, ok bool)
}

// Handler runs one task and reports how it went. A returned error stops the pool.
type Handler[T any] func(ctx context.Context, wc *WorkerContext, task T) (throttle.Outcome, error)

// WorkerContext identifies the worker running a handler.
type WorkerContext struct {
	Index int
	beat  func()
}

// Beat refreshes the worker heartbeat during long tasks.
func (wc *WorkerContext) Beat() {
	if wc != nil && wc.beat != nil {
		wc.beat()
	}
}

// Pool is a fixed-size set of workers. It is single use: Start may be called once.
type Pool[T throttle.Task] struct {
	source  Source[T]
	handler Handler[T]
	cfg     Config

	sourceMu sync.Mutex
	beats    []atomic.Int64

	started  atomic.Bool
	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
}

// New constructs a Pool with defaults and optional settings.
func New[T throttle.Task](source Source[T], handler Handler[T], opts ...Option) *Pool[T] {
	if source == nil {
		panic("pool: nil Source")
	}
	if handler == nil {
		panic("pool: nil Handler")
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Pool[T]{
		source:  source,
		handler: handler,
		cfg:     cfg,
		beats:   make([]atomic.Int64, cfg.Concurrency),
		stop:    make(chan struct{}),
	}
}

// Start runs the workers and blocks until every worker returns. Workers return when the
// source is exhausted, Stop is called, ctx is done, or any handler panics or errors; the
// first such failure cancels the others and is returned.
func (p *Pool[T]) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	now := p.cfg.Clock.Now().UnixNano()
	for i := range p.beats {
		p.beats[i].Store(now)
	}

	g, gctx := errgroup.WithContext(ctx)
	// Waits are interrupted by Stop, handlers only by ctx or a failing sibling.
	waitCtx, cancelWait := context.WithCancel(gctx)
	defer cancelWait()
	go func() {
		select {
		case <-p.stop:
			cancelWait()
		case <-waitCtx.Done():
		}
	}()

	p.running.Store(true)
	defer p.running.Store(false)

	for i := 0; i < p.cfg.Concurrency; i++ {
		index := i
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					p.cfg.Logger.Error("pool worker panic", "pool", p.cfg.Name, "worker", index, "panic", rec, "stack", string(debug.Stack()))
					err = fmt.Errorf("%w: %s worker %d: %v", ErrWorkerPanic, p.cfg.Name, index, rec)
				}
			}()

			return p.runWorker(gctx, waitCtx, index)
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}

	return nil
}

// Stop ends every worker at its next task boundary. It is idempotent and does not
// cancel running handlers.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

// Ready reports whether the workers are running and no stop was requested.
func (p *Pool[T]) Ready() bool {
	return p.running.Load() && !p.stopped()
}

// Alive reports whether every worker showed activity within timeout.
func (p *Pool[T]) Alive(timeout time.Duration) bool {
	if !p.running.Load() {
		return false
	}

	deadline := p.cfg.Clock.Now().Add(-timeout).UnixNano()
	for i := range p.beats {
		if p.beats[i].Load() < deadline {
			return false
		}
	}

	return true
}

func (p *Pool[T]) runWorker(ctx, waitCtx context.Context, index int) error {
	wc := &WorkerContext{Index: index, beat: func() { p.beat(index) }}

	if err := p.jitter(waitCtx, index); err != nil {
		return nil
	}

	last := throttle.Noop
	for {
		if p.stopped() || ctx.Err() != nil {
			return ctx.Err()
		}
		p.beat(index)

		task, ok := p.next(waitCtx)
		if !ok {
			return nil
		}

		outcome, err := p.cfg.Throttler.Wait(waitCtx, throttle.Tick{Worker: index, Task: task, Last: last})
		if err != nil {
			if waitCtx.Err() != nil {
				continue
			}
			p.cfg.Logger.Warn("pool throttler failed", "pool", p.cfg.Name, "worker", index, "box", task.BoxName(), "err", err)
			outcome = throttle.Skip
		}
		if outcome == throttle.Skip {
			last = throttle.Skip
			p.idle(waitCtx)

			continue
		}

		last, err = p.handler(ctx, wc, task)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			p.cfg.Logger.Error("pool worker error", "pool", p.cfg.Name, "worker", index, "box", task.BoxName(), "err", err)

			return err
		}
		p.beat(index)
	}
}

func (p *Pool[T]) next(ctx context.Context) (T, bool) {
	p.sourceMu.Lock()
	defer p.sourceMu.Unlock()

	return p.source.Next(ctx)
}

func (p *Pool[T]) beat(index int) {
	p.beats[index].Store(p.cfg.Clock.Now().UnixNano())
}

// jitter delays worker index by a random duration below index*JitterStep.
func (p *Pool[T]) jitter(ctx context.Context, index int) error {
	bound := time.Duration(index) * p.cfg.JitterStep
	if bound > p.cfg.MaxJitter {
		bound = p.cfg.MaxJitter
	}
	if bound <= 0 {
		return nil
	}

	return sleep(ctx, rand.N(bound))
}

func (p *Pool[T]) idle(ctx context.Context) {
	_ = sleep(ctx, p.cfg.IdleDelay)
}

func (p *Pool[T]) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

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

// noThrottle lets every tick through.
type noThrottle struct{}

func (noThrottle) Wait(context.Context, throttle.Tick) (throttle.Outcome, error) {
	return throttle.Noop, nil
}
