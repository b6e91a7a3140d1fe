package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/velmie/boxrelay/throttle"
)

type task string

func (t task) BoxName() string { return string(t) }

type throttleFunc func(ctx context.Context, tick throttle.Tick) (throttle.Outcome, error)

func (f throttleFunc) Wait(ctx context.Context, tick throttle.Tick) (throttle.Outcome, error) {
	return f(ctx, tick)
}

func quiet() []Option {
	return []Option{WithJitter(-1, 0), WithIdleDelay(-1)}
}

func TestPoolDrainsSource(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[task]int)

	p := New[task](NewSlice[task]("a", "b", "c", "d"), func(_ context.Context, _ *WorkerContext, tk task) (throttle.Outcome, error) {
		mu.Lock()
		seen[tk]++
		mu.Unlock()

		return throttle.Noop, nil
	}, append(quiet(), WithConcurrency(3))...)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 distinct tasks, got %v", seen)
	}
	for tk, n := range seen {
		if n != 1 {
			t.Fatalf("task %s handled %d times", tk, n)
		}
	}
}

func TestPoolPanicTearsDownPool(t *testing.T) {
	var calls atomic.Int32
	p := New[task](NewCycle[task]("a"), func(ctx context.Context, wc *WorkerContext, _ task) (throttle.Outcome, error) {
		if wc.Index == 0 && calls.Add(1) == 3 {
			panic("boom")
		}
		if wc.Index != 0 {
			<-ctx.Done()

			return throttle.Noop, ctx.Err()
		}

		return throttle.Noop, nil
	}, append(quiet(), WithConcurrency(2))...)

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrWorkerPanic) {
			t.Fatalf("expected worker panic, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pool did not stop after panic")
	}
}

func TestPoolHandlerErrorStopsPool(t *testing.T) {
	boom := errors.New("boom")
	p := New[task](NewCycle[task]("a"), func(context.Context, *WorkerContext, task) (throttle.Outcome, error) {
		return throttle.Noop, boom
	}, quiet()...)

	if err := p.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestPoolStopIsIdempotentAndWaitsForTask(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var once sync.Once

	p := New[task](NewCycle[task]("a"), func(ctx context.Context, _ *WorkerContext, _ task) (throttle.Outcome, error) {
		once.Do(func() { close(started) })
		<-release
		if ctx.Err() != nil {
			t.Errorf("handler context canceled by Stop")
		}
		finished.Store(true)

		return throttle.Noop, nil
	}, quiet()...)

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background()) }()

	<-started
	p.Stop()
	p.Stop()
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pool did not stop")
	}
	if !finished.Load() {
		t.Fatalf("expected in-flight task to finish")
	}
	if p.Ready() {
		t.Fatalf("expected stopped pool not to be ready")
	}
}

func TestPoolStartTwice(t *testing.T) {
	p := New[task](NewSlice[task](), func(context.Context, *WorkerContext, task) (throttle.Outcome, error) {
		return throttle.Noop, nil
	}, quiet()...)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected already started, got %v", err)
	}
}

func TestPoolSkipBypassesHandler(t *testing.T) {
	var handled atomic.Int32
	var lastSeen []throttle.Outcome
	var mu sync.Mutex

	th := throttleFunc(func(_ context.Context, tick throttle.Tick) (throttle.Outcome, error) {
		mu.Lock()
		lastSeen = append(lastSeen, tick.Last)
		mu.Unlock()
		if tick.Task.BoxName() == "paused" {
			return throttle.Skip, nil
		}

		return throttle.Noop, nil
	})

	p := New[task](NewSlice[task]("paused", "orders", "paused"), func(context.Context, *WorkerContext, task) (throttle.Outcome, error) {
		handled.Add(1)

		return throttle.Noop, nil
	}, append(quiet(), WithThrottler(th))...)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if handled.Load() != 1 {
		t.Fatalf("expected 1 handled task, got %d", handled.Load())
	}
	if len(lastSeen) != 3 || lastSeen[1] != throttle.Skip {
		t.Fatalf("expected skip to be reported as last outcome, got %v", lastSeen)
	}
}

func TestPoolThrottlerErrorIsSkip(t *testing.T) {
	var handled atomic.Int32
	th := throttleFunc(func(context.Context, throttle.Tick) (throttle.Outcome, error) {
		return throttle.Noop, errors.New("redis down")
	})

	p := New[task](NewSlice[task]("a", "b"), func(context.Context, *WorkerContext, task) (throttle.Outcome, error) {
		handled.Add(1)

		return throttle.Noop, nil
	}, append(quiet(), WithThrottler(th))...)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if handled.Load() != 0 {
		t.Fatalf("expected no handled tasks, got %d", handled.Load())
	}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestPoolAliveTracksHeartbeats(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	p := New[task](NewCycle[task]("a"), func(_ context.Context, wc *WorkerContext, _ task) (throttle.Outcome, error) {
		once.Do(func() { close(started) })
		<-release

		return throttle.Noop, nil
	}, append(quiet(), WithClock(clock))...)

	if p.Alive(time.Minute) {
		t.Fatalf("expected pool not alive before start")
	}

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background()) }()
	<-started

	if !p.Alive(time.Minute) {
		t.Fatalf("expected pool alive right after start")
	}
	clock.Advance(2 * time.Minute)
	if p.Alive(time.Minute) {
		t.Fatalf("expected stuck worker to fail liveness")
	}

	p.Stop()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestWorkerContextBeat(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	started := make(chan struct{})
	beat := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	p := New[task](NewCycle[task]("a"), func(_ context.Context, wc *WorkerContext, _ task) (throttle.Outcome, error) {
		once.Do(func() {
			close(started)
			<-beat
			wc.Beat()
			<-release
		})

		return throttle.Noop, nil
	}, append(quiet(), WithClock(clock))...)

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background()) }()
	<-started

	clock.Advance(2 * time.Minute)
	beat <- struct{}{}
	// wait until Beat has run
	deadline := time.Now().Add(time.Second)
	for !p.Alive(time.Minute) {
		if time.Now().After(deadline) {
			t.Fatalf("expected Beat to refresh liveness")
		}
		time.Sleep(time.Millisecond)
	}

	p.Stop()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestCycleSource(t *testing.T) {
	c := NewCycle[task]("a", "b")
	var got []task
	for i := 0; i < 5; i++ {
		tk, ok := c.Next(context.Background())
		if !ok {
			t.Fatalf("cycle exhausted")
		}
		got = append(got, tk)
	}
	want := []task{"a", "b", "a", "b", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	if _, ok := NewCycle[task]().Next(context.Background()); ok {
		t.Fatalf("expected empty cycle to be exhausted")
	}
}
