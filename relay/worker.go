package relay

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Worker runs one Poller and one Processor side by side. It is the unit a deployment
// supervises.
type Worker struct {
	poller    *Poller
	processor *Processor
}

// NewWorker pairs a poller with a processor.
func NewWorker(poller *Poller, processor *Processor) *Worker {
	if poller == nil || processor == nil {
		panic("relay: nil Poller or Processor")
	}

	return &Worker{poller: poller, processor: processor}
}

// Run starts both stages and blocks until both return. When either stage returns the
// other is stopped; their errors are combined.
func (w *Worker) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)

	run := func(name string, fn func(context.Context) error) {
		defer wg.Done()
		defer w.Stop()

		if err := fn(ctx); err != nil {
			mu.Lock()
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			mu.Unlock()
		}
	}

	wg.Add(2)
	go run("poller", w.poller.Run)
	go run("processor", w.processor.Run)
	wg.Wait()

	return errs
}

// Stop stops both stages at their next task boundary.
func (w *Worker) Stop() {
	w.poller.Stop()
	w.processor.Stop()
}

// Ready reports whether both stages are running.
func (w *Worker) Ready() bool {
	return w.poller.Ready() && w.processor.Ready()
}

// Alive reports whether both stages were active within their lock timeouts.
func (w *Worker) Alive() bool {
	return w.poller.Alive() && w.processor.Alive()
}
