package boxrelay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is the result of a single item attempt.
type Outcome int

const (
	// OutcomeDelivered means every transport accepted the item.
	OutcomeDelivered Outcome = iota + 1
	// OutcomeRetry means the attempt failed and the item stays pending.
	OutcomeRetry
	// OutcomeFailed means the attempt failed and the item exhausted its retries.
	OutcomeFailed
	// OutcomeDiscarded means a retry strategy dropped the item.
	OutcomeDiscarded
	// OutcomeSkipped means a retry strategy postponed the item.
	OutcomeSkipped
	// OutcomeAlreadyProcessed means the item left the pending state before this attempt.
	OutcomeAlreadyProcessed
	// OutcomeNotFound means the row does not exist.
	OutcomeNotFound
	// OutcomeError means the attempt could not reach or persist the item state.
	OutcomeError
)

// String returns the lower-case outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeAlreadyProcessed:
		return "already_processed"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Result reports one attempt.
type Result struct {
	ID      int64
	Outcome Outcome
	Kind    FailureKind
	Err     error
}

// Undelivered reports whether the item is still owed to its transports.
// Strict-order batches stop at the first undelivered result.
func (r Result) Undelivered() bool {
	switch r.Outcome {
	case OutcomeRetry, OutcomeFailed, OutcomeSkipped, OutcomeError:
		return true
	default:
		return false
	}
}

// ItemProcessor runs the per-item state machine: lock, reconcile, retry strategies,
// transports and status transition.
type ItemProcessor struct {
	store Store
	cfg   ItemProcessorConfig
}

type attempt struct {
	box    *Box
	item   *Item
	labels Labels
	now    time.Time
	// prevProcessedAt is the processed_at value before this attempt.
	prevProcessedAt *time.Time
	result          Result
}

// NewItemProcessor constructs an ItemProcessor with defaults and optional settings.
func NewItemProcessor(store Store, opts ...ItemProcessorOption) *ItemProcessor {
	if store == nil {
		panic("boxrelay: nil Store")
	}

	var cfg ItemProcessorConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &ItemProcessor{store: store, cfg: cfg.withDefaults()}
}

// Process attempts item id of box once. Item errors never escape: they are recorded on
// the row, counted and logged, and summarized in the returned Result.
func (p *ItemProcessor) Process(ctx context.Context, box *Box, id int64) Result {
	a := &attempt{
		box:    box,
		labels: box.Labels(-1, -1),
		now:    p.cfg.Clock.Now(),
		result: Result{ID: id},
	}

	err := p.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return p.run(ctx, tx, a)
	})
	if err != nil {
		p.handleTxError(ctx, a, err)
	}
	p.report(ctx, a)

	return a.result
}

func (p *ItemProcessor) run(ctx context.Context, tx Tx, a *attempt) error {
	item, err := tx.LockItem(ctx, a.box, a.result.ID)
	if errors.Is(err, ErrItemNotFound) {
		a.result.Outcome, a.result.Kind, a.result.Err = OutcomeNotFound, FailureNotFound, err

		return nil
	}
	if err != nil {
		return fmt.Errorf("lock item: %w", err)
	}

	a.item = item
	a.labels = a.box.Labels(a.box.PartitionOf(item.Bucket), item.Bucket)
	a.prevProcessedAt = item.ProcessedAt
	if item.Status != StatusPending {
		a.result.Outcome, a.result.Kind = OutcomeAlreadyProcessed, FailureAlreadyProcessed

		return nil
	}

	if p.cfg.Cache != nil {
		done, err := p.reconcile(ctx, tx, a)
		if done || err != nil {
			return err
		}
	}

	if item.Retry() {
		done, err := p.evaluateStrategies(ctx, tx, a)
		if done || err != nil {
			return err
		}
	}

	payload, err := a.box.PayloadBuilder().Build(ctx, item)
	if err != nil {
		return p.fail(ctx, tx, a, FailurePayload, fmt.Errorf("build payload: %w", err))
	}

	transports := a.box.TransportsFor(item.EventName)
	if len(transports) == 0 {
		return p.fail(ctx, tx, a, FailureMissingTransports, fmt.Errorf("%w: event %q", ErrMissingTransports, item.EventName))
	}
	for i, transport := range transports {
		err := tx.Savepoint(ctx, func(ctx context.Context) error {
			return deliver(ctx, transport, item, payload)
		})
		if err != nil {
			return p.fail(ctx, tx, a, FailureTransport, fmt.Errorf("transport %d: %w", i, err))
		}
	}

	item.markDelivered(a.now)
	if err := tx.SaveItem(ctx, a.box, item); err != nil {
		return fmt.Errorf("save delivered item: %w", err)
	}
	a.result.Outcome = OutcomeDelivered

	return nil
}

// reconcile adopts a higher cached error count and fails the item right away when the
// cached count alone exhausts its retries.
func (p *ItemProcessor) reconcile(ctx context.Context, tx Tx, a *attempt) (bool, error) {
	item := a.item
	meta, ok, err := p.cfg.Cache.GetMeta(ctx, a.box.Name(), item.ID)
	if err != nil {
		p.cfg.Logger.Warn("boxrelay item meta read failed", p.logArgs(a, "err", err)...)

		return false, nil
	}
	if !ok {
		return false, nil
	}
	if meta.ErrorsCount > item.ErrorsCount {
		item.ErrorsCount = meta.ErrorsCount
	}
	if !a.box.RetriesExhausted(meta.ErrorsCount) {
		return false, nil
	}

	cause := fmt.Errorf("%w: %d cached errors, last: %s", ErrRetriesExceeded, meta.ErrorsCount, meta.ErrorMsg)
	item.ProcessedAt = &a.now
	item.Status = StatusFailed
	item.appendError(a.now, FailureRetriesExceeded, cause)
	a.result.Outcome, a.result.Kind, a.result.Err = OutcomeFailed, FailureRetriesExceeded, cause
	if err := tx.SaveItem(ctx, a.box, item); err != nil {
		return true, fmt.Errorf("save failed item: %w", err)
	}

	return true, nil
}

func (p *ItemProcessor) evaluateStrategies(ctx context.Context, tx Tx, a *attempt) (bool, error) {
	in := RetryInput{Box: a.box, Item: a.item, Tx: tx, Now: a.now}
	for _, strategy := range a.box.RetryStrategies() {
		decision, err := strategy.Evaluate(ctx, in)
		if err != nil {
			return true, p.fail(ctx, tx, a, classifyStrategyError(err), fmt.Errorf("%s: %w", strategy.Name(), err))
		}

		switch decision {
		case Proceed:
			continue
		case Skip:
			a.result.Outcome = OutcomeSkipped

			return true, nil
		case Discard:
			a.item.markDiscarded(a.now)
			if err := tx.SaveItem(ctx, a.box, a.item); err != nil {
				return true, fmt.Errorf("save discarded item: %w", err)
			}
			a.result.Outcome = OutcomeDiscarded

			return true, nil
		default:
			cause := fmt.Errorf("%w: %s returned %s", ErrRetryStrategyFailure, strategy.Name(), decision)

			return true, p.fail(ctx, tx, a, FailureRetryStrategy, cause)
		}
	}

	return false, nil
}

// fail records a failed attempt on the row. The returned error is non-nil only when the
// failure itself could not be saved.
func (p *ItemProcessor) fail(ctx context.Context, tx Tx, a *attempt, kind FailureKind, cause error) error {
	item := a.item
	item.recordFailure(a.now, kind, cause)

	a.result.Outcome, a.result.Kind, a.result.Err = OutcomeRetry, kind, cause
	if a.box.RetriesExhausted(item.ErrorsCount) {
		item.Status = StatusFailed
		a.result.Outcome = OutcomeFailed
	}

	if err := tx.SaveItem(ctx, a.box, item); err != nil {
		return fmt.Errorf("save failed item: %w", err)
	}

	return nil
}

func (p *ItemProcessor) handleTxError(ctx context.Context, a *attempt, err error) {
	switch {
	case a.item == nil:
		a.result.Outcome, a.result.Kind, a.result.Err = OutcomeError, FailureFetch, err
	case a.result.Outcome == OutcomeRetry || a.result.Outcome == OutcomeFailed:
		p.persistFallback(ctx, a, err)
	default:
		a.result.Outcome, a.result.Kind, a.result.Err = OutcomeError, FailurePersist, err
	}
}

// persistFallback caches the error state of an item whose failure could not be saved so
// that any worker can still account for it.
func (p *ItemProcessor) persistFallback(ctx context.Context, a *attempt, err error) {
	cause := a.result.Err
	a.result.Kind = FailurePersist
	a.result.Err = errors.Join(cause, err)

	p.cfg.Logger.Error("boxrelay could not persist failure status", p.logArgs(a, "err", err, "cause", cause)...)
	if p.cfg.Cache == nil {
		return
	}

	meta := NewItemMeta(a.now, a.item.ErrorsCount, cause)
	if cacheErr := p.cfg.Cache.SetMeta(ctx, a.box.Name(), a.item.ID, meta, p.cfg.CacheTTL); cacheErr != nil {
		p.cfg.Logger.Error("boxrelay item meta write failed", p.logArgs(a, "err", cacheErr)...)
	}
}

func (p *ItemProcessor) report(ctx context.Context, a *attempt) {
	m := p.cfg.Metrics
	res := a.result

	switch res.Outcome {
	case OutcomeDelivered:
		m.AddSent(a.labels, 1)
		p.cfg.Logger.Debug("boxrelay item delivered", p.logArgs(a)...)
	case OutcomeRetry:
		m.AddErrors(a.labels, 1)
		m.AddRetries(a.labels, 1)
		p.cfg.Logger.Warn("boxrelay item failed, will retry", p.logArgs(a, "kind", res.Kind, "err", res.Err)...)
	case OutcomeFailed:
		m.AddErrors(a.labels, 1)
		p.cfg.Logger.Error("boxrelay item failed", p.logArgs(a, "kind", res.Kind, "err", res.Err)...)
	case OutcomeDiscarded:
		m.AddDiscarded(a.labels, 1)
		p.cfg.Logger.Info("boxrelay item discarded", p.logArgs(a)...)
	case OutcomeSkipped:
		p.cfg.Logger.Debug("boxrelay item retry postponed", p.logArgs(a)...)
	case OutcomeAlreadyProcessed:
		p.cfg.Logger.Info("boxrelay item already processed", p.logArgs(a)...)
	case OutcomeNotFound:
		m.AddFetchErrors(a.labels, 1)
		p.cfg.Logger.Warn("boxrelay item not found", p.logArgs(a)...)
	case OutcomeError:
		if res.Kind == FailureFetch {
			m.AddFetchErrors(a.labels, 1)
		} else {
			m.AddErrors(a.labels, 1)
		}
		p.cfg.Logger.Error("boxrelay item attempt errored", p.logArgs(a, "kind", res.Kind, "err", res.Err)...)
	}

	switch res.Outcome {
	case OutcomeDelivered, OutcomeRetry, OutcomeFailed, OutcomeDiscarded:
		if a.prevProcessedAt == nil {
			m.ObserveProcessLatency(a.labels, a.now.Sub(a.item.CreatedAt))
		} else {
			m.ObserveRetryLatency(a.labels, a.now.Sub(*a.prevProcessedAt))
		}
	}

	if res.Err != nil && res.Outcome != OutcomeNotFound {
		p.cfg.Tracker.Capture(ctx, res.Err, p.logArgs(a, "kind", res.Kind)...)
	}
}

func (p *ItemProcessor) logArgs(a *attempt, extra ...any) []any {
	args := []any{
		"box", a.box.Name(),
		"item_id", a.result.ID,
		"partition", a.labels.Partition,
		"bucket", a.labels.Bucket,
	}
	if a.item != nil {
		args = append(args, "errors_count", a.item.ErrorsCount)
	}

	return append(args, extra...)
}

// deliver invokes one transport, turning rejections and panics into errors.
func deliver(ctx context.Context, transport Transport, item *Item, payload []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("transport panic: %v", rec)
		}
	}()

	ok, err := transport.Deliver(ctx, item, payload)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTransportRejected
	}

	return nil
}
