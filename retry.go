package boxrelay

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Decision is the verdict of a retry strategy for one attempt.
type Decision int

const (
	// Proceed lets the attempt continue to the next strategy or to delivery.
	Proceed Decision = iota
	// Skip postpones the attempt without counting an error.
	Skip
	// Discard drops the item for good.
	Discard
)

// String returns the lower-case decision name.
func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Skip:
		return "skip"
	case Discard:
		return "discard"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// RetryInput is what a strategy sees when evaluating a retry.
type RetryInput struct {
	Box  *Box
	Item *Item
	// Tx is the transaction holding the item lock.
	Tx  Tx
	Now time.Time
}

// RetryStrategy decides whether a previously attempted item should be retried now.
type RetryStrategy interface {
	// Name returns the registry name of the strategy.
	Name() string
	// Evaluate returns the decision for in.Item.
	Evaluate(ctx context.Context, in RetryInput) (Decision, error)
}

// Registered strategy names.
const (
	StrategyExponentialBackoff = "exponential_backoff"
	StrategyCompactedLog       = "compacted_log"
	StrategyLatestAvailable    = "latest_available"
	StrategyNoDelay            = "no_delay"
)

const (
	defaultBackoffMin        = 10 * time.Second
	defaultBackoffMax        = 10 * time.Minute
	defaultBackoffMultiplier = 2.0
)

// StrategySpec is the configured form of a retry strategy.
type StrategySpec struct {
	Name string `yaml:"name"`
	// MinInterval, MaxInterval and Multiplier tune exponential_backoff.
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	Multiplier  float64       `yaml:"multiplier"`
}

var retryStrategies = map[string]func(StrategySpec) (RetryStrategy, error){
	StrategyExponentialBackoff: func(spec StrategySpec) (RetryStrategy, error) {
		return NewExponentialBackoff(spec.MinInterval, spec.MaxInterval, spec.Multiplier)
	},
	StrategyCompactedLog:    func(StrategySpec) (RetryStrategy, error) { return CompactedLog{}, nil },
	StrategyLatestAvailable: func(StrategySpec) (RetryStrategy, error) { return CompactedLog{}, nil },
	StrategyNoDelay:         func(StrategySpec) (RetryStrategy, error) { return NoDelay{}, nil },
}

// ResolveRetryStrategy builds a registered strategy, rejecting unknown names.
func ResolveRetryStrategy(spec StrategySpec) (RetryStrategy, error) {
	build, ok := retryStrategies[spec.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRetryStrategy, spec.Name)
	}

	return build(spec)
}

// ResolveRetryStrategies resolves specs in order.
func ResolveRetryStrategies(specs []StrategySpec) ([]RetryStrategy, error) {
	out := make([]RetryStrategy, 0, len(specs))
	for _, spec := range specs {
		s, err := ResolveRetryStrategy(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}

	return out, nil
}

// ExponentialBackoff skips retries until min*multiplier^(errors-1), capped at max,
// has elapsed since the previous attempt.
type ExponentialBackoff struct {
	min        time.Duration
	max        time.Duration
	multiplier float64
}

// NewExponentialBackoff validates the intervals; zero values take defaults.
func NewExponentialBackoff(minInterval, maxInterval time.Duration, multiplier float64) (ExponentialBackoff, error) {
	if minInterval <= 0 {
		minInterval = defaultBackoffMin
	}
	if maxInterval <= 0 {
		maxInterval = defaultBackoffMax
	}
	if multiplier <= 0 {
		multiplier = defaultBackoffMultiplier
	}
	if maxInterval < minInterval {
		return ExponentialBackoff{}, fmt.Errorf("%w: max_interval %s below min_interval %s", ErrInvalidBoxConfig, maxInterval, minInterval)
	}

	return ExponentialBackoff{min: minInterval, max: maxInterval, multiplier: multiplier}, nil
}

// Name implements RetryStrategy.
func (ExponentialBackoff) Name() string { return StrategyExponentialBackoff }

// Delay returns the wait before the retry that follows errorsCount failures.
func (b ExponentialBackoff) Delay(errorsCount int) time.Duration {
	if errorsCount < 1 {
		errorsCount = 1
	}
	d := float64(b.min) * math.Pow(b.multiplier, float64(errorsCount-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(b.max) {
		return b.max
	}

	return time.Duration(d)
}

// Evaluate implements RetryStrategy.
func (b ExponentialBackoff) Evaluate(_ context.Context, in RetryInput) (Decision, error) {
	if in.Item.ProcessedAt == nil {
		return Proceed, nil
	}
	if in.Item.ProcessedAt.Add(b.Delay(in.Item.ErrorsCount)).After(in.Now) {
		return Skip, nil
	}

	return Proceed, nil
}

// CompactedLog discards an item once a newer item with the same event key was delivered.
type CompactedLog struct{}

// Name implements RetryStrategy.
func (CompactedLog) Name() string { return StrategyCompactedLog }

// Evaluate implements RetryStrategy.
func (CompactedLog) Evaluate(ctx context.Context, in RetryInput) (Decision, error) {
	if in.Item.EventKey == nil {
		return Proceed, ErrMissingEventKey
	}
	if *in.Item.EventKey == "" {
		return Proceed, ErrEmptyEventKey
	}

	newer, err := in.Tx.HasNewerDelivered(ctx, in.Box, in.Item, in.Item.EventName != "")
	if err != nil {
		return Proceed, fmt.Errorf("compacted log lookup: %w", err)
	}
	if newer {
		return Discard, nil
	}

	return Proceed, nil
}

// NoDelay always proceeds.
type NoDelay struct{}

// Name implements RetryStrategy.
func (NoDelay) Name() string { return StrategyNoDelay }

// Evaluate implements RetryStrategy.
func (NoDelay) Evaluate(context.Context, RetryInput) (Decision, error) {
	return Proceed, nil
}
