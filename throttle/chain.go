package throttle

import (
	"context"
	"fmt"

	"github.com/velmie/boxrelay"
)

const outcomeError = "error"

// Chain runs policies in order. The first Skip or error ends the tick; otherwise the
// chain reports Throttle if any policy throttled.
type Chain struct {
	policies []Policy
	metrics  boxrelay.Metrics
}

// NewChain builds a chain; a nil metrics recorder disables counting.
func NewChain(metrics boxrelay.Metrics, policies ...Policy) *Chain {
	if metrics == nil {
		metrics = boxrelay.NopMetrics{}
	}

	return &Chain{policies: policies, metrics: metrics}
}

// Name implements Policy, so chains nest.
func (c *Chain) Name() string { return "chain" }

// Wait implements Throttler.
func (c *Chain) Wait(ctx context.Context, tick Tick) (Outcome, error) {
	box := tick.Task.BoxName()
	throttled := false
	for _, p := range c.policies {
		out, err := p.Wait(ctx, tick)
		if err != nil {
			c.metrics.AddThrottle(box, p.Name(), outcomeError)

			return Skip, fmt.Errorf("throttle policy %s: %w", p.Name(), err)
		}
		c.metrics.AddThrottle(box, p.Name(), out.String())

		switch out {
		case Skip:
			return Skip, nil
		case Throttle:
			throttled = true
		}
	}

	if throttled {
		return Throttle, nil
	}

	return Noop, nil
}
