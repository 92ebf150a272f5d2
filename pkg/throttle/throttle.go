// Package throttle paces storage-API calls from a single engine
// instance.
//
// The controller enforces a minimum delay between successive calls and
// adapts that delay to provider feedback: rate-limit errors double it up
// to a ceiling, successful calls decay it back toward the configured
// floor. All pacing is process-local; nothing coordinates across engine
// instances.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PenaltyCeiling is the maximum delay the controller will back off to
// under sustained rate limiting.
const PenaltyCeiling = 60 * time.Second

// penaltyGrowth doubles the delay on each rate-limit signal.
const penaltyGrowth = 2

// recoveryDecay shrinks the delay after a successful call.
const recoveryDecay = 0.9

// Controller serializes storage-API traffic with a minimum gap between
// calls.
//
// A zero-delay controller never blocks. Controller is safe for
// concurrent use, though the engine drives it from a single flow.
type Controller struct {
	mu      sync.Mutex
	limiter *rate.Limiter // nil if unlimited
	fixed   bool          // holds the delay regardless of feedback
	floor   time.Duration
	current time.Duration
}

// New creates a controller with the given base delay between calls.
// A delay of zero or less disables throttling entirely.
func New(delay time.Duration) *Controller {
	c := &Controller{}
	if delay > 0 {
		c.floor = delay
		c.current = delay
		c.limiter = rate.NewLimiter(rate.Every(delay), 1)
	}
	return c
}

// NewFixed creates a controller that holds the given delay regardless
// of provider feedback. OnThrottled and OnSuccess become no-ops.
func NewFixed(delay time.Duration) *Controller {
	c := New(delay)
	c.fixed = true
	return c
}

// Wait blocks until at least the current delay has passed since the
// previous call was admitted, or until ctx is done. The first call
// never blocks.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	limiter := c.limiter
	c.mu.Unlock()

	if limiter == nil {
		return ctx.Err()
	}
	return limiter.Wait(ctx)
}

// OnThrottled reports a rate-limit error to the controller. The delay
// doubles, capped at PenaltyCeiling, and the new delay is returned.
// Unlimited controllers ignore the signal.
func (c *Controller) OnThrottled() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limiter == nil {
		return 0
	}
	if c.fixed {
		return c.current
	}

	next := c.current * penaltyGrowth
	if next > PenaltyCeiling {
		next = PenaltyCeiling
	}
	c.setDelayLocked(next)
	return c.current
}

// OnSuccess reports a successful call. An elevated delay decays toward
// the floor and never drops below it. The new delay is returned.
func (c *Controller) OnSuccess() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limiter == nil || c.fixed || c.current <= c.floor {
		return c.current
	}

	next := time.Duration(float64(c.current) * recoveryDecay)
	if next < c.floor {
		next = c.floor
	}
	c.setDelayLocked(next)
	return c.current
}

// Delay returns the delay currently in force.
func (c *Controller) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) setDelayLocked(d time.Duration) {
	if d == c.current {
		return
	}
	c.current = d
	c.limiter.SetLimit(rate.Every(d))
}
