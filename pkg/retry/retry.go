// Package retry drives the bounded retry protocol around per-key copy
// operations.
//
// An executor runs an operation up to MaxRetries+1 times, pacing every
// attempt through a throttle gate and sleeping an exponentially growing
// backoff between attempts. Time is taken from an injected clock so the
// backoff schedule is testable without real delays.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gocirrus/pkg/clock"
)

// Waiter gates the start of each attempt. *throttle.Controller
// satisfies it.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Config controls the retry protocol.
type Config struct {
	// MaxRetries is the number of additional attempts after the first.
	// Negative values are treated as zero (single attempt).
	MaxRetries int

	// BackoffFactor is the base backoff unit. The sleep after failed
	// attempt n is BackoffFactor * 2^(n-1). Zero disables backoff
	// sleeps; attempts then follow each other immediately (still gated
	// by the throttle).
	BackoffFactor time.Duration
}

// Executor retries operations with exponential backoff.
type Executor struct {
	maxRetries    int
	backoffFactor time.Duration
	gate          Waiter
	clk           clock.Clock
}

// New creates an executor. gate may be nil to disable throttling; clk
// may be nil to use the real clock.
func New(cfg Config, gate Waiter, clk clock.Clock) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Executor{
		maxRetries:    cfg.MaxRetries,
		backoffFactor: cfg.BackoffFactor,
		gate:          gate,
		clk:           clk,
	}
}

// Execute runs op until it succeeds or attempts are exhausted.
//
// Every attempt, including the first, waits on the throttle gate before
// invoking op. Any error from op counts as retryable; no classification
// happens at this layer. On exhaustion the returned error is an
// *ExhaustedError carrying the attempt count and the last error from
// op. Context cancellation interrupts backoff sleeps and gate waits and
// is returned as-is.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := e.maxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, e.BackoffDelay(attempt-1)); err != nil {
				return err
			}
		}
		if e.gate != nil {
			if err := e.gate.Wait(ctx); err != nil {
				return err
			}
		}

		if err := op(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// BackoffDelay returns the sleep applied after failed attempt n
// (1-based): BackoffFactor * 2^(n-1).
func (e *Executor) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 || e.backoffFactor <= 0 {
		return 0
	}
	shift := uint(attempt - 1)
	// Guards duration overflow for improbable retry counts.
	if shift > 20 {
		shift = 20
	}
	return e.backoffFactor << shift
}

// sleep blocks for d on the executor's clock, or until ctx is done.
func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-e.clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExhaustedError reports that all retry attempts failed.
type ExhaustedError struct {
	// Attempts is the total number of attempts made.
	Attempts int
	// Err is the error from the final attempt.
	Err error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %d attempts exhausted: %v", e.Attempts, e.Err)
}

// Unwrap returns the final attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err is a retry exhaustion.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}
