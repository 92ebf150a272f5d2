// Package migrate implements the batch migration engine that re-stamps
// object metadata across a bucket so a pre-configured lifecycle rule
// picks every object up for archive tiering.
//
// The engine lists the bucket page by page, drives each page through a
// retry-wrapped in-place copy, and records every key's outcome in the
// key ledger. Processing is deliberately sequential: one batch at a
// time, one key at a time, with the throttle controller gating every
// storage call. Sequencing keeps the provider-side request rate
// predictable and makes the ledger the only coordination point, so an
// interrupted run can always resume from what the ledger already
// holds.
//
// Bucket mutation during a run is unsupported: keys added or removed
// mid-run may be missed or double-processed depending on where the
// paginator is, and no stronger guarantee is inferred from provider
// listing behavior.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/3leaps/gocirrus/pkg/clock"
	"github.com/3leaps/gocirrus/pkg/ledger"
	"github.com/3leaps/gocirrus/pkg/match"
	"github.com/3leaps/gocirrus/pkg/output"
	"github.com/3leaps/gocirrus/pkg/provider"
	"github.com/3leaps/gocirrus/pkg/retry"
	"github.com/3leaps/gocirrus/pkg/runstate"
	"github.com/3leaps/gocirrus/pkg/throttle"
)

// Run modes reported in summary records.
const (
	modeMigrate = "migrate"
	modeRetry   = "retry"
	modePlan    = "plan"
)

// ErrCapability is returned when the configured provider cannot
// perform an operation the selected mode requires.
var ErrCapability = errors.New("provider does not support required operation")

// Config configures a migration run.
//
// A Config is read once at engine construction and never mutated
// afterwards; every component sees the same values for the whole run.
type Config struct {
	// BatchSize is the number of keys requested per listing page. Each
	// page is processed as one batch.
	// Default: 200
	BatchSize int

	// MaxRetries is the number of retries after the first failed copy
	// attempt. A key is attempted MaxRetries+1 times in total.
	// Default: 3
	MaxRetries int

	// BackoffFactor scales the exponential backoff between attempts:
	// the sleep before retry n is BackoffFactor * 2^(n-1).
	// Default: 2s
	BackoffFactor time.Duration

	// ThrottleDelay is the minimum gap between storage API calls.
	// Zero disables throttling.
	// Default: 100ms
	ThrottleDelay time.Duration

	// FixedThrottle pins the throttle at ThrottleDelay instead of
	// adapting it to provider feedback.
	FixedThrottle bool

	// Prefix restricts the run to keys under this prefix.
	Prefix string

	// DryRun lists and classifies without copying. Plan records are
	// emitted instead of migrate records and the ledger is not touched.
	DryRun bool

	// FolderByFolder discovers the folder tree first and processes one
	// folder at a time, annotating the structure ledger as each folder
	// completes.
	FolderByFolder bool

	// SkipCopied loads the copied partition at start and skips keys
	// already recorded there. Used to resume an interrupted run
	// without re-copying.
	SkipCopied bool

	// FinalRetryPass re-drives the failed partition once at the end of
	// a normal run, before the summary is written.
	FinalRetryPass bool

	// ProgressEvery controls how often progress records are emitted.
	// A progress record is written every N processed keys.
	// Default: 100
	ProgressEvery int
}

// DefaultConfig returns the default migration configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     200,
		MaxRetries:    3,
		BackoffFactor: 2 * time.Second,
		ThrottleDelay: 100 * time.Millisecond,
		ProgressEvery: 100,
	}
}

// Summary contains aggregate statistics from a completed run.
type Summary struct {
	// Mode is the run mode: migrate, retry, or plan.
	Mode string

	// ObjectsSeen is the total number of keys the pass covered: listed
	// keys on a normal run, loaded failed keys on a retry pass.
	ObjectsSeen int64

	// Copied is the number of keys whose metadata was rewritten.
	Copied int64

	// Failed is the number of keys that exhausted retries.
	Failed int64

	// Skipped is the number of keys skipped (already copied or already
	// archived).
	Skipped int64

	// Batches is the number of batches processed.
	Batches int64

	// Duration is the total run time.
	Duration time.Duration

	// Prefixes lists the prefixes the run covered.
	Prefixes []string
}

// Engine executes a migration run against a storage provider.
//
// Engine is safe for single use only. Create a new Engine for each run.
type Engine struct {
	provider provider.Provider
	copier   provider.InPlaceCopier // nil when the provider lacks the capability
	ledger   *ledger.Ledger
	writer   output.Writer
	config   Config
	jobID    string

	throttle *throttle.Controller
	retrier  *retry.Executor
	clk      clock.Clock

	matcher *match.Matcher          // optional key pattern scope
	filter  *match.CompositeFilter  // optional metadata filter
	state   *runstate.Store         // optional resumable run state
	skipSet map[string]struct{}     // copied keys loaded when SkipCopied is set
	flushed runstate.StatsDelta     // counter totals already flushed to the state store

	// Counters are atomic so a status endpoint can read them while the
	// run is in flight.
	objectsSeen atomic.Int64
	copied      atomic.Int64
	failed      atomic.Int64
	skipped     atomic.Int64
	batches     atomic.Int64

	startTime time.Time
}

// New creates a migration engine.
//
// Parameters:
//   - p: provider for listing and in-place copies
//   - led: key ledger recording per-key outcomes
//   - w: writer for JSONL output
//   - jobID: correlation ID for this run
//   - cfg: run configuration (use DefaultConfig() as base)
//
// Use WithMatcher, WithFilter, WithState, and WithClock to attach
// optional collaborators after creation.
func New(p provider.Provider, led *ledger.Ledger, w output.Writer, jobID string, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = DefaultConfig().BackoffFactor
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultConfig().ProgressEvery
	}

	e := &Engine{
		provider: p,
		ledger:   led,
		writer:   w,
		config:   cfg,
		jobID:    jobID,
		clk:      clock.Real{},
	}
	if copier, ok := p.(provider.InPlaceCopier); ok {
		e.copier = copier
	}

	if cfg.FixedThrottle {
		e.throttle = throttle.NewFixed(cfg.ThrottleDelay)
	} else {
		e.throttle = throttle.New(cfg.ThrottleDelay)
	}
	e.retrier = retry.New(retry.Config{
		MaxRetries:    cfg.MaxRetries,
		BackoffFactor: cfg.BackoffFactor,
	}, e.throttle, e.clk)

	return e
}

// WithMatcher restricts the run to keys matching the given patterns.
func (e *Engine) WithMatcher(m *match.Matcher) *Engine {
	e.matcher = m
	return e
}

// WithFilter sets an optional metadata filter. Filters are applied
// after pattern matching with AND semantics.
func (e *Engine) WithFilter(f *match.CompositeFilter) *Engine {
	e.filter = f
	return e
}

// WithState attaches a run state store for continuation tokens, the
// copied/failed mirror, and cumulative stats.
func (e *Engine) WithState(s *runstate.Store) *Engine {
	e.state = s
	return e
}

// WithClock replaces the wall clock. Tests use this to make the
// backoff schedule observable without real sleeps.
func (e *Engine) WithClock(clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	e.clk = clk
	e.retrier = retry.New(retry.Config{
		MaxRetries:    e.config.MaxRetries,
		BackoffFactor: e.config.BackoffFactor,
	}, e.throttle, clk)
	return e
}

// Run executes a normal migration pass: list the key space, re-stamp
// every object, record outcomes in the ledger.
//
// Run blocks until the pass completes, the context is cancelled, or a
// fatal error occurs. Per-key failures never abort the run; ledger and
// output errors do.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	mode := modeMigrate
	if e.config.DryRun {
		mode = modePlan
	}

	if !e.config.DryRun && e.copier == nil {
		return nil, fmt.Errorf("%w: in-place copy", ErrCapability)
	}

	e.startTime = e.clk.Now()

	if e.config.SkipCopied && !e.config.DryRun {
		set, err := e.ledger.KeySet(ledger.Copied)
		if err != nil {
			return nil, fmt.Errorf("load copied keys: %w", err)
		}
		e.skipSet = set
	}

	if err := e.writeProgress(ctx, output.PhaseStarting, 0, ""); err != nil {
		return nil, err
	}

	var runErr error
	if e.config.FolderByFolder {
		runErr = e.runFolders(ctx)
	} else {
		runErr = e.runFlat(ctx)
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return e.buildSummary(mode), runErr
		}
		return nil, runErr
	}

	if e.config.FinalRetryPass && !e.config.DryRun {
		if err := e.retryFailed(ctx, false); err != nil {
			return e.buildSummary(mode), err
		}
	}

	if err := e.writeProgress(ctx, output.PhaseComplete, 0, ""); err != nil {
		return nil, err
	}

	summary := e.buildSummary(mode)
	if err := e.writeSummary(ctx, summary); err != nil {
		return summary, err
	}
	return summary, nil
}

// RunRetry executes a retry pass: load the failed partition, re-drive
// every key through the copy operation, and remove each success from
// the failed partition.
func (e *Engine) RunRetry(ctx context.Context) (*Summary, error) {
	if e.copier == nil {
		return nil, fmt.Errorf("%w: in-place copy", ErrCapability)
	}

	e.startTime = e.clk.Now()

	if err := e.writeProgress(ctx, output.PhaseStarting, 0, ""); err != nil {
		return nil, err
	}

	if err := e.retryFailed(ctx, true); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return e.buildSummary(modeRetry), err
		}
		return nil, err
	}

	if err := e.writeProgress(ctx, output.PhaseComplete, 0, ""); err != nil {
		return nil, err
	}

	summary := e.buildSummary(modeRetry)
	if err := e.writeSummary(ctx, summary); err != nil {
		return summary, err
	}
	return summary, nil
}

// runFlat lists the bucket page by page and processes each page as one
// batch.
func (e *Engine) runFlat(ctx context.Context) error {
	var token string

	// Resume a saved listing position when one exists.
	if e.state != nil && !e.config.DryRun {
		cont, err := e.state.Continuation(ctx)
		if err != nil {
			return err
		}
		if cont != nil && cont.Prefix == e.config.Prefix {
			token = cont.Token
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := e.throttle.Wait(ctx); err != nil {
			return err
		}

		result, err := e.provider.List(ctx, provider.ListOptions{
			Prefix:            e.config.Prefix,
			ContinuationToken: token,
			MaxKeys:           e.config.BatchSize,
		})
		if err != nil {
			e.writeError(ctx, listErrorCode(err), err.Error(), e.config.Prefix)
			return fmt.Errorf("list %q: %w", e.config.Prefix, err)
		}

		if len(result.Objects) > 0 {
			batch := int(e.batches.Add(1))
			if err := e.processBatch(ctx, result.Objects, batch, ""); err != nil {
				return err
			}
		}

		if !result.IsTruncated || result.ContinuationToken == "" {
			break
		}
		token = result.ContinuationToken

		if e.state != nil && !e.config.DryRun {
			if err := e.state.SaveContinuation(ctx, token, e.config.Prefix); err != nil {
				return err
			}
		}
	}

	if e.state != nil && !e.config.DryRun {
		if err := e.state.ClearContinuation(ctx); err != nil {
			return err
		}
	}
	return nil
}

// retryFailed re-drives the failed partition. The key list is
// snapshotted up front so ledger rewrites during the pass do not
// disturb iteration.
//
// countSeen folds retried keys into the seen counter. A standalone
// retry pass sets it; the final retry pass inside a normal run does
// not, since listing already counted those keys once.
func (e *Engine) retryFailed(ctx context.Context, countSeen bool) error {
	keys, err := e.ledger.Keys(ledger.Failed)
	if err != nil {
		return fmt.Errorf("load failed keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	total := int64(len(keys))
	for start := 0; start < len(keys); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(keys) {
			end = len(keys)
		}

		batch := int(e.batches.Add(1))
		for _, key := range keys[start:end] {
			if err := ctx.Err(); err != nil {
				return err
			}
			if countSeen {
				e.objectsSeen.Add(1)
			}
			if err := e.retryKey(ctx, key, batch); err != nil {
				return err
			}

			if e.processedCount()%int64(e.config.ProgressEvery) == 0 {
				if err := e.writeProgressTotal(ctx, output.PhaseRetrying, batch, "", total); err != nil {
					return err
				}
			}
		}

		if err := e.syncStats(ctx); err != nil {
			return err
		}
	}
	return nil
}

// syncStats flushes counter growth since the previous flush into the
// state store's cumulative stats row. Called at batch boundaries so the
// stats survive an interrupted run.
func (e *Engine) syncStats(ctx context.Context) error {
	if e.state == nil || e.config.DryRun {
		return nil
	}

	seen := e.objectsSeen.Load()
	copied := e.copied.Load()
	failed := e.failed.Load()
	skipped := e.skipped.Load()
	batches := e.batches.Load()

	delta := runstate.StatsDelta{
		ObjectsSeen: seen - e.flushed.ObjectsSeen,
		Copied:      copied - e.flushed.Copied,
		Failed:      failed - e.flushed.Failed,
		Skipped:     skipped - e.flushed.Skipped,
		Batches:     batches - e.flushed.Batches,
	}
	if delta == (runstate.StatsDelta{}) {
		return nil
	}
	if err := e.state.AddStats(ctx, delta); err != nil {
		return err
	}

	e.flushed = runstate.StatsDelta{
		ObjectsSeen: seen,
		Copied:      copied,
		Failed:      failed,
		Skipped:     skipped,
		Batches:     batches,
	}
	return nil
}

// buildSummary creates a Summary from the atomic counters.
func (e *Engine) buildSummary(mode string) *Summary {
	var prefixes []string
	if e.config.Prefix != "" {
		prefixes = []string{e.config.Prefix}
	}
	return &Summary{
		Mode:        mode,
		ObjectsSeen: e.objectsSeen.Load(),
		Copied:      e.copied.Load(),
		Failed:      e.failed.Load(),
		Skipped:     e.skipped.Load(),
		Batches:     e.batches.Load(),
		Duration:    e.clk.Now().Sub(e.startTime),
		Prefixes:    prefixes,
	}
}

// Progress returns a snapshot of the run counters. Safe to call from
// another goroutine while the run is in flight.
func (e *Engine) Progress() (seen, copied, failed, skipped int64) {
	return e.objectsSeen.Load(), e.copied.Load(), e.failed.Load(), e.skipped.Load()
}

func (e *Engine) processedCount() int64 {
	return e.copied.Load() + e.failed.Load() + e.skipped.Load()
}

// ratePerSecond reports processed keys per second since the run started.
func (e *Engine) ratePerSecond() float64 {
	elapsed := e.clk.Now().Sub(e.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(e.processedCount()) / elapsed
}

func (e *Engine) writeProgress(ctx context.Context, phase string, batch int, folder string) error {
	return e.writeProgressTotal(ctx, phase, batch, folder, 0)
}

func (e *Engine) writeProgressTotal(ctx context.Context, phase string, batch int, folder string, total int64) error {
	prog := &output.ProgressRecord{
		Phase:         phase,
		ObjectsSeen:   e.objectsSeen.Load(),
		Copied:        e.copied.Load(),
		Failed:        e.failed.Load(),
		Skipped:       e.skipped.Load(),
		Batch:         batch,
		Total:         total,
		Folder:        folder,
		RatePerSecond: e.ratePerSecond(),
	}
	if total > 0 {
		if rate := e.ratePerSecond(); rate > 0 {
			remaining := total - e.processedCount()
			if remaining > 0 {
				prog.ETASeconds = int64(float64(remaining) / rate)
			}
		}
	}
	return e.writer.WriteProgress(ctx, prog)
}

func (e *Engine) writeSummary(ctx context.Context, summary *Summary) error {
	sum := &output.SummaryRecord{
		Mode:          summary.Mode,
		ObjectsSeen:   summary.ObjectsSeen,
		Copied:        summary.Copied,
		Failed:        summary.Failed,
		Skipped:       summary.Skipped,
		Batches:       int(summary.Batches),
		Duration:      summary.Duration,
		DurationHuman: summary.Duration.Round(time.Millisecond).String(),
		LedgerDir:     e.ledger.Root(),
		Prefixes:      summary.Prefixes,
	}
	return e.writer.WriteSummary(ctx, sum)
}

// writeError emits an error record. Best effort: a failed error write
// must not mask the error being reported.
func (e *Engine) writeError(ctx context.Context, code, message, prefix string) {
	errRec := &output.ErrorRecord{
		Code:    code,
		Message: message,
		Prefix:  prefix,
	}
	_ = e.writer.WriteError(ctx, errRec)
}

func listErrorCode(err error) string {
	switch {
	case provider.IsAccessDenied(err):
		return output.ErrCodeAccessDenied
	case provider.IsNotFound(err):
		return output.ErrCodeNotFound
	case provider.IsThrottled(err):
		return output.ErrCodeThrottled
	case provider.IsProviderUnavailable(err):
		return output.ErrCodeProviderUnavailable
	default:
		return output.ErrCodeInternal
	}
}
