package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/gocirrus/pkg/ledger"
	"github.com/3leaps/gocirrus/pkg/output"
	"github.com/3leaps/gocirrus/pkg/provider"
	"github.com/3leaps/gocirrus/pkg/retry"
)

// processBatch drives one batch of listed objects through the copy
// operation, in listing order. Every in-scope key ends the batch with
// exactly one ledger write: copied on success, failed on retry
// exhaustion. Per-key failures never abort the batch; ledger, state,
// and output errors do.
func (e *Engine) processBatch(ctx context.Context, objects []provider.ObjectSummary, batch int, folder string) error {
	for i := range objects {
		obj := &objects[i]
		e.objectsSeen.Add(1)

		if !e.inScope(obj) {
			continue
		}

		if e.config.DryRun {
			if err := e.writePlan(ctx, obj, batch); err != nil {
				return err
			}
			// Nothing is processed on a dry run, so progress cadence
			// follows the listing itself.
			if e.objectsSeen.Load()%int64(e.config.ProgressEvery) == 0 {
				if err := e.writeProgress(ctx, output.PhaseListing, batch, folder); err != nil {
					return err
				}
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if err := e.processKey(ctx, obj.Key, batch, folder); err != nil {
			return err
		}

		if e.processedCount()%int64(e.config.ProgressEvery) == 0 {
			if err := e.writeProgress(ctx, output.PhaseCopying, batch, folder); err != nil {
				return err
			}
		}
	}
	return e.syncStats(ctx)
}

// inScope applies the optional pattern and metadata scope.
func (e *Engine) inScope(obj *provider.ObjectSummary) bool {
	if e.matcher != nil && !e.matcher.Match(obj.Key) {
		return false
	}
	if e.filter != nil && !e.filter.Match(obj) {
		return false
	}
	return true
}

// processKey re-stamps a single key and records the outcome.
//
// Keys already present in the copied partition are skipped without a
// storage call. A source object the provider reports as already
// archived counts as done: it is recorded copied so later runs skip
// it, and surfaced as a skip in the output stream.
func (e *Engine) processKey(ctx context.Context, key string, batch int, folder string) error {
	if e.skipSet != nil {
		if _, ok := e.skipSet[key]; ok {
			e.skipped.Add(1)
			return e.writeMigrate(ctx, &output.MigrateRecord{
				Key:     key,
				Outcome: output.OutcomeSkippedCopied,
				Batch:   batch,
				Folder:  folder,
			})
		}
	}

	attempts, archived, execErr := e.copyWithRetry(ctx, key)
	if execErr != nil && !retry.IsExhausted(execErr) {
		return execErr
	}

	rec := &output.MigrateRecord{
		Key:      key,
		Attempts: attempts,
		Batch:    batch,
		Folder:   folder,
	}

	switch {
	case execErr == nil && !archived:
		if err := e.recordCopied(ctx, key); err != nil {
			return err
		}
		e.copied.Add(1)
		rec.Outcome = output.OutcomeCopied

	case execErr == nil && archived:
		// Recorded copied so a resumed run does not re-attempt it.
		if err := e.recordCopied(ctx, key); err != nil {
			return err
		}
		e.skipped.Add(1)
		rec.Outcome = output.OutcomeSkippedArchived

	default:
		lastErr := execErr
		var exhausted *retry.ExhaustedError
		if errors.As(execErr, &exhausted) {
			lastErr = exhausted.Err
		}
		if err := e.recordFailed(ctx, key, lastErr.Error(), attempts); err != nil {
			return err
		}
		e.failed.Add(1)
		rec.Outcome = output.OutcomeFailed
		rec.Error = lastErr.Error()
	}

	return e.writeMigrate(ctx, rec)
}

// retryKey re-drives one key from the failed partition. Success
// removes the key from the failed partition; the copied partition is
// left alone on this path. A repeat failure leaves the failed entry in
// place with an updated error.
func (e *Engine) retryKey(ctx context.Context, key string, batch int) error {
	attempts, archived, execErr := e.copyWithRetry(ctx, key)
	if execErr != nil && !retry.IsExhausted(execErr) {
		return execErr
	}

	rec := &output.MigrateRecord{
		Key:      key,
		Attempts: attempts,
		Batch:    batch,
	}

	if execErr == nil {
		if _, err := e.ledger.RemoveFromFailed(key); err != nil {
			e.writeError(ctx, output.ErrCodeLedger, err.Error(), "")
			return err
		}
		if e.state != nil {
			if _, err := e.state.ResolveFailed(ctx, key); err != nil {
				return err
			}
		}
		if archived {
			e.skipped.Add(1)
			rec.Outcome = output.OutcomeSkippedArchived
		} else {
			e.copied.Add(1)
			rec.Outcome = output.OutcomeCopied
		}
		return e.writeMigrate(ctx, rec)
	}

	lastErr := execErr
	var exhausted *retry.ExhaustedError
	if errors.As(execErr, &exhausted) {
		lastErr = exhausted.Err
	}

	if e.state != nil {
		if err := e.state.MarkFailed(ctx, key, lastErr.Error(), attempts); err != nil {
			return err
		}
	}
	e.failed.Add(1)
	rec.Outcome = output.OutcomeFailed
	rec.Error = lastErr.Error()
	return e.writeMigrate(ctx, rec)
}

// copyWithRetry runs the in-place copy through the retry executor,
// feeding throttle penalties back from per-attempt errors. An
// already-archived source reads as success with archived=true.
func (e *Engine) copyWithRetry(ctx context.Context, key string) (attempts int, archived bool, err error) {
	err = e.retrier.Execute(ctx, func(ctx context.Context) error {
		attempts++
		copyErr := e.copier.CopyInPlace(ctx, key)
		if copyErr == nil {
			e.throttle.OnSuccess()
			return nil
		}
		if provider.IsObjectArchived(copyErr) {
			archived = true
			return nil
		}
		if provider.IsThrottled(copyErr) {
			e.throttle.OnThrottled()
		}
		return copyErr
	})
	return attempts, archived, err
}

func (e *Engine) recordCopied(ctx context.Context, key string) error {
	if err := e.ledger.Record(ledger.Copied, key); err != nil {
		e.writeError(ctx, output.ErrCodeLedger, err.Error(), "")
		return fmt.Errorf("record copied %q: %w", key, err)
	}
	if e.state != nil {
		if err := e.state.MarkCopied(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recordFailed(ctx context.Context, key, errMsg string, attempts int) error {
	if err := e.ledger.Record(ledger.Failed, key); err != nil {
		e.writeError(ctx, output.ErrCodeLedger, err.Error(), "")
		return fmt.Errorf("record failed %q: %w", key, err)
	}
	if e.state != nil {
		if err := e.state.MarkFailed(ctx, key, errMsg, attempts); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) writeMigrate(ctx context.Context, rec *output.MigrateRecord) error {
	return e.writer.WriteMigrate(ctx, rec)
}

func (e *Engine) writePlan(ctx context.Context, obj *provider.ObjectSummary, batch int) error {
	return e.writer.WritePlan(ctx, &output.PlanRecord{
		Key:          obj.Key,
		Size:         obj.Size,
		Batch:        batch,
		StorageClass: obj.StorageClass,
	})
}
