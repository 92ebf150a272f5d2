// Package preflight verifies provider permissions before a migration
// run starts mutating metadata.
//
// Checks escalate by mode: plan-only makes no API calls, read-safe
// proves listing and object reads, and copy-probe additionally
// re-stamps one object to prove the exact call the migration will
// make. Every check lands in a PreflightRecord so the output stream
// carries an explicit contract of what was verified.
package preflight

import (
	"context"
	"fmt"

	"github.com/3leaps/gocirrus/pkg/output"
	"github.com/3leaps/gocirrus/pkg/provider"
)

// Mode defines how aggressive preflight checks are.
type Mode string

const (
	ModePlanOnly  Mode = "plan-only"
	ModeReadSafe  Mode = "read-safe"
	ModeCopyProbe Mode = "copy-probe"
)

// Spec controls how preflight checks are executed.
//
// ProbeKey pins the object used for head and copy checks. When empty,
// the first key returned by the list check is probed instead.
type Spec struct {
	Mode     Mode
	ProbeKey string
}

// Capability names are stable strings used in JSONL output.
const (
	CapList = "bucket.list"
	CapHead = "bucket.head"
	CapCopy = "bucket.copy"
)

// Check runs the capability checks selected by spec against prov,
// scoped to prefix.
//
// The returned record is non-nil whenever the mode is recognized, even
// on failure: a denied check is recorded with its error code before
// the error is returned, so callers can emit the record and then abort.
func Check(ctx context.Context, prov provider.Provider, prefix string, spec Spec) (*output.PreflightRecord, error) {
	switch spec.Mode {
	case ModePlanOnly, ModeReadSafe, ModeCopyProbe:
	default:
		return nil, fmt.Errorf("preflight: unknown mode %q", spec.Mode)
	}

	rec := &output.PreflightRecord{
		Mode:     string(spec.Mode),
		ProbeKey: spec.ProbeKey,
		Results:  []output.PreflightCheckResult{},
	}

	if spec.Mode == ModePlanOnly {
		return rec, nil
	}

	listMethod := fmt.Sprintf("List(prefix=%q,maxKeys=1)", prefix)
	res, err := prov.List(ctx, provider.ListOptions{Prefix: prefix, MaxKeys: 1})
	if err != nil {
		rec.Results = append(rec.Results, output.PreflightCheckResult{
			Capability: CapList,
			Allowed:    false,
			Method:     listMethod,
			ErrorCode:  normalizeErrorCode(err),
			Detail:     err.Error(),
		})
		return rec, err
	}
	rec.Results = append(rec.Results, output.PreflightCheckResult{
		Capability: CapList,
		Allowed:    true,
		Method:     listMethod,
	})

	probeKey := spec.ProbeKey
	if probeKey == "" && len(res.Objects) > 0 {
		probeKey = res.Objects[0].Key
	}
	rec.ProbeKey = probeKey

	if probeKey == "" {
		// Nothing to probe under this prefix. Read-safe has proven all
		// it can; a copy probe without an object proves nothing.
		if spec.Mode == ModeCopyProbe {
			return rec, fmt.Errorf("preflight: no object under prefix %q to probe; set preflight.probe_key", prefix)
		}
		return rec, nil
	}

	headMethod := fmt.Sprintf("Head(key=%q)", probeKey)
	if _, err := prov.Head(ctx, probeKey); err != nil {
		rec.Results = append(rec.Results, output.PreflightCheckResult{
			Capability: CapHead,
			Allowed:    false,
			Method:     headMethod,
			ErrorCode:  normalizeErrorCode(err),
			Detail:     err.Error(),
		})
		return rec, err
	}
	rec.Results = append(rec.Results, output.PreflightCheckResult{
		Capability: CapHead,
		Allowed:    true,
		Method:     headMethod,
	})

	if spec.Mode != ModeCopyProbe {
		return rec, nil
	}

	copier, ok := prov.(provider.InPlaceCopier)
	if !ok {
		err := fmt.Errorf("preflight: provider does not support in-place copy")
		rec.Results = append(rec.Results, output.PreflightCheckResult{
			Capability: CapCopy,
			Allowed:    false,
			ErrorCode:  output.ErrCodeInternal,
			Detail:     err.Error(),
		})
		return rec, err
	}

	// The probe is the same call the migration makes, so it re-stamps
	// the probe object's metadata for real.
	copyMethod := fmt.Sprintf("CopyInPlace(key=%q)", probeKey)
	if err := copier.CopyInPlace(ctx, probeKey); err != nil {
		rec.Results = append(rec.Results, output.PreflightCheckResult{
			Capability: CapCopy,
			Allowed:    false,
			Method:     copyMethod,
			ErrorCode:  normalizeErrorCode(err),
			Detail:     err.Error(),
		})
		return rec, err
	}
	rec.Results = append(rec.Results, output.PreflightCheckResult{
		Capability: CapCopy,
		Allowed:    true,
		Method:     copyMethod,
	})

	return rec, nil
}

func normalizeErrorCode(err error) string {
	switch {
	case provider.IsAccessDenied(err):
		return output.ErrCodeAccessDenied
	case provider.IsBucketNotFound(err), provider.IsNotFound(err):
		return output.ErrCodeNotFound
	case provider.IsThrottled(err):
		return output.ErrCodeThrottled
	case provider.IsInvalidCredentials(err):
		return output.ErrCodeAccessDenied
	case provider.IsProviderUnavailable(err):
		return output.ErrCodeInternal
	default:
		return output.ErrCodeInternal
	}
}
