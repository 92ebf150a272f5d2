// Package output provides JSONL output for migration runs.
//
// Output is structured as typed record envelopes covering per-key
// outcomes, folder completions, progress updates, errors, and the final
// summary. Each line is a self-contained JSON object that can be parsed
// independently, so run output can be tailed, filtered, and archived
// with ordinary line tools.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gocirrus.<type>.v<version>
const (
	// TypeMigrate identifies per-key migration outcome records.
	TypeMigrate = "gocirrus.migrate.v1"

	// TypePlan identifies dry-run plan records.
	TypePlan = "gocirrus.plan.v1"

	// TypeFolder identifies folder completion records.
	TypeFolder = "gocirrus.folder.v1"

	// TypeError identifies error records.
	TypeError = "gocirrus.error.v1"

	// TypeProgress identifies progress update records.
	TypeProgress = "gocirrus.progress.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "gocirrus.summary.v1"

	// TypePreflight identifies preflight capability check records.
	TypePreflight = "gocirrus.preflight.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "gocirrus.migrate.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the correlation ID for this migration run.
	JobID string `json:"job_id"`

	// Provider identifies the storage provider (e.g., "s3").
	Provider string `json:"provider"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// Per-key outcome values carried in MigrateRecord.
const (
	// OutcomeCopied means the metadata rewrite succeeded.
	OutcomeCopied = "copied"

	// OutcomeFailed means all retry attempts were exhausted.
	OutcomeFailed = "failed"

	// OutcomeSkippedArchived means the provider reported the object is
	// already in an archived storage class; no rewrite is needed.
	OutcomeSkippedArchived = "skipped_archived"

	// OutcomeSkippedCopied means the key was recorded as copied by an
	// earlier run and was not re-sent.
	OutcomeSkippedCopied = "skipped_already_copied"
)

// MigrateRecord is the data payload for one key's migration outcome.
type MigrateRecord struct {
	// Key is the full object key in the bucket.
	Key string `json:"key"`

	// Outcome is one of the Outcome* constants.
	Outcome string `json:"outcome"`

	// Attempts is the number of copy attempts made for this key.
	// Zero for keys that were skipped without any API call.
	Attempts int `json:"attempts,omitempty"`

	// Batch is the 1-based index of the batch this key belonged to.
	Batch int `json:"batch,omitempty"`

	// Folder is the folder prefix being processed, in folder-by-folder
	// traversal mode.
	Folder string `json:"folder,omitempty"`

	// Error describes the final error for failed keys.
	Error string `json:"error,omitempty"`
}

// PlanRecord is the data payload for one key a dry run would migrate.
type PlanRecord struct {
	// Key is the full object key in the bucket.
	Key string `json:"key"`

	// Size is the object size in bytes.
	Size int64 `json:"size"`

	// Batch is the 1-based index of the batch the key would land in.
	Batch int `json:"batch,omitempty"`

	// StorageClass is the object's current storage class, if reported.
	StorageClass string `json:"storage_class,omitempty"`
}

// FolderRecord is the data payload for a completed folder in
// folder-by-folder traversal mode.
type FolderRecord struct {
	// Path is the folder prefix, slash-terminated.
	Path string `json:"path"`

	// Copied is the number of keys successfully rewritten in this folder.
	Copied int64 `json:"copied"`

	// Failed is the number of keys that exhausted retries in this folder.
	Failed int64 `json:"failed"`

	// Total is the number of keys observed directly in this folder.
	Total int64 `json:"total"`
}

// PreflightRecord is the data payload for preflight capability checks.
//
// Preflight records are emitted before the run mutates anything. They
// provide an explicit contract for what was checked and whether the
// principal appears to have the required permissions.
type PreflightRecord struct {
	Mode     string                 `json:"mode"`
	ProbeKey string                 `json:"probe_key,omitempty"`
	Results  []PreflightCheckResult `json:"results"`
}

// PreflightCheckResult is a single capability check result.
type PreflightCheckResult struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Per-key errors are emitted as records rather than failing the run,
// so a migration makes maximum progress and failures stay inspectable.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Key is the object key related to this error, if applicable.
	Key string `json:"key,omitempty"`

	// Prefix is the prefix being listed when the error occurred.
	Prefix string `json:"prefix,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeAccessDenied indicates permission failure.
	ErrCodeAccessDenied = "ACCESS_DENIED"

	// ErrCodeNotFound indicates the object or bucket was not found.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeTimeout indicates an operation timed out.
	ErrCodeTimeout = "TIMEOUT"

	// ErrCodeThrottled indicates rate limiting.
	ErrCodeThrottled = "THROTTLED"

	// ErrCodeProviderUnavailable indicates the storage service could not
	// be reached or returned a server-side failure.
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"

	// ErrCodeLedger indicates the key ledger could not be written.
	ErrCodeLedger = "LEDGER_IO"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// ProgressRecord is the data payload for progress updates.
//
// Progress records are emitted periodically so long-running migrations
// stay observable without a terminal attached.
type ProgressRecord struct {
	// Phase indicates the current run phase.
	Phase string `json:"phase"`

	// ObjectsSeen is the total number of keys observed so far.
	ObjectsSeen int64 `json:"objects_seen"`

	// Copied is the number of successful metadata rewrites so far.
	Copied int64 `json:"copied"`

	// Failed is the number of keys that exhausted retries so far.
	Failed int64 `json:"failed"`

	// Skipped is the number of keys skipped (already copied or
	// already archived).
	Skipped int64 `json:"skipped"`

	// Batch is the 1-based index of the batch in flight.
	Batch int `json:"batch,omitempty"`

	// Total is the total number of keys to process, when known
	// (retry mode, or folder traversal after discovery).
	Total int64 `json:"total,omitempty"`

	// Folder is the folder prefix in flight, in folder-by-folder mode.
	Folder string `json:"folder,omitempty"`

	// RatePerSecond is the recent processing rate in keys per second.
	RatePerSecond float64 `json:"rate_per_second,omitempty"`

	// ETASeconds estimates the remaining run time, when Total is known.
	ETASeconds int64 `json:"eta_seconds,omitempty"`
}

// Progress phase constants.
const (
	// PhaseStarting indicates the run is initializing.
	PhaseStarting = "starting"

	// PhaseDiscovering indicates the folder tree is being discovered.
	PhaseDiscovering = "discovering"

	// PhaseListing indicates keys are being listed.
	PhaseListing = "listing"

	// PhaseCopying indicates metadata rewrites are in flight.
	PhaseCopying = "copying"

	// PhaseRetrying indicates a retry pass over failed keys is running.
	PhaseRetrying = "retrying"

	// PhaseComplete indicates the run has finished.
	PhaseComplete = "complete"
)

// SummaryRecord is the data payload for final summaries.
//
// A summary record is emitted at the end of a run with aggregate
// statistics.
type SummaryRecord struct {
	// Mode is the run mode ("migrate", "retry", "plan").
	Mode string `json:"mode"`

	// ObjectsSeen is the total number of keys observed.
	ObjectsSeen int64 `json:"objects_seen"`

	// Copied is the number of successful metadata rewrites.
	Copied int64 `json:"copied"`

	// Failed is the number of keys that exhausted retries.
	Failed int64 `json:"failed"`

	// Skipped is the number of keys skipped.
	Skipped int64 `json:"skipped"`

	// Batches is the number of batches processed.
	Batches int `json:"batches"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// LedgerDir is the ledger directory recording copied/failed keys.
	LedgerDir string `json:"ledger_dir,omitempty"`

	// Prefixes lists the prefixes that were migrated.
	Prefixes []string `json:"prefixes,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
