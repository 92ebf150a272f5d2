// Package manifest provides loading and validation of gocirrus job manifests.
//
// A job manifest is a YAML or JSON file that configures all aspects of a
// migration job: provider connection, key scope, migration tunables, ledger
// placement, and output.
//
// Manifests are validated against a JSON Schema to ensure correctness before
// execution. The schema enforces strict typing and disallows unknown
// properties. `${VAR}` references are expanded from the environment before
// parsing, so credentials can stay out of the file.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	connection:
//	  provider: s3
//	  bucket: my-archive-bucket
//	  region: eu-de
//	  api_key: ${GOCIRRUS_API_KEY}
//	scope:
//	  prefix: "data/2023/"
//	migrate:
//	  batch_size: 200
//	  max_retries: 3
//	ledger:
//	  dir: ./state
//	output:
//	  destination: stdout
package manifest

import "time"

// Manifest represents a validated job manifest.
//
// A manifest configures all aspects of a migration job. Required fields are
// Version and Connection. Scope, Migrate, Ledger, Preflight, and Output are
// optional with sensible defaults.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	// Example: "https://schemas.3leaps.dev/gocirrus/v1.0.0/job-manifest.schema.json"
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Connection configures the cloud storage provider.
	Connection ConnectionConfig `json:"connection" yaml:"connection"`

	// Scope restricts the migration to a subset of the bucket (optional).
	Scope ScopeConfig `json:"scope,omitempty" yaml:"scope,omitempty"`

	// Migrate configures migration behavior (optional).
	Migrate MigrateConfig `json:"migrate,omitempty" yaml:"migrate,omitempty"`

	// Ledger configures the on-disk key ledger (optional).
	Ledger LedgerConfig `json:"ledger,omitempty" yaml:"ledger,omitempty"`

	// Preflight configures permission checks before the run (optional).
	Preflight PreflightConfig `json:"preflight,omitempty" yaml:"preflight,omitempty"`

	// Output configures output destination and format (optional).
	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
}

// ConnectionConfig configures the cloud storage provider connection.
//
// Credential resolution supports four mutually exclusive styles: IBM IAM
// api_key, AWS shared-config profile, static HMAC keys, or the ambient
// AWS credential chain when none of the above is set.
type ConnectionConfig struct {
	// Provider is the storage provider type. Currently only "s3" is
	// supported; IBM COS and other S3-compatible endpoints go through it.
	Provider string `json:"provider" yaml:"provider"`

	// Bucket is the bucket whose objects are migrated.
	Bucket string `json:"bucket" yaml:"bucket"`

	// DestinationBucket, when set, must equal Bucket. The engine rewrites
	// metadata in place; a differing destination is a configuration error.
	DestinationBucket string `json:"destination_bucket,omitempty" yaml:"destination_bucket,omitempty"`

	// Region is the bucket region (e.g., "eu-de", "us-east-1"). Optional.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// Endpoint is a custom endpoint URL for S3-compatible storage.
	// Optional. When APIKey auth is used and Endpoint is empty, the IBM
	// COS regional endpoint is derived from Region.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// APIKey is an IBM IAM API key exchanged for a bearer token.
	// Use "${GOCIRRUS_API_KEY}" to pull it from the environment.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// Profile is the AWS credential profile name. Optional.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// AccessKeyID and SecretAccessKey are static HMAC credentials.
	// Both must be set together.
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`

	// KeyProtectCRN is an IBM Key Protect root key CRN. When set, copies
	// request SSE with this key so re-stamped objects stay encrypted.
	KeyProtectCRN string `json:"key_protect_crn,omitempty" yaml:"key_protect_crn,omitempty"`
}

// CredentialStyle identifies how a connection authenticates.
type CredentialStyle string

const (
	// CredentialAmbient uses the default AWS credential chain.
	CredentialAmbient CredentialStyle = "ambient"

	// CredentialAPIKey uses IBM IAM token exchange.
	CredentialAPIKey CredentialStyle = "api_key"

	// CredentialProfile uses an AWS shared-config profile.
	CredentialProfile CredentialStyle = "profile"

	// CredentialStatic uses explicit HMAC keys.
	CredentialStatic CredentialStyle = "static"
)

// ResolveCredentialStyle reports which credential style the connection
// uses. Exclusivity is enforced during validation; when multiple are
// set this returns the first match in api_key, profile, static order.
func (c *ConnectionConfig) ResolveCredentialStyle() CredentialStyle {
	switch {
	case c.APIKey != "":
		return CredentialAPIKey
	case c.Profile != "":
		return CredentialProfile
	case c.AccessKeyID != "" || c.SecretAccessKey != "":
		return CredentialStatic
	default:
		return CredentialAmbient
	}
}

// ScopeConfig restricts the migration to a subset of the bucket's keys.
//
// An empty scope covers the whole bucket. Prefix narrows the listing
// itself; includes/excludes and filters narrow which listed keys are
// re-stamped.
type ScopeConfig struct {
	// Prefix restricts listing to keys under this prefix.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Includes is a list of glob patterns for keys to migrate. Optional;
	// when empty, every listed key is in scope.
	Includes []string `json:"includes,omitempty" yaml:"includes,omitempty"`

	// Excludes is a list of glob patterns for keys to skip. Optional.
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	// IncludeHidden includes hidden keys (path segments starting with .).
	// Default: true. A migration must cover the whole bucket unless told
	// otherwise, so hidden keys are in scope by default.
	IncludeHidden *bool `json:"include_hidden,omitempty" yaml:"include_hidden,omitempty"`

	// ModifiedBefore limits the scope to objects last modified before
	// this instant. ISO 8601: "2024-01-15" or "2024-01-15T10:30:00Z".
	// Shorthand for filters.modified.before.
	ModifiedBefore string `json:"modified_before,omitempty" yaml:"modified_before,omitempty"`

	// Filters specifies additional metadata-based filters. Optional.
	// Filters are applied after glob pattern matching with AND semantics.
	Filters *FilterConfig `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// IncludeHiddenEnabled returns whether hidden keys are in scope.
// Returns the configured value, or DefaultIncludeHidden if not set.
func (s *ScopeConfig) IncludeHiddenEnabled() bool {
	if s.IncludeHidden == nil {
		return DefaultIncludeHidden
	}
	return *s.IncludeHidden
}

// EffectiveFilters merges the ModifiedBefore shorthand into the filter
// configuration. Returns nil when no filters apply.
func (s *ScopeConfig) EffectiveFilters() *FilterConfig {
	if s.ModifiedBefore == "" {
		return s.Filters
	}

	merged := FilterConfig{}
	if s.Filters != nil {
		merged = *s.Filters
	}
	if merged.Modified == nil {
		merged.Modified = &DateFilterConfig{}
	} else {
		mod := *merged.Modified
		merged.Modified = &mod
	}
	if merged.Modified.Before == "" {
		merged.Modified.Before = s.ModifiedBefore
	}
	return &merged
}

// FilterConfig specifies metadata-based object filters.
// All filters are optional and compose with AND semantics.
type FilterConfig struct {
	// Size specifies min/max size constraints.
	// Supports human-readable values: "1KB", "100MiB", "1GB".
	Size *SizeFilterConfig `json:"size,omitempty" yaml:"size,omitempty"`

	// Modified specifies last-modified date range constraints.
	// Dates are in ISO 8601 format: "2024-01-15" or "2024-01-15T10:30:00Z".
	Modified *DateFilterConfig `json:"modified,omitempty" yaml:"modified,omitempty"`

	// KeyRegex is a regex pattern applied to object keys after glob matching.
	// Use for patterns not expressible with globs, e.g., "TXN-\\d{8}".
	KeyRegex string `json:"key_regex,omitempty" yaml:"key_regex,omitempty"`
}

// SizeFilterConfig specifies size constraints.
type SizeFilterConfig struct {
	// Min is the minimum size (inclusive).
	// Supports: raw bytes "1024", base-10 "1KB", base-2 "1KiB".
	Min string `json:"min,omitempty" yaml:"min,omitempty"`

	// Max is the maximum size (inclusive).
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// DateFilterConfig specifies date range constraints.
type DateFilterConfig struct {
	// After filters to objects modified at or after this time (inclusive).
	After string `json:"after,omitempty" yaml:"after,omitempty"`

	// Before filters to objects modified before this time (exclusive end).
	Before string `json:"before,omitempty" yaml:"before,omitempty"`
}

// Traversal modes for MigrateConfig.
const (
	// TraversalFlat lists the whole scope as one paginated stream.
	TraversalFlat = "flat"

	// TraversalFolder discovers the folder tree first, then processes
	// one folder at a time with per-folder checkpoints.
	TraversalFolder = "folder"
)

// MigrateConfig configures migration behavior.
//
// All fields are optional with sensible defaults applied during loading.
type MigrateConfig struct {
	// BatchSize is the listing page size; each page is processed as one
	// batch. Range: 1-1000. Default: 200.
	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`

	// MaxRetries is the number of retries after a failed copy attempt
	// (total attempts = MaxRetries + 1). Default: 3. Zero disables
	// retries.
	MaxRetries *int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// BackoffFactor is the base delay for exponential retry backoff
	// (delay = factor * 2^(attempt-1)), as a Go duration string.
	// Default: "2s".
	BackoffFactor string `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`

	// ThrottleDelay is the minimum gap between storage API calls, as a
	// Go duration string. "0s" disables throttling. Default: "100ms".
	ThrottleDelay string `json:"throttle_delay,omitempty" yaml:"throttle_delay,omitempty"`

	// AdaptiveThrottle doubles the throttle delay on rate-limit errors
	// and decays it back after successes. Default: true. When false the
	// configured delay is used as-is.
	AdaptiveThrottle *bool `json:"adaptive_throttle,omitempty" yaml:"adaptive_throttle,omitempty"`

	// Traversal selects the listing strategy: "flat" or "folder".
	// Default: "flat".
	Traversal string `json:"traversal,omitempty" yaml:"traversal,omitempty"`

	// FinalRetryPass re-drives the failed partition once at the end of a
	// normal run. Default: false.
	FinalRetryPass bool `json:"final_retry_pass,omitempty" yaml:"final_retry_pass,omitempty"`
}

// RetryCount returns the configured retry count, or DefaultMaxRetries
// if not set.
func (c *MigrateConfig) RetryCount() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// BackoffDuration parses the backoff factor. Call after ApplyDefaults
// so the field is never empty.
func (c *MigrateConfig) BackoffDuration() (time.Duration, error) {
	return time.ParseDuration(c.BackoffFactor)
}

// ThrottleDuration parses the throttle delay. Call after ApplyDefaults
// so the field is never empty.
func (c *MigrateConfig) ThrottleDuration() (time.Duration, error) {
	return time.ParseDuration(c.ThrottleDelay)
}

// AdaptiveThrottleEnabled returns whether the throttle adapts to
// rate-limit feedback. Returns the configured value, or
// DefaultAdaptiveThrottle if not set.
func (c *MigrateConfig) AdaptiveThrottleEnabled() bool {
	if c.AdaptiveThrottle == nil {
		return DefaultAdaptiveThrottle
	}
	return *c.AdaptiveThrottle
}

// FolderByFolder reports whether the folder traversal variant is
// selected.
func (c *MigrateConfig) FolderByFolder() bool {
	return c.Traversal == TraversalFolder
}

// LedgerConfig configures the on-disk key ledger.
type LedgerConfig struct {
	// Dir is the directory holding the copied_keys/ and failed_keys/
	// partitions, run logs, and the structure file. Default: ".".
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// MaxKeysPerFile is the rotation threshold for ledger key files.
	// Default: 1000.
	MaxKeysPerFile int `json:"max_keys_per_file,omitempty" yaml:"max_keys_per_file,omitempty"`
}

// PreflightConfig controls how aggressively gocirrus probes permissions
// before a run.
//
// Preflight is a capability contract, not a data operation.
//   - plan-only: no provider calls
//   - read-safe: listing and head checks, no writes
//   - copy-probe: explicit opt-in single in-place copy to prove the
//     copy+replace path end to end
//
// Values are schema-validated.
type PreflightConfig struct {
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`

	// ProbeKey is the key copy-probe re-stamps. When empty, the first
	// listed key in scope is used.
	ProbeKey string `json:"probe_key,omitempty" yaml:"probe_key,omitempty"`
}

// OutputConfig configures output destination and format.
//
// All fields are optional with sensible defaults applied during loading.
type OutputConfig struct {
	// Destination is the output target.
	// Values: "stdout" or "file:/path/to/output.jsonl"
	// Default: "stdout".
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`

	// Progress enables progress record emission during the run.
	// Default: true.
	Progress *bool `json:"progress,omitempty" yaml:"progress,omitempty"`

	// ProgressEvery controls progress record frequency. A progress
	// record is emitted every N processed keys. Default: 100.
	ProgressEvery int `json:"progress_every,omitempty" yaml:"progress_every,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultIncludeHidden keeps hidden keys in scope.
	DefaultIncludeHidden = true

	// DefaultBatchSize is the default listing page size.
	DefaultBatchSize = 200

	// DefaultMaxRetries is the default retry count per key.
	DefaultMaxRetries = 3

	// DefaultBackoffFactor is the default base delay for retry backoff.
	DefaultBackoffFactor = "2s"

	// DefaultThrottleDelay is the default minimum gap between API calls.
	DefaultThrottleDelay = "100ms"

	// DefaultAdaptiveThrottle enables throttle adaptation.
	DefaultAdaptiveThrottle = true

	// DefaultTraversal is the default listing strategy.
	DefaultTraversal = TraversalFlat

	// DefaultLedgerDir is the default ledger directory.
	DefaultLedgerDir = "."

	// DefaultMaxKeysPerFile is the default ledger rotation threshold.
	DefaultMaxKeysPerFile = 1000

	// DefaultPreflightMode is the default preflight mode.
	DefaultPreflightMode = "read-safe"

	// DefaultDestination is the default output destination.
	DefaultDestination = "stdout"

	// DefaultProgress is the default value for progress emission.
	DefaultProgress = true

	// DefaultProgressEvery is the default progress emission frequency.
	DefaultProgressEvery = 100
)

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest to ensure
// all optional fields have sensible values.
func (m *Manifest) ApplyDefaults() {
	// Migrate defaults
	if m.Migrate.BatchSize == 0 {
		m.Migrate.BatchSize = DefaultBatchSize
	}
	if m.Migrate.MaxRetries == nil {
		retries := DefaultMaxRetries
		m.Migrate.MaxRetries = &retries
	}
	if m.Migrate.BackoffFactor == "" {
		m.Migrate.BackoffFactor = DefaultBackoffFactor
	}
	if m.Migrate.ThrottleDelay == "" {
		m.Migrate.ThrottleDelay = DefaultThrottleDelay
	}
	if m.Migrate.AdaptiveThrottle == nil {
		adaptive := DefaultAdaptiveThrottle
		m.Migrate.AdaptiveThrottle = &adaptive
	}
	if m.Migrate.Traversal == "" {
		m.Migrate.Traversal = DefaultTraversal
	}

	// Scope defaults
	if m.Scope.IncludeHidden == nil {
		hidden := DefaultIncludeHidden
		m.Scope.IncludeHidden = &hidden
	}

	// Ledger defaults
	if m.Ledger.Dir == "" {
		m.Ledger.Dir = DefaultLedgerDir
	}
	if m.Ledger.MaxKeysPerFile == 0 {
		m.Ledger.MaxKeysPerFile = DefaultMaxKeysPerFile
	}

	// Preflight defaults (schema applies defaults too, but we normalize
	// here so callers don't need to reason about empty strings).
	if m.Preflight.Mode == "" {
		m.Preflight.Mode = DefaultPreflightMode
	}

	// Output defaults
	if m.Output.Destination == "" {
		m.Output.Destination = DefaultDestination
	}
	if m.Output.Progress == nil {
		progress := DefaultProgress
		m.Output.Progress = &progress
	}
	if m.Output.ProgressEvery == 0 {
		m.Output.ProgressEvery = DefaultProgressEvery
	}
}

// ProgressEnabled returns whether progress records should be emitted.
// Returns the configured value, or DefaultProgress if not set.
func (o *OutputConfig) ProgressEnabled() bool {
	if o.Progress == nil {
		return DefaultProgress
	}
	return *o.Progress
}
