package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocirrus/internal/config"
	"github.com/3leaps/gocirrus/internal/observability"
	"github.com/3leaps/gocirrus/internal/status"
	"github.com/3leaps/gocirrus/pkg/ledger"
	"github.com/3leaps/gocirrus/pkg/manifest"
	"github.com/3leaps/gocirrus/pkg/match"
	"github.com/3leaps/gocirrus/pkg/migrate"
	"github.com/3leaps/gocirrus/pkg/output"
	"github.com/3leaps/gocirrus/pkg/preflight"
	"github.com/3leaps/gocirrus/pkg/provider/s3"
	"github.com/3leaps/gocirrus/pkg/runstate"
)

var runCmd = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Run a migration job from a manifest",
	Long: `Run a migration job as defined in a YAML or JSON manifest file.

Every object in scope is copied onto itself with replaced metadata so
the bucket's lifecycle rule picks it up for archive tiering. Outcomes
are recorded in the key ledger; failed keys can be re-driven later
with "gocirrus retry".

Example:
  gocirrus run job.yaml
  gocirrus run job.yaml --resume
  gocirrus run job.yaml --dry-run
  gocirrus run job.yaml --status-addr :8080 --output file:results.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runResume     bool
	runDryRun     bool
	runOutput     string
	runStatusAddr string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runResume, "resume", false, "Resume from the saved checkpoint and skip keys already recorded as copied")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "List and classify keys without copying anything")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Override output destination")
	runCmd.Flags().StringVar(&runStatusAddr, "status-addr", "", "Serve health and progress endpoints on this address during the run")
}

// runOptions carries the per-invocation flags into the execution path.
type runOptions struct {
	resume     bool
	dryRun     bool
	statusAddr string
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := loadJob(args[0])
	if err != nil {
		return err
	}

	// Apply output override if specified
	if runOutput != "" {
		m.Output.Destination = runOutput
	}

	if IsReadOnly() && !runDryRun {
		observability.CLILogger.Error("Readonly mode blocks migration runs")
		return exitError(foundry.ExitInvalidArgument, "Readonly mode blocks migration runs",
			errors.New("pass --dry-run or disable readonly"))
	}

	return executeRun(ctx, m, runOptions{
		resume:     runResume,
		dryRun:     runDryRun,
		statusAddr: runStatusAddr,
	})
}

// loadJob loads a manifest, overlays environment settings, and
// re-validates the result. A credential provided through the
// environment replaces the manifest's credential choice entirely.
func loadJob(path string) (*manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", path),
			zap.Error(err))
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	settings, err := config.FromEnv()
	if err != nil {
		observability.CLILogger.Error("Failed to read environment settings", zap.Error(err))
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid environment settings", err)
	}
	settings.Apply(m)

	if err := manifest.Validate(m); err != nil {
		observability.CLILogger.Error("Manifest invalid after environment overrides",
			zap.String("path", path),
			zap.Error(err))
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", path),
		zap.String("provider", m.Connection.Provider),
		zap.String("bucket", m.Connection.Bucket),
		zap.String("prefix", m.Scope.Prefix),
		zap.String("credentials", string(m.Connection.ResolveCredentialStyle())))

	return m, nil
}

// executeRun drives a full migration pass.
func executeRun(ctx context.Context, m *manifest.Manifest, opts runOptions) error {
	// Generate job ID early so we can use it in writer
	jobID := uuid.New().String()

	prov, err := createProvider(ctx, m)
	if err != nil {
		observability.CLILogger.Error("Failed to create provider", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to storage provider", err)
	}
	defer func() { _ = prov.Close() }()

	matcher, err := buildMatcher(m)
	if err != nil {
		observability.CLILogger.Error("Failed to create matcher", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid scope patterns", err)
	}

	filter, err := buildScopeFilter(m)
	if err != nil {
		observability.CLILogger.Error("Invalid filters", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid filters", err)
	}

	writer, cleanup, err := createWriter(m, jobID)
	if err != nil {
		observability.CLILogger.Error("Failed to create writer", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	led, err := ledger.Open(m.Ledger.Dir, m.Ledger.MaxKeysPerFile)
	if err != nil {
		observability.CLILogger.Error("Failed to open ledger",
			zap.String("dir", m.Ledger.Dir),
			zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to open key ledger", err)
	}

	st, err := openState(ctx, m)
	if err != nil {
		observability.CLILogger.Error("Failed to open run state", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to open run state", err)
	}
	defer func() { _ = st.Close() }()

	if !opts.resume {
		// A fresh run covers the key space from the start. Drop any
		// checkpoint left by an interrupted run so its token cannot
		// skip ahead.
		if err := st.ClearContinuation(ctx); err != nil {
			observability.CLILogger.Error("Failed to clear checkpoint", zap.Error(err))
			return exitError(foundry.ExitFileWriteError, "Failed to clear checkpoint", err)
		}
	}

	if !opts.dryRun {
		logPath, err := observability.InitRunLogger(m.Ledger.Dir, "run", verbose)
		if err != nil {
			observability.CLILogger.Error("Failed to open run log", zap.Error(err))
			return exitError(foundry.ExitFileWriteError, "Failed to open run log", err)
		}
		observability.CLILogger.Info("Run log opened", zap.String("path", logPath))
	}

	if err := runPreflight(ctx, m, prov, writer, opts.dryRun); err != nil {
		return err
	}

	engCfg, err := engineConfig(m, opts)
	if err != nil {
		observability.CLILogger.Error("Invalid migrate settings", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid migrate settings", err)
	}

	eng := migrate.New(prov, led, writer, jobID, engCfg)
	if matcher != nil {
		eng.WithMatcher(matcher)
	}
	if filter != nil {
		eng.WithFilter(filter)
	}
	eng.WithState(st)

	if opts.statusAddr != "" {
		stop := startStatusServer(opts.statusAddr, eng)
		defer stop()
	}

	observability.CLILogger.Info("Starting migration",
		zap.String("job_id", jobID),
		zap.String("bucket", m.Connection.Bucket),
		zap.String("prefix", m.Scope.Prefix),
		zap.Bool("dry_run", opts.dryRun),
		zap.Bool("resume", opts.resume))

	summary, err := eng.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			fields := []zap.Field{zap.String("job_id", jobID)}
			if summary != nil {
				fields = append(fields,
					zap.Int64("objects_seen", summary.ObjectsSeen),
					zap.Int64("copied", summary.Copied))
			}
			observability.CLILogger.Warn("Migration cancelled; checkpoint saved", fields...)
			return exitError(foundry.ExitSignalInt, "Migration cancelled", err)
		}
		observability.CLILogger.Error("Migration failed",
			zap.String("job_id", jobID),
			zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Migration failed", err)
	}

	// Per-key failures live in the ledger, not the exit code. A run
	// that covered the whole key space exits zero even when some keys
	// failed and are waiting for a retry pass.
	observability.CLILogger.Info("Migration completed",
		zap.String("job_id", jobID),
		zap.String("mode", summary.Mode),
		zap.Int64("objects_seen", summary.ObjectsSeen),
		zap.Int64("copied", summary.Copied),
		zap.Int64("failed", summary.Failed),
		zap.Int64("skipped", summary.Skipped),
		zap.Duration("duration", summary.Duration))

	return nil
}

// startStatusServer serves health and progress endpoints for the
// duration of a pass. The returned function stops the server.
func startStatusServer(addr string, eng *migrate.Engine) func() {
	srv := status.New(addr, eng)
	go func() {
		if err := srv.Start(); err != nil {
			observability.CLILogger.Warn("Status server stopped", zap.Error(err))
		}
	}()
	observability.CLILogger.Info("Status endpoints available", zap.String("addr", addr))

	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
}

// runPreflight verifies provider permissions before any key is touched.
// The record is emitted even when a check fails so the operator sees
// which capability was denied.
func runPreflight(ctx context.Context, m *manifest.Manifest, prov *s3.Provider, writer output.Writer, dryRun bool) error {
	mode := preflight.Mode(m.Preflight.Mode)
	if dryRun && mode == preflight.ModeCopyProbe {
		// A dry run must not write, so the probe copy is downgraded.
		mode = preflight.ModeReadSafe
	}

	rec, pfErr := preflight.Check(ctx, prov, m.Scope.Prefix, preflight.Spec{
		Mode:     mode,
		ProbeKey: m.Preflight.ProbeKey,
	})
	if rec != nil {
		if err := writer.WritePreflight(ctx, rec); err != nil {
			observability.CLILogger.Warn("Failed to write preflight record", zap.Error(err))
		}
	}
	if pfErr != nil {
		observability.CLILogger.Error("Preflight failed", zap.Error(pfErr))
		return exitError(foundry.ExitExternalServiceUnavailable, "Preflight failed", pfErr)
	}
	return nil
}

// engineConfig maps manifest settings and flags onto the engine
// configuration.
func engineConfig(m *manifest.Manifest, opts runOptions) (migrate.Config, error) {
	backoff, err := m.Migrate.BackoffDuration()
	if err != nil {
		return migrate.Config{}, fmt.Errorf("backoff_factor: %w", err)
	}
	delay, err := m.Migrate.ThrottleDuration()
	if err != nil {
		return migrate.Config{}, fmt.Errorf("throttle_delay: %w", err)
	}

	prefix := m.Scope.Prefix
	if prefix == "" && len(m.Scope.Includes) > 0 {
		// A prefix shared by every include pattern narrows the listing
		// so a scoped job does not walk the whole bucket. Broader
		// pattern sets fall back to matcher filtering over a full
		// listing.
		if derived := match.DerivePrefixes(m.Scope.Includes); len(derived) == 1 && derived[0] != "" {
			prefix = derived[0]
		}
	}

	return migrate.Config{
		BatchSize:      m.Migrate.BatchSize,
		MaxRetries:     m.Migrate.RetryCount(),
		BackoffFactor:  backoff,
		ThrottleDelay:  delay,
		FixedThrottle:  !m.Migrate.AdaptiveThrottleEnabled(),
		Prefix:         prefix,
		DryRun:         opts.dryRun,
		FolderByFolder: m.Migrate.FolderByFolder(),
		SkipCopied:     opts.resume,
		FinalRetryPass: m.Migrate.FinalRetryPass,
		ProgressEvery:  m.Output.ProgressEvery,
	}, nil
}

// buildMatcher compiles the scope's glob patterns. A scope with no
// patterns and hidden keys allowed needs no matcher at all: every
// listed key is migrated.
func buildMatcher(m *manifest.Manifest) (*match.Matcher, error) {
	includes := m.Scope.Includes
	hidden := m.Scope.IncludeHiddenEnabled()

	if len(includes) == 0 {
		if hidden && len(m.Scope.Excludes) == 0 {
			return nil, nil
		}
		// Exclusions and hidden-key handling are enforced by the
		// matcher, so synthesize a match-everything include to carry
		// them.
		includes = []string{"**"}
	}

	return match.New(match.Config{
		Includes:      includes,
		Excludes:      m.Scope.Excludes,
		IncludeHidden: hidden,
	})
}

// buildScopeFilter converts manifest filter settings into a composite
// metadata filter. Returns nil when the scope has no filters.
func buildScopeFilter(m *manifest.Manifest) (*match.CompositeFilter, error) {
	f := m.Scope.EffectiveFilters()
	if f == nil {
		return nil, nil
	}

	cfg := &match.FilterConfig{
		KeyRegex: f.KeyRegex,
	}

	if f.Size != nil {
		cfg.Size = &match.SizeFilterConfig{
			Min: f.Size.Min,
			Max: f.Size.Max,
		}
	}

	if f.Modified != nil {
		cfg.Modified = &match.DateFilterConfig{
			After:  f.Modified.After,
			Before: f.Modified.Before,
		}
	}

	return match.NewFilterFromConfig(cfg)
}

// createProvider creates a storage provider from manifest configuration.
func createProvider(ctx context.Context, m *manifest.Manifest) (*s3.Provider, error) {
	cfg := s3.Config{
		Bucket:          m.Connection.Bucket,
		Region:          m.Connection.Region,
		Endpoint:        m.Connection.Endpoint,
		Profile:         m.Connection.Profile,
		AccessKeyID:     m.Connection.AccessKeyID,
		SecretAccessKey: m.Connection.SecretAccessKey,
		APIKey:          m.Connection.APIKey,
		KeyProtectCRN:   m.Connection.KeyProtectCRN,
		// Force path-style URLs when custom endpoint is set.
		// S3-compatible services (IBM COS, MinIO, moto) require this.
		ForcePathStyle: m.Connection.Endpoint != "",
	}
	return s3.New(ctx, cfg)
}

// createWriter creates an output writer from manifest configuration.
// Returns the writer, a cleanup function, and any error.
func createWriter(m *manifest.Manifest, jobID string) (output.Writer, func(), error) {
	dest := m.Output.Destination
	provider := m.Connection.Provider

	newWriter := func(w io.Writer) *output.JSONLWriter {
		jw := output.NewJSONLWriter(w, jobID, provider)
		if !m.Output.ProgressEnabled() {
			jw.WithoutProgress()
		}
		return jw
	}

	// Parse destination
	if dest == "" || dest == "stdout" {
		w := newWriter(os.Stdout)
		return w, func() { _ = w.Close() }, nil
	}

	// Handle file: prefix
	path := dest
	if strings.HasPrefix(dest, "file:") {
		path = strings.TrimPrefix(dest, "file:")
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := newWriter(f)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}

// openState opens the checkpoint database inside the ledger directory.
func openState(ctx context.Context, m *manifest.Manifest) (*runstate.Store, error) {
	return runstate.Open(ctx, runstate.Config{
		Path: filepath.Join(m.Ledger.Dir, runstate.DefaultFileName),
	})
}
