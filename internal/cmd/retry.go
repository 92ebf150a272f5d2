package cmd

import (
	"context"
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocirrus/internal/observability"
	"github.com/3leaps/gocirrus/pkg/ledger"
	"github.com/3leaps/gocirrus/pkg/manifest"
	"github.com/3leaps/gocirrus/pkg/migrate"
)

var retryCmd = &cobra.Command{
	Use:   "retry <manifest>",
	Short: "Re-drive failed keys from the ledger",
	Long: `Re-drive every key in the ledger's failed partition through the copy
operation. Keys that succeed are removed from the failed partition;
keys that fail again stay for the next pass.

Example:
  gocirrus retry job.yaml
  gocirrus retry job.yaml --status-addr :8080 --output file:retry.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

var (
	retryOutput     string
	retryStatusAddr string
)

func init() {
	rootCmd.AddCommand(retryCmd)

	retryCmd.Flags().StringVarP(&retryOutput, "output", "o", "", "Override output destination")
	retryCmd.Flags().StringVar(&retryStatusAddr, "status-addr", "", "Serve health and progress endpoints on this address during the pass")
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := loadJob(args[0])
	if err != nil {
		return err
	}

	if retryOutput != "" {
		m.Output.Destination = retryOutput
	}

	if IsReadOnly() {
		observability.CLILogger.Error("Readonly mode blocks retry passes")
		return exitError(foundry.ExitInvalidArgument, "Readonly mode blocks retry passes",
			errors.New("disable readonly to re-drive failed keys"))
	}

	return executeRetry(ctx, m)
}

// executeRetry drives a retry pass over the failed partition.
func executeRetry(ctx context.Context, m *manifest.Manifest) error {
	jobID := uuid.New().String()

	prov, err := createProvider(ctx, m)
	if err != nil {
		observability.CLILogger.Error("Failed to create provider", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to storage provider", err)
	}
	defer func() { _ = prov.Close() }()

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

	// The run checkpoint is left untouched: a retry pass reads the
	// failed partition, not the bucket listing, so an interrupted run
	// can still resume afterwards.
	st, err := openState(ctx, m)
	if err != nil {
		observability.CLILogger.Error("Failed to open run state", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to open run state", err)
	}
	defer func() { _ = st.Close() }()

	logPath, err := observability.InitRunLogger(m.Ledger.Dir, "retry", verbose)
	if err != nil {
		observability.CLILogger.Error("Failed to open run log", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to open run log", err)
	}
	observability.CLILogger.Info("Run log opened", zap.String("path", logPath))

	if err := runPreflight(ctx, m, prov, writer, false); err != nil {
		return err
	}

	engCfg, err := engineConfig(m, runOptions{})
	if err != nil {
		observability.CLILogger.Error("Invalid migrate settings", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid migrate settings", err)
	}

	// No matcher or filter: the failed partition already reflects the
	// scope decisions of the run that recorded it.
	eng := migrate.New(prov, led, writer, jobID, engCfg)
	eng.WithState(st)

	if retryStatusAddr != "" {
		stop := startStatusServer(retryStatusAddr, eng)
		defer stop()
	}

	observability.CLILogger.Info("Starting retry pass",
		zap.String("job_id", jobID),
		zap.String("bucket", m.Connection.Bucket))

	summary, err := eng.RunRetry(ctx)
	if err != nil {
		if ctx.Err() != nil {
			observability.CLILogger.Warn("Retry pass cancelled", zap.String("job_id", jobID))
			return exitError(foundry.ExitSignalInt, "Retry pass cancelled", err)
		}
		observability.CLILogger.Error("Retry pass failed",
			zap.String("job_id", jobID),
			zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Retry pass failed", err)
	}

	observability.CLILogger.Info("Retry pass completed",
		zap.String("job_id", jobID),
		zap.Int64("keys_retried", summary.ObjectsSeen),
		zap.Int64("resolved", summary.Copied),
		zap.Int64("still_failed", summary.Failed),
		zap.Duration("duration", summary.Duration))

	return nil
}
