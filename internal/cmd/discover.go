package cmd

import (
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocirrus/internal/observability"
	"github.com/3leaps/gocirrus/pkg/ledger"
	"github.com/3leaps/gocirrus/pkg/migrate"
)

var discoverCmd = &cobra.Command{
	Use:   "discover <manifest>",
	Short: "Enumerate the folder tree and persist the structure ledger",
	Long: `Walk the bucket's folder tree under the scope prefix using delimiter
listing and persist the discovered structure to the ledger directory.
One folder record is emitted per folder with its direct object count.
Nothing is copied.

A folder-traversal run performs this discovery itself when no structure
file exists; discover lets you inspect the tree first.

Example:
  gocirrus discover job.yaml
  gocirrus discover job.yaml --output file:folders.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runDiscover,
}

var discoverOutput string

func init() {
	rootCmd.AddCommand(discoverCmd)

	discoverCmd.Flags().StringVarP(&discoverOutput, "output", "o", "", "Override output destination")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := loadJob(args[0])
	if err != nil {
		return err
	}

	if discoverOutput != "" {
		m.Output.Destination = discoverOutput
	}

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

	logPath, err := observability.InitRunLogger(m.Ledger.Dir, "discover", verbose)
	if err != nil {
		observability.CLILogger.Error("Failed to open run log", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to open run log", err)
	}
	observability.CLILogger.Info("Run log opened", zap.String("path", logPath))

	engCfg, err := engineConfig(m, runOptions{})
	if err != nil {
		observability.CLILogger.Error("Invalid migrate settings", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid migrate settings", err)
	}

	eng := migrate.New(prov, led, writer, jobID, engCfg)

	observability.CLILogger.Info("Starting discovery",
		zap.String("job_id", jobID),
		zap.String("bucket", m.Connection.Bucket),
		zap.String("prefix", m.Scope.Prefix))

	structure, err := eng.RunDiscover(ctx)
	if err != nil {
		if ctx.Err() != nil {
			observability.CLILogger.Warn("Discovery cancelled", zap.String("job_id", jobID))
			return exitError(foundry.ExitSignalInt, "Discovery cancelled", err)
		}
		observability.CLILogger.Error("Discovery failed",
			zap.String("job_id", jobID),
			zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Discovery failed", err)
	}

	observability.CLILogger.Info("Discovery completed",
		zap.String("job_id", jobID),
		zap.Int("folders", len(structure.Folders())),
		zap.String("structure", filepath.Join(led.Root(), migrate.StructureFileName)))

	return nil
}
