package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocirrus/internal/observability"
	"github.com/3leaps/gocirrus/pkg/ledger"
	"github.com/3leaps/gocirrus/pkg/migrate"
	"github.com/3leaps/gocirrus/pkg/runstate"
)

var statsCmd = &cobra.Command{
	Use:   "stats <manifest>",
	Short: "Summarize ledger and checkpoint state",
	Long: `Summarize the on-disk state of a migration: ledger partition counts,
folder structure progress, the saved checkpoint, and cumulative run
counters. Reads local state only; no storage API calls are made.

Example:
  gocirrus stats job.yaml
  gocirrus stats job.yaml --failed 50`,
	Args: cobra.ExactArgs(1),
	RunE: runStats,
}

var statsFailedLimit int

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().IntVar(&statsFailedLimit, "failed", 10, "Number of failed keys to list (0 disables)")
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := loadJob(args[0])
	if err != nil {
		return err
	}

	if _, err := os.Stat(m.Ledger.Dir); err != nil {
		observability.CLILogger.Error("Ledger directory not found",
			zap.String("dir", m.Ledger.Dir))
		return exitError(foundry.ExitFileNotFound, "No ledger state found; run a migration first", err)
	}

	led, err := ledger.Open(m.Ledger.Dir, m.Ledger.MaxKeysPerFile)
	if err != nil {
		observability.CLILogger.Error("Failed to open ledger",
			zap.String("dir", m.Ledger.Dir),
			zap.Error(err))
		return exitError(foundry.ExitFileReadError, "Failed to open key ledger", err)
	}

	copied, err := led.Count(ledger.Copied)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read copied partition", err)
	}
	failed, err := led.Count(ledger.Failed)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read failed partition", err)
	}
	copiedFiles, err := led.Files(ledger.Copied)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read copied partition", err)
	}
	failedFiles, err := led.Files(ledger.Failed)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read failed partition", err)
	}

	fmt.Println("=== Migration State ===")
	fmt.Println()
	fmt.Printf("Ledger:      %s\n", led.Root())
	fmt.Printf("Copied:      %d keys in %d files\n", copied, len(copiedFiles))
	fmt.Printf("Failed:      %d keys in %d files\n", failed, len(failedFiles))

	structure, err := migrate.LoadStructure(filepath.Join(led.Root(), migrate.StructureFileName))
	switch {
	case err == nil:
		folders := structure.Folders()
		resolved := 0
		for _, f := range folders {
			if n, _ := structure.Count(f); n > 0 {
				resolved++
			}
		}
		fmt.Printf("Structure:   %d folders, %d resolved\n", len(folders), resolved)
	case errors.Is(err, fs.ErrNotExist):
		// Flat-traversal runs never write a structure ledger.
	default:
		return exitError(foundry.ExitFileReadError, "Failed to read structure ledger", err)
	}

	dbPath := filepath.Join(m.Ledger.Dir, runstate.DefaultFileName)
	if _, err := os.Stat(dbPath); errors.Is(err, fs.ErrNotExist) {
		fmt.Println("Checkpoint:  none")
		return nil
	}

	stateStore, err := runstate.Open(ctx, runstate.Config{Path: dbPath})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open run state", err)
	}
	defer func() { _ = stateStore.Close() }()

	cont, err := stateStore.Continuation(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read checkpoint", err)
	}
	if cont != nil {
		line := fmt.Sprintf("Checkpoint:  saved %s", cont.SavedAt.UTC().Format(time.RFC3339))
		if cont.Prefix != "" {
			line += fmt.Sprintf(" (prefix %q)", cont.Prefix)
		}
		fmt.Println(line)
	} else {
		fmt.Println("Checkpoint:  none")
	}

	if rs, err := stateStore.Stats(ctx); err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read run counters", err)
	} else if rs != nil {
		fmt.Println()
		fmt.Println("Cumulative:")
		fmt.Printf("  Objects seen: %d\n", rs.ObjectsSeen)
		fmt.Printf("  Copied:       %d\n", rs.Copied)
		fmt.Printf("  Failed:       %d\n", rs.Failed)
		fmt.Printf("  Skipped:      %d\n", rs.Skipped)
		fmt.Printf("  Batches:      %d\n", rs.Batches)
		if !rs.StartedAt.IsZero() {
			fmt.Printf("  Started:      %s\n", rs.StartedAt.UTC().Format(time.RFC3339))
			fmt.Printf("  Updated:      %s\n", rs.UpdatedAt.UTC().Format(time.RFC3339))
		}
	}

	if statsFailedLimit > 0 && failed > 0 {
		keys, err := led.Keys(ledger.Failed)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read failed partition", err)
		}

		// The checkpoint database carries error detail the ledger's
		// line format cannot hold.
		detail := make(map[string]runstate.FailedKey)
		if fks, err := stateStore.FailedKeys(ctx); err == nil {
			for _, fk := range fks {
				detail[fk.Key] = fk
			}
		}

		fmt.Println()
		fmt.Printf("Failed keys (%d):\n", failed)
		shown := keys
		if len(shown) > statsFailedLimit {
			shown = shown[:statsFailedLimit]
		}
		for _, k := range shown {
			if fk, ok := detail[k]; ok && fk.Error != "" {
				fmt.Printf("  %s  (%d attempts: %s)\n", k, fk.Attempts, fk.Error)
			} else {
				fmt.Printf("  %s\n", k)
			}
		}
		if len(keys) > len(shown) {
			fmt.Printf("  ... and %d more\n", len(keys)-len(shown))
		}
	}

	return nil
}
