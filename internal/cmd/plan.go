package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/gocirrus/pkg/manifest"
)

var planCmd = &cobra.Command{
	Use:   "plan <manifest>",
	Short: "Show the resolved migration plan without executing",
	Long: `Validate a manifest and print the fully resolved migration plan:
connection, scope, tuning, ledger, and output settings after defaults
and environment overrides are applied. No storage API calls are made.

For a per-key preview that lists the bucket, use "gocirrus run --dry-run".

Example:
  gocirrus plan job.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	m, err := loadJob(args[0])
	if err != nil {
		return err
	}
	return showPlan(m)
}

// showPlan displays the resolved migration plan.
func showPlan(m *manifest.Manifest) error {
	fmt.Println("=== Migration Plan ===")
	fmt.Println()
	fmt.Printf("Provider:    %s\n", m.Connection.Provider)
	fmt.Printf("Bucket:      %s\n", m.Connection.Bucket)
	if m.Connection.Region != "" {
		fmt.Printf("Region:      %s\n", m.Connection.Region)
	}
	if m.Connection.Endpoint != "" {
		fmt.Printf("Endpoint:    %s\n", m.Connection.Endpoint)
	}
	fmt.Printf("Credentials: %s\n", m.Connection.ResolveCredentialStyle())
	if m.Connection.KeyProtectCRN != "" {
		fmt.Printf("SSE Key:     %s\n", m.Connection.KeyProtectCRN)
	}
	fmt.Println()

	fmt.Println("Scope:")
	if m.Scope.Prefix != "" {
		fmt.Printf("  Prefix:    %s\n", m.Scope.Prefix)
	} else {
		fmt.Println("  Prefix:    (whole bucket)")
	}
	if len(m.Scope.Includes) > 0 {
		fmt.Println("  Include:")
		for _, p := range m.Scope.Includes {
			fmt.Printf("    - %s\n", p)
		}
	}
	if len(m.Scope.Excludes) > 0 {
		fmt.Println("  Exclude:")
		for _, p := range m.Scope.Excludes {
			fmt.Printf("    - %s\n", p)
		}
	}
	fmt.Printf("  Hidden:    %v\n", m.Scope.IncludeHiddenEnabled())
	fmt.Println()

	if f := m.Scope.EffectiveFilters(); f != nil {
		fmt.Println("Filters:")
		if f.Size != nil {
			fmt.Printf("  Size:      min=%s max=%s\n", f.Size.Min, f.Size.Max)
		}
		if f.Modified != nil {
			fmt.Printf("  Modified:  after=%s before=%s\n", f.Modified.After, f.Modified.Before)
		}
		if f.KeyRegex != "" {
			fmt.Printf("  Key Regex: %s\n", f.KeyRegex)
		}
		fmt.Println()
	}

	fmt.Printf("Batch Size:  %d\n", m.Migrate.BatchSize)
	fmt.Printf("Retries:     %d (backoff %s)\n", m.Migrate.RetryCount(), m.Migrate.BackoffFactor)
	throttle := m.Migrate.ThrottleDelay
	if m.Migrate.AdaptiveThrottleEnabled() {
		throttle += " (adaptive)"
	}
	fmt.Printf("Throttle:    %s\n", throttle)
	fmt.Printf("Traversal:   %s\n", m.Migrate.Traversal)
	if m.Migrate.FinalRetryPass {
		fmt.Println("Final retry: enabled")
	}
	fmt.Printf("Ledger:      %s (rotate at %d keys)\n", m.Ledger.Dir, m.Ledger.MaxKeysPerFile)
	fmt.Printf("Preflight:   %s\n", m.Preflight.Mode)
	fmt.Printf("Output:      %s\n", m.Output.Destination)
	fmt.Printf("Progress:    %v\n", m.Output.ProgressEnabled())
	fmt.Println()
	fmt.Println("Manifest validated successfully. Use \"gocirrus run\" to execute.")
	return nil
}
