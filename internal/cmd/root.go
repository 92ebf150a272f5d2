// Package cmd implements the gocirrus command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/gocirrus/internal/config"
	"github.com/3leaps/gocirrus/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "gocirrus",
	Short: "Re-stamp object metadata to trigger archive tiering",
	Long: `gocirrus re-stamps the metadata of every object in a bucket with an
in-place copy so a pre-configured lifecycle rule picks the objects up
for archive tiering.

Runs are driven by a YAML or JSON job manifest and record every key's
outcome in an on-disk ledger, so an interrupted run can be resumed and
failed keys can be re-driven later.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initRuntime()
	},
}

var (
	verbose  bool
	readOnly bool
)

// versionInfo is populated by SetVersionInfo from build-time flags.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command.
// Called from main with values injected at link time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// AppIdentity describes the binary for diagnostics.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity *AppIdentity

// GetAppIdentity returns the identity set during initialization, or
// nil before the first command runs.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

func init() {
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "readonly", false, "Refuse all provider-side mutations")
	_ = viper.BindPFlag("readonly", rootCmd.PersistentFlags().Lookup("readonly"))
	_ = viper.BindEnv("readonly", "GOCIRRUS_READONLY")

	setDefaults()
}

// setDefaults seeds viper with process-level defaults. Manifest-level
// defaults live in pkg/manifest and are not duplicated here.
func setDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("readonly", false)
	viper.SetDefault("status.addr", "")
	viper.SetDefault("output.destination", "stdout")
}

func initRuntime() {
	appIdentity = &AppIdentity{
		BinaryName: "gocirrus",
		EnvPrefix:  config.EnvPrefix,
		ConfigName: "gocirrus",
	}

	debug := verbose
	if s, err := config.FromEnv(); err == nil && strings.EqualFold(s.LogLevel, "debug") {
		debug = true
	}
	observability.InitCLILogger("gocirrus", debug)
}

// IsReadOnly reports whether the safety latch is engaged, either via
// --readonly or GOCIRRUS_READONLY.
func IsReadOnly() bool {
	return readOnly || viper.GetBool("readonly")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gocirrus %s (commit %s, built %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	},
}

// codedError carries a process exit code through cobra's error return.
type codedError struct {
	code int
	msg  string
	err  error
}

func (e *codedError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.msg, e.err, e.code)
}

func (e *codedError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the
// given code.
func exitError(code int, message string, err error) error {
	return &codedError{code: code, msg: message, err: err}
}

// exitCodeFor extracts the exit code from an error chain. Errors
// without a code exit 1.
func exitCodeFor(err error) int {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

// ExitWithCode logs a fatal error and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Error(message, zap.Error(err))
	observability.Sync()
	os.Exit(code)
}

// Execute runs the root command with signal-aware context handling.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		observability.Sync()
		os.Exit(exitCodeFor(err))
	}
	observability.Sync()
}
