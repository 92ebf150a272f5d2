// Package observability holds the process-wide logger used by CLI
// commands.
//
// JSONL records go to stdout; logs go to stderr so the two streams can
// be piped independently. Unattended runs additionally mirror logs to
// a timestamped file under the state directory.
package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the shared logger for command output. It defaults to a
// no-op logger so packages can log before InitCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger with a console encoder on stderr.
// Verbose enables debug-level output.
func InitCLILogger(name string, verbose bool) {
	CLILogger = zap.New(consoleCore(verbose)).Named(name)
}

// InitRunLogger configures CLILogger to write to both the console and
// a timestamped log file under dir/logs. Returns the log file path.
//
// The file carries JSON-encoded entries with full timestamps; the
// console keeps the human-oriented format.
func InitRunLogger(dir, name string, verbose bool) (string, error) {
	logsDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return "", fmt.Errorf("create logs directory: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102T150405Z")
	path := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", name, stamp))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create run log: %w", err)
	}

	fileCfg := zap.NewProductionEncoderConfig()
	fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileCfg),
		zapcore.AddSync(f),
		level(verbose),
	)

	CLILogger = zap.New(zapcore.NewTee(consoleCore(verbose), fileCore)).Named(name)
	return path, nil
}

// Sync flushes buffered log entries. Called before process exit.
func Sync() {
	_ = CLILogger.Sync()
}

func consoleCore(verbose bool) zapcore.Core {
	encCfg := zap.NewDevelopmentEncoderConfig()
	// Console output is for humans watching a run; the run log file
	// carries the timestamps.
	encCfg.TimeKey = zapcore.OmitKey
	return zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level(verbose),
	)
}

func level(verbose bool) zapcore.Level {
	if verbose {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}
