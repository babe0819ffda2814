package errors

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Process exit codes used by the CLI.
const (
	ExitOK         = 0
	ExitGeneral    = 1
	ExitUsage      = 2
	ExitConfig     = 7
	ExitGit        = 8
	ExitLockBusy   = 9
	ExitInternal   = 10
	ExitBuild      = 11
	ExitCollateral = 12
)

var exitCodes = map[ErrorCategory]int{
	CategoryValidation: ExitUsage,
	CategoryConfig:     ExitConfig,
	CategoryGit:        ExitGit,
	CategoryLock:       ExitLockBusy,
	CategoryDiff:       ExitBuild,
	CategoryTest:       ExitBuild,
	CategoryFileSystem: ExitBuild,
	CategoryDeploy:     ExitCollateral,
	CategoryNotify:     ExitCollateral,
	CategoryAudit:      ExitCollateral,
	CategoryInternal:   ExitInternal,
}

// CLIErrorAdapter turns errors into a message on stderr and a process exit code.
type CLIErrorAdapter struct {
	verbose bool
	logger  *slog.Logger
	stderr  io.Writer
	exit    func(int)
}

// NewCLIErrorAdapter creates a new CLI error adapter.
func NewCLIErrorAdapter(verbose bool, logger *slog.Logger) *CLIErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIErrorAdapter{
		verbose: verbose,
		logger:  logger,
		stderr:  os.Stderr,
		exit:    os.Exit,
	}
}

// ExitCodeFor returns the exit code for err; 0 for nil, 1 for unclassified errors.
func (a *CLIErrorAdapter) ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	be, ok := As(err)
	if !ok {
		return ExitGeneral
	}
	if code, ok := exitCodes[be.Category]; ok {
		return code
	}
	return ExitGeneral
}

// FormatError renders err for the terminal. Verbose mode shows the full chain.
func (a *CLIErrorAdapter) FormatError(err error) string {
	if err == nil {
		return ""
	}
	be, ok := As(err)
	if !ok {
		return fmt.Sprintf("Error: %v", err)
	}
	if a.verbose {
		return be.Error()
	}

	msg := be.Message
	if be.Category != CategoryConfig && be.Category != CategoryValidation {
		msg = fmt.Sprintf("%s: %s", be.Category, be.Message)
	}
	if be.Category == CategoryLock && be.Retryable {
		msg += " (another build may still be running; see 'buildrunner lock status')"
	}
	return msg
}

// HandleError prints err and exits with its code. A nil error is a no-op.
func (a *CLIErrorAdapter) HandleError(err error) {
	if err == nil {
		return
	}
	if a.shouldLog(err) {
		a.logError(err)
	}
	_, _ = fmt.Fprintln(a.stderr, a.FormatError(err))
	a.exit(a.ExitCodeFor(err))
}

func (a *CLIErrorAdapter) shouldLog(err error) bool {
	if a.verbose {
		return true
	}
	if be, ok := As(err); ok {
		return be.Category == CategoryInternal || be.Severity == SeverityFatal
	}
	return true
}

func (a *CLIErrorAdapter) logError(err error) {
	be, ok := As(err)
	if !ok {
		a.logger.Error("Unclassified error", "error", err)
		return
	}

	attrs := make([]slog.Attr, 0, len(be.Context)+3)
	attrs = append(attrs, slog.String("category", string(be.Category)))
	if be.Retryable {
		attrs = append(attrs, slog.Bool("retryable", true))
	}
	if be.Cause != nil {
		attrs = append(attrs, slog.String("cause", be.Cause.Error()))
	}
	for k, v := range be.Context {
		attrs = append(attrs, slog.Any(k, v))
	}
	a.logger.LogAttrs(context.Background(), slogLevel(be.Severity), be.Message, attrs...)
}

func slogLevel(severity ErrorSeverity) slog.Level {
	switch severity {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
