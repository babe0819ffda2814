package commands

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/buildrunner/internal/config"
	"git.home.luguber.info/inful/buildrunner/internal/observability"
)

// Global is shared state handed to every subcommand.
type Global struct {
	Logger  *slog.Logger
	Version string
}

// CLI definition & global flags.
type CLI struct {
	Config      string           `short:"c" help:"Configuration file path" default:"buildrunner.yaml" env:"BUILDRUNNER_CONFIG"`
	Verbose     bool             `short:"v" help:"Enable verbose logging"`
	LogFormat   string           `name:"log-format" help:"Log output format (text|json); overrides logging.format"`
	VersionFlag kong.VersionFlag `name:"version" help:"Show version and exit"`

	Run     RunCmd     `cmd:"" help:"Run the build pipeline once"`
	Lock    LockCmd    `cmd:"" help:"Inspect and maintain the build lock"`
	Init    InitCmd    `cmd:"" help:"Initialize a new configuration file"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// AfterApply runs after flag parsing; sets up logging once. The level can be
// raised again from the configuration file by loadConfig.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply() error {
	slog.SetDefault(newLogger(os.Stderr, c.LogFormat, parseLogLevel(c.Verbose)))
	return nil
}

// parseLogLevel resolves the level from --verbose, then BUILDRUNNER_LOG_LEVEL.
func parseLogLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	if env := os.Getenv("BUILDRUNNER_LOG_LEVEL"); env != "" {
		return config.NormalizeLogLevel(env).SlogLevel()
	}
	return slog.LevelInfo
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if config.NormalizeLogFormat(format) == config.LogFormatJSON {
		return slog.New(observability.NewContextHandler(slog.NewJSONHandler(w, opts)))
	}
	return slog.New(observability.NewContextHandler(slog.NewTextHandler(w, opts)))
}

var configs = config.NewCache()

// loadConfig loads the configuration and applies its logging section unless
// the command line already decided.
func loadConfig(root *CLI) (*config.Config, error) {
	cfg, err := configs.Get(root.Config)
	if err != nil {
		return nil, err
	}
	if root.Verbose || os.Getenv("BUILDRUNNER_LOG_LEVEL") != "" {
		return cfg, nil
	}
	format := root.LogFormat
	if format == "" {
		format = cfg.Logging.Format
	}
	slog.SetDefault(newLogger(os.Stderr, format, config.NormalizeLogLevel(cfg.Logging.Level).SlogLevel()))
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
