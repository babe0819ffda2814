package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Defaults shared with the pipeline and lock manager.
const (
	DefaultBase          = "origin/main"
	DefaultHead          = "HEAD"
	DefaultRemote        = "origin"
	DefaultKeepRuns      = 20
	DefaultStateDir      = ".buildrunner"
	DefaultLockFile      = "build.lock"
	DefaultLockTimeout   = 300 * time.Second
	DefaultFetchTimeout  = 60 * time.Second
	DefaultPollInterval  = time.Second
	DefaultStaleAfter    = time.Hour
	DefaultMaxReclaims   = 5
	DefaultCleanInterval = 10 * time.Minute
	DefaultTestTimeout   = 30 * time.Minute
	DefaultDeployTimeout = 5 * time.Minute
	DefaultNotifyTimeout = 15 * time.Second
	DefaultNotifyTitle   = "Build finished"
	DefaultNATSSubject   = "buildrunner.builds"
)

// Test output formats.
const (
	TestFormatGoJSON   = "go-json"
	TestFormatExitCode = "exit-code"
)

// Deployment trigger types.
const (
	DeployTypeWebhook = "webhook"
	DeployTypeCommand = "command"
)

// DefaultApplier applies defaults for a specific configuration domain.
type DefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

// ApplyDefaults runs every domain applier in order; build comes first because
// the others derive paths from it.
func ApplyDefaults(cfg *Config) error {
	appliers := []DefaultApplier{
		&BuildDefaultApplier{},
		&LockDefaultApplier{},
		&TestDefaultApplier{},
		&DeployDefaultApplier{},
		&NotificationDefaultApplier{},
		&AuditDefaultApplier{},
		&LoggingDefaultApplier{},
	}
	for _, a := range appliers {
		if err := a.ApplyDefaults(cfg); err != nil {
			return fmt.Errorf("apply %s defaults: %w", a.Domain(), err)
		}
	}
	return nil
}

// BuildDefaultApplier handles Build configuration defaults.
type BuildDefaultApplier struct{}

func (b *BuildDefaultApplier) Domain() string { return "build" }

func (b *BuildDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Build.WorkDir == "" {
		cfg.Build.WorkDir = "."
	}
	abs, err := filepath.Abs(cfg.Build.WorkDir)
	if err != nil {
		return fmt.Errorf("resolve work_dir: %w", err)
	}
	cfg.Build.WorkDir = abs

	if cfg.Build.Base == "" {
		cfg.Build.Base = DefaultBase
	}
	if cfg.Build.Remote == "" {
		cfg.Build.Remote = DefaultRemote
	}
	if cfg.Build.StateDir == "" {
		cfg.Build.StateDir = DefaultStateDir
	}
	cfg.Build.StateDir = resolveUnder(cfg.Build.WorkDir, cfg.Build.StateDir)

	if cfg.Build.LockFile == "" {
		cfg.Build.LockFile = DefaultLockFile
	}
	cfg.Build.LockFile = resolveUnder(cfg.Build.StateDir, cfg.Build.LockFile)

	if cfg.Build.FetchTimeout == "" {
		cfg.Build.FetchTimeout = DefaultFetchTimeout.String()
	}
	if cfg.Build.LockTimeout == "" {
		cfg.Build.LockTimeout = DefaultLockTimeout.String()
	}
	if cfg.Build.ArtifactsDir == "" {
		cfg.Build.ArtifactsDir = "artifacts"
	}
	cfg.Build.ArtifactsDir = resolveUnder(cfg.Build.StateDir, cfg.Build.ArtifactsDir)
	if cfg.Build.LogDir == "" {
		cfg.Build.LogDir = "logs"
	}
	cfg.Build.LogDir = resolveUnder(cfg.Build.StateDir, cfg.Build.LogDir)
	if cfg.Build.KeepRuns == 0 {
		cfg.Build.KeepRuns = DefaultKeepRuns
	}
	return nil
}

// LockDefaultApplier handles Lock configuration defaults.
type LockDefaultApplier struct{}

func (l *LockDefaultApplier) Domain() string { return "lock" }

func (l *LockDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Lock.PollInterval == "" {
		cfg.Lock.PollInterval = DefaultPollInterval.String()
	}
	if cfg.Lock.StaleAfter == "" {
		cfg.Lock.StaleAfter = DefaultStaleAfter.String()
	}
	if cfg.Lock.MaxReclaims <= 0 {
		cfg.Lock.MaxReclaims = DefaultMaxReclaims
	}
	if cfg.Lock.CleanInterval == "" {
		cfg.Lock.CleanInterval = DefaultCleanInterval.String()
	}
	return nil
}

// TestDefaultApplier handles Test configuration defaults.
type TestDefaultApplier struct{}

func (t *TestDefaultApplier) Domain() string { return "test" }

func (t *TestDefaultApplier) ApplyDefaults(cfg *Config) error {
	if len(cfg.Test.Command) == 0 {
		cfg.Test.Command = []string{"go", "test", "-json", "./..."}
		if cfg.Test.Format == "" {
			cfg.Test.Format = TestFormatGoJSON
		}
	}
	if cfg.Test.Format == "" {
		cfg.Test.Format = TestFormatExitCode
	}
	if cfg.Test.Timeout == "" {
		cfg.Test.Timeout = DefaultTestTimeout.String()
	}
	return nil
}

// DeployDefaultApplier handles Deploy configuration defaults.
type DeployDefaultApplier struct{}

func (d *DeployDefaultApplier) Domain() string { return "deploy" }

func (d *DeployDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Deploy.Type == "" {
		if len(cfg.Deploy.Command) > 0 {
			cfg.Deploy.Type = DeployTypeCommand
		} else {
			cfg.Deploy.Type = DeployTypeWebhook
		}
	}
	if cfg.Deploy.Timeout == "" {
		cfg.Deploy.Timeout = DefaultDeployTimeout.String()
	}
	return nil
}

// NotificationDefaultApplier handles Notification configuration defaults.
type NotificationDefaultApplier struct{}

func (n *NotificationDefaultApplier) Domain() string { return "notification" }

func (n *NotificationDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Notification.Title == "" {
		cfg.Notification.Title = DefaultNotifyTitle
	}
	if cfg.Notification.Timeout == "" {
		cfg.Notification.Timeout = DefaultNotifyTimeout.String()
	}
	if cfg.Notification.NATS != nil && cfg.Notification.NATS.Subject == "" {
		cfg.Notification.NATS.Subject = DefaultNATSSubject
	}
	return nil
}

// AuditDefaultApplier handles Audit configuration defaults.
type AuditDefaultApplier struct{}

func (a *AuditDefaultApplier) Domain() string { return "audit" }

func (a *AuditDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = "audit.db"
	}
	if cfg.Audit.Path != ":memory:" {
		cfg.Audit.Path = resolveUnder(cfg.Build.LogDir, cfg.Audit.Path)
	}
	return nil
}

// LoggingDefaultApplier handles Logging configuration defaults.
type LoggingDefaultApplier struct{}

func (l *LoggingDefaultApplier) Domain() string { return "logging" }

func (l *LoggingDefaultApplier) ApplyDefaults(cfg *Config) error {
	cfg.Logging.Level = string(NormalizeLogLevel(cfg.Logging.Level))
	cfg.Logging.Format = string(NormalizeLogFormat(cfg.Logging.Format))
	return nil
}

func resolveUnder(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

// LockTimeoutDuration returns build.lock_timeout, falling back to the default.
func (b BuildConfig) LockTimeoutDuration() time.Duration {
	return parseDurationOr(b.LockTimeout, DefaultLockTimeout)
}

// FetchTimeoutDuration returns build.fetch_timeout, falling back to the default.
func (b BuildConfig) FetchTimeoutDuration() time.Duration {
	return parseDurationOr(b.FetchTimeout, DefaultFetchTimeout)
}

// PollIntervalDuration returns lock.poll_interval, falling back to the default.
func (l LockConfig) PollIntervalDuration() time.Duration {
	return parseDurationOr(l.PollInterval, DefaultPollInterval)
}

// StaleAfterDuration returns lock.stale_after, falling back to the default.
func (l LockConfig) StaleAfterDuration() time.Duration {
	return parseDurationOr(l.StaleAfter, DefaultStaleAfter)
}

// CleanIntervalDuration returns lock.clean_interval, falling back to the default.
func (l LockConfig) CleanIntervalDuration() time.Duration {
	return parseDurationOr(l.CleanInterval, DefaultCleanInterval)
}

// TimeoutDuration returns test.timeout, falling back to the default.
func (t TestConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(t.Timeout, DefaultTestTimeout)
}

// TimeoutDuration returns deploy.timeout, falling back to the default.
func (d DeployConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(d.Timeout, DefaultDeployTimeout)
}

// Configured reports whether a deployment target is set up and enabled.
func (d DeployConfig) Configured() bool {
	if !d.Enabled {
		return false
	}
	switch d.Type {
	case DeployTypeCommand:
		return len(d.Command) > 0
	default:
		return d.URL != ""
	}
}

// TimeoutDuration returns notification.timeout, falling back to the default.
func (n NotificationConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(n.Timeout, DefaultNotifyTimeout)
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
