// Package config loads and validates buildrunner's YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	berrors "git.home.luguber.info/inful/buildrunner/internal/errors"
)

// DefaultPath is the configuration file looked up when none is given.
const DefaultPath = "buildrunner.yaml"

// Config represents the application configuration
type Config struct {
	Build        BuildConfig        `yaml:"build"`
	Lock         LockConfig         `yaml:"lock"`
	Diff         DiffConfig         `yaml:"diff"`
	Test         TestConfig         `yaml:"test"`
	Deploy       DeployConfig       `yaml:"deploy"`
	Notification NotificationConfig `yaml:"notification"`
	Audit        AuditConfig        `yaml:"audit"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// BuildConfig describes the work directory and per-run layout.
type BuildConfig struct {
	WorkDir      string `yaml:"work_dir"`
	Base         string `yaml:"base,omitempty"`   // default diff base (origin/main)
	Remote       string `yaml:"remote,omitempty"` // remote used by the best-effort fetch
	SkipFetch    bool   `yaml:"skip_fetch,omitempty"`
	FetchTimeout string `yaml:"fetch_timeout,omitempty"`
	// HTTP basic auth for the fetch. FetchUser defaults to "token" when only
	// a token is set.
	FetchUser    string `yaml:"fetch_user,omitempty"`
	FetchToken   string `yaml:"fetch_token,omitempty"`

	StateDir     string `yaml:"state_dir,omitempty"` // relative to work_dir unless absolute
	LockFile     string `yaml:"lock_file,omitempty"`
	LockTimeout  string `yaml:"lock_timeout,omitempty"`
	ArtifactsDir string `yaml:"artifacts_dir,omitempty"`
	LogDir       string `yaml:"log_dir,omitempty"`
	KeepRuns     int    `yaml:"keep_runs,omitempty"` // run directories retained after pruning
}

// LockConfig tunes the filesystem lock manager.
type LockConfig struct {
	PollInterval  string `yaml:"poll_interval,omitempty"`
	StaleAfter    string `yaml:"stale_after,omitempty"`
	MaxReclaims   int    `yaml:"max_reclaims,omitempty"` // consecutive immediate reclaims per acquire
	CleanInterval string `yaml:"clean_interval,omitempty"`
	Hostname      string `yaml:"hostname,omitempty"` // recorded in the lock file; os.Hostname() when empty
}

// DiffConfig configures diff report generation.
type DiffConfig struct {
	BaseURL string `yaml:"base_url,omitempty"` // public prefix for report URLs; file:// when empty
}

// TestConfig configures the test runner.
type TestConfig struct {
	Command       []string          `yaml:"command,omitempty"`
	Format        string            `yaml:"format,omitempty"` // go-json | exit-code
	Timeout       string            `yaml:"timeout,omitempty"`
	ReportBaseURL string            `yaml:"report_base_url,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
}

// DeployConfig configures the deployment trigger.
type DeployConfig struct {
	Enabled bool              `yaml:"enabled"`
	Type    string            `yaml:"type,omitempty"` // webhook | command
	URL     string            `yaml:"url,omitempty"`
	Command []string          `yaml:"command,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout string            `yaml:"timeout,omitempty"`
}

// NotificationConfig lists the channels a build outcome is delivered to.
type NotificationConfig struct {
	Title   string         `yaml:"title,omitempty"`
	Timeout string         `yaml:"timeout,omitempty"`
	Webhook *WebhookConfig `yaml:"webhook,omitempty"`
	NATS    *NATSConfig    `yaml:"nats,omitempty"`
	Log     bool           `yaml:"log,omitempty"`
}

// HasChannel reports whether at least one notification channel is configured.
func (n NotificationConfig) HasChannel() bool {
	return (n.Webhook != nil && n.Webhook.URL != "") || (n.NATS != nil && n.NATS.URL != "") || n.Log
}

// WebhookConfig is an HTTP JSON webhook endpoint.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// NATSConfig publishes notifications on a NATS subject.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject,omitempty"`
}

// AuditConfig configures the SQLite audit log.
type AuditConfig struct {
	Disabled bool   `yaml:"disabled,omitempty"`
	Path     string `yaml:"path,omitempty"`
}

// MetricsConfig configures Prometheus metric export.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	TextFile string `yaml:"textfile,omitempty"` // node_exporter textfile collector output
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Load loads configuration from the specified file, applies defaults and validates it.
func Load(configPath string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, berrors.ConfigNotFound(configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration (with ${VAR} expansion), applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ApplyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Init creates a new configuration file with example content
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	example := Config{
		Build: BuildConfig{
			WorkDir:      ".",
			Base:         DefaultBase,
			FetchTimeout: "60s",
			LockTimeout:  "300s",
		},
		Lock: LockConfig{
			PollInterval: "1s",
			StaleAfter:   "1h",
		},
		Test: TestConfig{
			Command: []string{"go", "test", "-json", "./..."},
			Format:  TestFormatGoJSON,
			Timeout: "15m",
		},
		Deploy: DeployConfig{
			Enabled: false,
			Type:    DeployTypeWebhook,
			URL:     "https://deploy.example.com/hooks/preview",
			Timeout: "2m",
		},
		Notification: NotificationConfig{
			Title: "Build finished",
			Webhook: &WebhookConfig{
				URL: "${BUILDRUNNER_WEBHOOK_URL}",
			},
			Log: true,
		},
	}

	data, err := yaml.Marshal(&example)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
