package config

import (
	"fmt"
	"net/url"
	"time"

	berrors "git.home.luguber.info/inful/buildrunner/internal/errors"
)

// Validate checks a configuration after defaults were applied and returns the
// first problem found.
func Validate(cfg *Config) error {
	durations := []struct {
		field string
		raw   string
	}{
		{"build.lock_timeout", cfg.Build.LockTimeout},
		{"build.fetch_timeout", cfg.Build.FetchTimeout},
		{"lock.poll_interval", cfg.Lock.PollInterval},
		{"lock.stale_after", cfg.Lock.StaleAfter},
		{"lock.clean_interval", cfg.Lock.CleanInterval},
		{"test.timeout", cfg.Test.Timeout},
		{"deploy.timeout", cfg.Deploy.Timeout},
		{"notification.timeout", cfg.Notification.Timeout},
	}
	for _, d := range durations {
		if err := validateDuration(d.field, d.raw); err != nil {
			return err
		}
	}

	switch cfg.Test.Format {
	case TestFormatGoJSON, TestFormatExitCode:
	default:
		return berrors.ValidationFailed("test.format", fmt.Sprintf("unsupported format %q", cfg.Test.Format))
	}

	switch cfg.Deploy.Type {
	case DeployTypeWebhook, DeployTypeCommand:
	default:
		return berrors.ValidationFailed("deploy.type", fmt.Sprintf("unsupported type %q", cfg.Deploy.Type))
	}
	if cfg.Deploy.Enabled {
		if cfg.Deploy.Type == DeployTypeWebhook {
			if err := validateURL("deploy.url", cfg.Deploy.URL); err != nil {
				return err
			}
		} else if len(cfg.Deploy.Command) == 0 {
			return berrors.ValidationFailed("deploy.command", "required when deploy.type is command")
		}
	}

	if w := cfg.Notification.Webhook; w != nil && w.URL != "" {
		if err := validateURL("notification.webhook.url", w.URL); err != nil {
			return err
		}
	}
	return nil
}

func validateDuration(field, raw string) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return berrors.ValidationFailed(field, fmt.Sprintf("invalid duration %q", raw))
	}
	if d <= 0 {
		return berrors.ValidationFailed(field, "must be positive")
	}
	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return berrors.ValidationFailed(field, "must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return berrors.ValidationFailed(field, fmt.Sprintf("invalid URL %q", raw))
	}
	return nil
}
