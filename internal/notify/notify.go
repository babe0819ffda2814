// Package notify delivers build outcome messages to the configured channels.
//
// A build may notify several channels at once (webhook, NATS subject, log);
// Multi fans a message out to all of them and joins their errors.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/buildrunner/internal/config"
	berrors "git.home.luguber.info/inful/buildrunner/internal/errors"
	"git.home.luguber.info/inful/buildrunner/internal/logfields"
)

// Message is a build outcome notification.
type Message struct {
	Title      string    `json:"title"`
	Extra      string    `json:"extra,omitempty"`
	DiffURL    string    `json:"diff_url,omitempty"`
	PreviewURL string    `json:"preview_url,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	IsError    bool      `json:"is_error"`

	RunID    string `json:"run_id,omitempty"`
	Revision string `json:"revision,omitempty"`
	Branch   string `json:"branch,omitempty"`
}

// Channel delivers a message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Multi sends every message to all of its channels.
type Multi struct {
	channels []Channel
	timeout  time.Duration
}

// NewMulti fans out to channels, bounding each delivery by timeout.
func NewMulti(timeout time.Duration, channels ...Channel) *Multi {
	return &Multi{channels: channels, timeout: timeout}
}

// NewFromConfig builds the channels cfg describes. It fails when no channel
// is configured: a build must always be able to report its outcome.
func NewFromConfig(cfg config.NotificationConfig) (*Multi, error) {
	if !cfg.HasChannel() {
		return nil, berrors.NotificationRequired()
	}
	var channels []Channel
	if cfg.Webhook != nil && cfg.Webhook.URL != "" {
		channels = append(channels, NewWebhook(cfg.Webhook.URL, cfg.Webhook.Headers))
	}
	if cfg.NATS != nil && cfg.NATS.URL != "" {
		channels = append(channels, NewNATS(cfg.NATS.URL, cfg.NATS.Subject, cfg.TimeoutDuration()))
	}
	if cfg.Log {
		channels = append(channels, NewLog(nil))
	}
	return NewMulti(cfg.TimeoutDuration(), channels...), nil
}

// Channels returns the names of the configured channels.
func (m *Multi) Channels() []string {
	names := make([]string, 0, len(m.channels))
	for _, c := range m.channels {
		names = append(names, c.Name())
	}
	return names
}

// Send delivers msg to every channel, even when some of them fail.
func (m *Multi) Send(ctx context.Context, msg Message) error {
	if len(m.channels) == 0 {
		return berrors.NotificationRequired()
	}
	var errs []error
	for _, c := range m.channels {
		if err := m.sendOne(ctx, c, msg); err != nil {
			slog.WarnContext(ctx, "Notification channel failed", logfields.Channel(c.Name()), logfields.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		slog.DebugContext(ctx, "Notification sent", logfields.Channel(c.Name()))
	}
	return errors.Join(errs...)
}

func (m *Multi) sendOne(ctx context.Context, c Channel, msg Message) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	return c.Send(ctx, msg)
}
