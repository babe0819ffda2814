package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/buildrunner/internal/config"
)

// publisher is the subset of *nats.Conn used for notifications.
type publisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

type dialFunc func(url string, timeout time.Duration) (publisher, error)

func dialNATS(url string, timeout time.Duration) (publisher, error) {
	conn, err := nats.Connect(url, nats.Name("buildrunner"), nats.Timeout(timeout))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// NATS publishes messages as JSON on a subject. Each Send uses its own
// short-lived connection since a run sends a single notification.
type NATS struct {
	url     string
	subject string
	timeout time.Duration
	dial    dialFunc
}

func NewNATS(url, subject string, timeout time.Duration) *NATS {
	if subject == "" {
		subject = config.DefaultNATSSubject
	}
	if timeout <= 0 {
		timeout = config.DefaultNotifyTimeout
	}
	return &NATS{url: url, subject: subject, timeout: timeout, dial: dialNATS}
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	timeout := n.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	conn, err := n.dial(n.url, timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer conn.Close()

	if err := conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	if err := conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("failed to flush notification: %w", err)
	}
	return nil
}
