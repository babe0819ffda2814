package notify

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/buildrunner/internal/logfields"
)

// Log writes messages to a slog logger. It never fails.
type Log struct {
	logger *slog.Logger
}

// NewLog logs to l, or slog.Default() when l is nil.
func NewLog(l *slog.Logger) *Log {
	return &Log{logger: l}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Send(ctx context.Context, msg Message) error {
	logger := l.logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if msg.IsError {
		level = slog.LevelError
	}
	logger.LogAttrs(ctx, level, msg.Title,
		logfields.RunID(msg.RunID),
		logfields.Revision(msg.Revision),
		logfields.Branch(msg.Branch),
		slog.String("diff_url", msg.DiffURL),
		slog.String("preview_url", msg.PreviewURL),
		slog.String("extra", msg.Extra))
	return nil
}
