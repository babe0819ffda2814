package lock

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	berrors "git.home.luguber.info/inful/buildrunner/internal/errors"
	"git.home.luguber.info/inful/buildrunner/internal/logfields"
)

// WaitForLock blocks until no live lock exists at path or timeout elapses.
// It never acquires or writes anything. Removal events on the lock file wake
// the wait early; polling still covers owners that die without cleaning up.
func (m *Manager) WaitForLock(ctx context.Context, path string, timeout time.Duration) error {
	if !m.IsLocked(path) {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher, err := fsnotify.NewWatcher(); err != nil {
		m.logger.Debug("Lock watcher unavailable, polling only", logfields.Error(err))
	} else {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			m.logger.Debug("Failed to watch lock directory, polling only", logfields.LockPath(path), logfields.Error(err))
		} else {
			events, errs = watcher.Events, watcher.Errors
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	name := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return berrors.Wrap(ctx.Err(), berrors.CategoryLock, berrors.SeverityError, "lock wait cancelled").
				WithContext("path", path)
		case <-deadline.C:
			if !m.IsLocked(path) {
				return nil
			}
			return berrors.LockWaitTimeout(path, timeout)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != name || !(ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				continue
			}
			if !m.IsLocked(path) {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.logger.Debug("Lock watcher error", logfields.LockPath(path), logfields.Error(err))
		case <-ticker.C:
			if !m.IsLocked(path) {
				return nil
			}
		}
	}
}
