package lock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	berrors "git.home.luguber.info/inful/buildrunner/internal/errors"
	"git.home.luguber.info/inful/buildrunner/internal/logfields"
	"git.home.luguber.info/inful/buildrunner/internal/metrics"
)

const (
	DefaultTimeout      = 300 * time.Second
	DefaultPollInterval = time.Second
	DefaultStaleAfter   = time.Hour
	DefaultMaxReclaims  = 5
)

// Reclaim reasons, also used as metric labels.
const (
	ReasonMalformed = "malformed"
	ReasonDeadOwner = "dead_owner"
	ReasonExpired   = "expired"
)

// Manager acquires and inspects lock files. It holds no per-lock state, so a
// single Manager may be shared by any number of goroutines and lock paths.
type Manager struct {
	pollInterval time.Duration
	staleAfter   time.Duration
	maxReclaims  int
	prober       ProcessProber
	now          func() time.Time
	logger       *slog.Logger
	recorder     metrics.Recorder
	pid          int
	hostname     string
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval sets the delay between attempts on a live lock.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithStaleAfter sets the age after which a lock is stale regardless of its owner.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

// WithMaxReclaims caps consecutive immediate retries within one Acquire.
func WithMaxReclaims(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxReclaims = n
		}
	}
}

func WithProber(p ProcessProber) Option {
	return func(m *Manager) {
		if p != nil {
			m.prober = p
		}
	}
}

// WithClock replaces the wall clock used for lock timestamps and age checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithRecorder(r metrics.Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithPID overrides the pid written into acquired locks.
func WithPID(pid int) Option {
	return func(m *Manager) {
		if pid > 0 {
			m.pid = pid
		}
	}
}

// WithHostname overrides the host name written into lock files.
func WithHostname(h string) Option {
	return func(m *Manager) {
		if h != "" {
			m.hostname = h
		}
	}
}

// New returns a Manager using the platform process prober.
func New(opts ...Option) *Manager {
	m := &Manager{
		pollInterval: DefaultPollInterval,
		staleAfter:   DefaultStaleAfter,
		maxReclaims:  DefaultMaxReclaims,
		now:          time.Now,
		recorder:     metrics.NoopRecorder{},
		pid:          os.Getpid(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.prober == nil {
		m.prober = NewProcessProber()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.hostname == "" {
		h, err := os.Hostname()
		if err != nil || h == "" {
			h = "unknown"
		}
		m.hostname = h
	}
	return m
}

// PID returns the pid this manager writes into lock files.
func (m *Manager) PID() int { return m.pid }

// Acquire takes the lock at path, waiting up to timeout for a live owner to
// release it. A non-positive timeout means DefaultTimeout.
func (m *Manager) Acquire(ctx context.Context, path string, timeout time.Duration, revision string) (*Info, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, berrors.LockIOError(path, err)
	}

	start := time.Now()
	immediate := 0
	for {
		info := &Info{
			PID:       m.pid,
			Timestamp: m.now().UnixMilli(),
			Revision:  revision,
			Hostname:  m.hostname,
		}
		data, err := encodeInfo(info)
		if err != nil {
			return nil, berrors.LockIOError(path, err)
		}

		err = createAtomic(path, data)
		if err == nil {
			info.Acquired = true
			waited := time.Since(start)
			m.recorder.ObserveLockWait(waited)
			m.logger.Info("Lock acquired",
				logfields.LockPath(path),
				logfields.PID(m.pid),
				logfields.Revision(revision),
				logfields.Elapsed(waited))
			return info, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, berrors.LockIOError(path, err)
		}

		retryNow, err := m.reclaim(path)
		if err != nil {
			return nil, berrors.LockIOError(path, err)
		}
		if retryNow && immediate < m.maxReclaims {
			immediate++
			continue
		}
		if retryNow {
			m.logger.Warn("Lock reclaim limit reached, backing off",
				logfields.LockPath(path),
				slog.Int("reclaims", immediate))
		}
		immediate = 0

		remaining := timeout - time.Since(start)
		if remaining <= 0 {
			m.logger.Warn("Lock acquisition timed out",
				logfields.LockPath(path),
				slog.Duration("timeout", timeout))
			return nil, berrors.LockTimeout(path, timeout)
		}
		if err := sleepContext(ctx, min(m.pollInterval, remaining)); err != nil {
			return nil, berrors.Wrap(err, berrors.CategoryLock, berrors.SeverityFatal, "lock acquisition cancelled").
				WithContext("path", path)
		}
	}
}

// reclaim inspects an existing lock and removes it when stale. It reports
// whether the caller should retry without waiting.
func (m *Manager) reclaim(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	reason := m.staleReason(data)
	if reason == "" {
		return false, nil
	}

	removed, err := removeIfUnchanged(path, data)
	if err != nil {
		m.logger.Warn("Failed to remove stale lock",
			logfields.LockPath(path),
			slog.String("reason", reason),
			logfields.Error(err))
		return false, nil
	}
	if removed {
		m.recorder.IncLockReclaim(reason)
		m.logger.Info("Removed stale lock",
			logfields.LockPath(path),
			slog.String("reason", reason))
	}
	return true, nil
}

// staleReason returns why data describes a reclaimable lock, or "" if the
// lock is live.
func (m *Manager) staleReason(data []byte) string {
	info, err := parseInfo(data)
	if err != nil {
		return ReasonMalformed
	}
	if !m.prober.Alive(info.PID) {
		return ReasonDeadOwner
	}
	if info.Age(m.now()) > m.staleAfter {
		return ReasonExpired
	}
	return ""
}

// Release removes the lock at path. It never fails: problems are logged.
func (m *Manager) Release(path string) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		m.logger.Debug("Lock already released", logfields.LockPath(path))
		return
	case err != nil:
		m.logger.Warn("Failed to read lock before release", logfields.LockPath(path), logfields.Error(err))
	default:
		if info, perr := parseInfo(data); perr == nil && info.PID != m.pid {
			m.logger.Warn("Releasing lock owned by another process",
				logfields.LockPath(path),
				logfields.PID(info.PID),
				slog.Int("caller_pid", m.pid))
		}
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("Failed to release lock", logfields.LockPath(path), logfields.Error(err))
		return
	}
	m.logger.Info("Lock released", logfields.LockPath(path))
}

// IsLocked reports whether path holds a parseable lock whose owner is alive.
// Age is not considered.
func (m *Manager) IsLocked(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	info, err := parseInfo(data)
	if err != nil {
		return false
	}
	return m.prober.Alive(info.PID)
}

// GetLockInfo reads the lock at path without side effects. It returns
// (nil, nil) when no lock exists.
func (m *Manager) GetLockInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, berrors.LockIOError(path, err)
	}
	info, err := parseInfo(data)
	if err != nil {
		return nil, berrors.Wrap(err, berrors.CategoryLock, berrors.SeverityWarning, "unreadable lock file").
			WithContext("path", path)
	}
	return info, nil
}

// Clean removes every stale *.lock file in dir and returns how many were
// removed. Only a failure to list dir is returned.
func (m *Manager) Clean(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, berrors.LockIOError(dir, err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), FileSuffix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		ok, err := m.cleanFile(path)
		if err != nil {
			m.logger.Warn("Failed to clean lock", logfields.LockPath(path), logfields.Error(err))
			continue
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("Cleaned stale locks", logfields.Path(dir), slog.Int("removed", removed))
	}
	return removed, nil
}

func (m *Manager) cleanFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	reason := m.staleReason(data)
	if reason == "" {
		return false, nil
	}
	removed, err := removeIfUnchanged(path, data)
	if err != nil {
		return false, err
	}
	if removed {
		m.recorder.IncLockReclaim(reason)
		m.logger.Debug("Removed stale lock", logfields.LockPath(path), slog.String("reason", reason))
	}
	return removed, nil
}

// Status is a point-in-time description of a lock path.
type Status struct {
	Path   string
	Info   *Info
	Alive  bool
	Reason string // non-empty when the lock would be reclaimed
	Age    time.Duration
}

// Held reports whether a live, non-stale lock exists.
func (s Status) Held() bool { return s.Info != nil && s.Reason == "" }

// Status inspects path without modifying it. A malformed file yields a
// Status with a nil Info and ReasonMalformed.
func (m *Manager) Status(path string) (Status, error) {
	st := Status{Path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, berrors.LockIOError(path, err)
	}
	info, err := parseInfo(data)
	if err != nil {
		st.Reason = ReasonMalformed
		return st, nil
	}
	st.Info = info
	st.Alive = m.prober.Alive(info.PID)
	st.Age = info.Age(m.now())
	st.Reason = m.staleReason(data)
	return st, nil
}

// createAtomic creates path with data only if it does not already exist.
// The content is staged in a sibling temp file and hard-linked into place so
// the lock never appears partially written. It returns an error matching
// fs.ErrExist when path is taken.
func createAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	err = os.Link(tmpName, path)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return err
	}
	// Filesystems without hard links.
	return createExclusive(path, data)
}

func createExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// removeIfUnchanged deletes path only if it still holds want. The file is
// first renamed to a private name, so the bytes compared are the bytes
// deleted. Anything else found there is linked back into place; that restore
// fails only when a third process created path in the meantime.
func removeIfUnchanged(path string, want []byte) (bool, error) {
	aside, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.reclaim")
	if err != nil {
		return false, err
	}
	asideName := aside.Name()
	_ = aside.Close()
	defer func() { _ = os.Remove(asideName) }()

	if err := os.Rename(path, asideName); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	current, err := os.ReadFile(asideName)
	if err == nil && bytes.Equal(current, want) {
		return true, nil
	}
	if rerr := restore(asideName, path, current); rerr != nil {
		return false, fmt.Errorf("restore replaced lock %s: %w", path, rerr)
	}
	return false, err
}

func restore(from, to string, data []byte) error {
	err := os.Link(from, to)
	if err == nil || errors.Is(err, fs.ErrExist) || data == nil {
		return err
	}
	return createExclusive(to, data)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
