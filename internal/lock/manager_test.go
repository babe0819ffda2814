package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	berrors "git.home.luguber.info/inful/buildrunner/internal/errors"
	"git.home.luguber.info/inful/buildrunner/internal/metrics"
)

const (
	livePID = 4100
	deadPID = 4200
)

func fakeProber() ProcessProber {
	return ProberFunc(func(pid int) bool { return pid == livePID || pid == os.Getpid() })
}

func writeLock(t *testing.T, path string, info Info) {
	t.Helper()
	data, err := encodeInfo(&info)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func freshLock(pid int) Info {
	return Info{PID: pid, Timestamp: time.Now().UnixMilli(), Revision: "abc1234", Hostname: "test"}
}

func TestAcquire_EmptyPathCreatesParentAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state", "build.lock")
	m := New(WithProber(fakeProber()), WithHostname("builder-1"))

	info, err := m.Acquire(t.Context(), path, time.Second, "rev-1")
	require.NoError(t, err)
	require.True(t, info.Acquired)
	require.Equal(t, os.Getpid(), info.PID)
	require.Equal(t, "rev-1", info.Revision)
	require.Equal(t, "builder-1", info.Hostname)

	onDisk, err := m.GetLockInfo(path)
	require.NoError(t, err)
	require.NotNil(t, onDisk)
	require.False(t, onDisk.Acquired)
	require.Equal(t, info.Timestamp, onDisk.Timestamp)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"pid":`)
	require.NotContains(t, string(raw), "Acquired")

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestAcquire_LiveOwnerTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.lock")
	writeLock(t, path, freshLock(livePID))
	m := New(WithProber(fakeProber()), WithPollInterval(10*time.Millisecond))

	start := time.Now()
	info, err := m.Acquire(t.Context(), path, 60*time.Millisecond, "rev")
	require.Error(t, err)
	require.Nil(t, info)
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	require.True(t, berrors.IsCategory(err, berrors.CategoryLock))
	require.Contains(t, err.Error(), "failed to acquire lock within 60ms")

	// The live lock is untouched.
	got, err := m.GetLockInfo(path)
	require.NoError(t, err)
	require.Equal(t, livePID, got.PID)
}

func TestAcquire_DeadOwnerReclaimedWithoutWaiting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.lock")
	writeLock(t, path, freshLock(deadPID))
	m := New(WithProber(fakeProber()), WithPollInterval(10*time.Second))

	require.False(t, m.IsLocked(path))

	start := time.Now()
	info, err := m.Acquire(t.Context(), path, 30*time.Second, "rev")
	require.NoError(t, err)
	require.True(t, info.Acquired)
	require.Less(t, time.Since(start), time.Second)
}

func TestAcquire_ReclaimsMalformedAndExpired(t *testing.T) {
	tests := []struct {
		name    string
		content func(t *testing.T, path string)
		reason  string
	}{
		{
			name: "garbage",
			content: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
			},
			reason: ReasonMalformed,
		},
		{
			name: "empty",
			content: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, nil, 0o600))
			},
			reason: ReasonMalformed,
		},
		{
			name: "zero pid",
			content: func(t *testing.T, path string) {
				writeLock(t, path, Info{PID: 0, Timestamp: time.Now().UnixMilli()})
			},
			reason: ReasonMalformed,
		},
		{
			name: "expired live owner",
			content: func(t *testing.T, path string) {
				writeLock(t, path, Info{PID: livePID, Timestamp: time.Now().Add(-2 * time.Hour).UnixMilli()})
			},
			reason: ReasonExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "build.lock")
			tt.content(t, path)
			rec := &reclaimRecorder{}
			m := New(WithProber(fakeProber()), WithPollInterval(10*time.Second), WithRecorder(rec))

			info, err := m.Acquire(t.Context(), path, 5*time.Second, "rev")
			require.NoError(t, err)
			require.True(t, info.Acquired)
			require.Equal(t, []string{tt.reason}, rec.reasons())
		})
	}
}

// reclaimRecorder records reclaim reasons and optionally runs a hook after
// each one.
type reclaimRecorder struct {
	metrics.NoopRecorder
	mu      sync.Mutex
	seen    []string
	onClaim func()
}

func (r *reclaimRecorder) IncLockReclaim(reason string) {
	r.mu.Lock()
	r.seen = append(r.seen, reason)
	hook := r.onClaim
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (r *reclaimRecorder) reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestAcquire_ReclaimRateIsCapped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.lock")
	writeLock(t, path, freshLock(deadPID))

	// Every reclaim immediately respawns another dead lock.
	var respawns atomic.Int64
	rec := &reclaimRecorder{}
	rec.onClaim = func() {
		n := respawns.Add(1)
		writeLock(t, path, Info{PID: deadPID, Timestamp: time.Now().UnixMilli() + n, Revision: "respawn"})
	}

	const (
		poll    = 20 * time.Millisecond
		timeout = 100 * time.Millisecond
		maxImm  = 3
	)
	m := New(WithProber(fakeProber()), WithPollInterval(poll), WithMaxReclaims(maxImm), WithRecorder(rec))

	_, err := m.Acquire(t.Context(), path, timeout, "rev")
	require.Error(t, err)
	require.True(t, berrors.IsCategory(err, berrors.CategoryLock))

	// At most maxImm+1 reclaims per poll interval, plus one final attempt.
	bound := (maxImm + 1) * (int(timeout/poll) + 2)
	require.LessOrEqual(t, len(rec.reasons()), bound)
	require.GreaterOrEqual(t, len(rec.reasons()), maxImm+1)
}

func TestAcquire_ConcurrentExactlyOneWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.lock")
	alive := ProberFunc(func(int) bool { return true })

	const n = 8
	var (
		wg      sync.WaitGroup
		winners atomic.Int64
	)
	for i := range n {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			m := New(WithProber(alive), WithPID(pid), WithPollInterval(5*time.Millisecond))
			if _, err := m.Acquire(t.Context(), path, 100*time.Millisecond, "rev"); err == nil {
				winners.Add(1)
			}
		}(5000 + i)
	}
	wg.Wait()
	require.Equal(t, int64(1), winners.Load())
}

func TestAcquire_CancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.lock")
	writeLock(t, path, freshLock(livePID))
	m := New(WithProber(fakeProber()), WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := m.Acquire(ctx, path, time.Hour, "rev")
	require.Error(t, err)
	require.True(t, berrors.IsCategory(err, berrors.CategoryLock))
}

func TestRelease(t *testing.T) {
	t.Run("own lock", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "build.lock")
		m := New(WithProber(fakeProber()))
		_, err := m.Acquire(t.Context(), path, time.Second, "rev")
		require.NoError(t, err)

		m.Release(path)
		_, err = os.Stat(path)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("foreign pid still removed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "build.lock")
		writeLock(t, path, freshLock(livePID))
		m := New(WithProber(fakeProber()))

		m.Release(path)
		_, err := os.Stat(path)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("missing file", func(t *testing.T) {
		m := New(WithProber(fakeProber()))
		require.NotPanics(t, func() { m.Release(filepath.Join(t.TempDir(), "none.lock")) })
	})
}

func TestIsLocked(t *testing.T) {
	dir := t.TempDir()
	m := New(WithProber(fakeProber()))

	require.False(t, m.IsLocked(filepath.Join(dir, "absent.lock")))

	bad := filepath.Join(dir, "bad.lock")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0o600))
	require.False(t, m.IsLocked(bad))

	dead := filepath.Join(dir, "dead.lock")
	writeLock(t, dead, freshLock(deadPID))
	require.False(t, m.IsLocked(dead))

	// Age is ignored: an old lock with a live owner is still locked.
	old := filepath.Join(dir, "old.lock")
	writeLock(t, old, Info{PID: livePID, Timestamp: time.Now().Add(-3 * time.Hour).UnixMilli()})
	require.True(t, m.IsLocked(old))
}

func TestClean_TwiceKeepsLiveLock(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "live.lock")
	stale := filepath.Join(dir, "stale.lock")
	other := filepath.Join(dir, "notes.txt")
	writeLock(t, live, freshLock(livePID))
	writeLock(t, stale, freshLock(deadPID))
	require.NoError(t, os.WriteFile(other, []byte("{}"), 0o600))

	m := New(WithProber(fakeProber()))

	removed, err := m.Clean(dir)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	removed, err = m.Clean(dir)
	require.NoError(t, err)
	require.Equal(t, 0, removed)

	require.FileExists(t, live)
	require.FileExists(t, other)
	require.NoFileExists(t, stale)
}

func TestClean_ExpiredOwnLockRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "build.lock")
	writeLock(t, path, Info{PID: os.Getpid(), Timestamp: time.Now().Add(-2 * time.Hour).UnixMilli()})

	m := New(WithProber(NewProcessProber()))
	require.True(t, m.IsLocked(path))

	removed, err := m.Clean(dir)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.NoFileExists(t, path)
}

func TestClean_MalformedAndMissingDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.lock"), []byte("]["), 0o600))
	m := New(WithProber(fakeProber()))

	removed, err := m.Clean(dir)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	removed, err = m.Clean(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestGetLockInfo(t *testing.T) {
	dir := t.TempDir()
	m := New(WithProber(fakeProber()))

	info, err := m.GetLockInfo(filepath.Join(dir, "absent.lock"))
	require.NoError(t, err)
	require.Nil(t, info)

	path := filepath.Join(dir, "build.lock")
	want := freshLock(deadPID)
	writeLock(t, path, want)
	info, err = m.GetLockInfo(path)
	require.NoError(t, err)
	require.Equal(t, want.PID, info.PID)
	require.Equal(t, want.Revision, info.Revision)
	// Inspection never reclaims.
	require.FileExists(t, path)

	bad := filepath.Join(dir, "bad.lock")
	require.NoError(t, os.WriteFile(bad, []byte("x"), 0o600))
	_, err = m.GetLockInfo(bad)
	require.Error(t, err)
	require.FileExists(t, bad)
}

func TestStatus(t *testing.T) {
	dir := t.TempDir()
	now := time.UnixMilli(time.Now().UnixMilli())
	m := New(WithProber(fakeProber()), WithClock(func() time.Time { return now }))

	st, err := m.Status(filepath.Join(dir, "absent.lock"))
	require.NoError(t, err)
	require.False(t, st.Held())

	path := filepath.Join(dir, "build.lock")
	writeLock(t, path, Info{PID: livePID, Timestamp: now.Add(-time.Minute).UnixMilli()})
	st, err = m.Status(path)
	require.NoError(t, err)
	require.True(t, st.Held())
	require.True(t, st.Alive)
	require.Equal(t, time.Minute, st.Age)

	writeLock(t, path, freshLock(deadPID))
	st, err = m.Status(path)
	require.NoError(t, err)
	require.False(t, st.Held())
	require.Equal(t, ReasonDeadOwner, st.Reason)
}

func TestWaitForLock(t *testing.T) {
	t.Run("not locked returns immediately", func(t *testing.T) {
		m := New(WithProber(fakeProber()))
		require.NoError(t, m.WaitForLock(t.Context(), filepath.Join(t.TempDir(), "x.lock"), time.Second))
	})

	t.Run("released while waiting", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "build.lock")
		writeLock(t, path, freshLock(livePID))
		m := New(WithProber(fakeProber()), WithPollInterval(20*time.Millisecond))

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = os.Remove(path)
		}()

		start := time.Now()
		require.NoError(t, m.WaitForLock(t.Context(), path, 5*time.Second))
		require.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("times out without writing", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "build.lock")
		writeLock(t, path, freshLock(livePID))
		before, err := os.ReadFile(path)
		require.NoError(t, err)
		m := New(WithProber(fakeProber()), WithPollInterval(10*time.Millisecond))

		err = m.WaitForLock(t.Context(), path, 50*time.Millisecond)
		require.Error(t, err)
		require.True(t, berrors.IsCategory(err, berrors.CategoryLock))

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, before, after)
	})
}

func TestRemoveIfUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "build.lock")
	stale, err := encodeInfo(&Info{PID: deadPID, Timestamp: 1, Revision: "old"})
	require.NoError(t, err)

	t.Run("matching content is removed", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, stale, 0o600))
		removed, err := removeIfUnchanged(path, stale)
		require.NoError(t, err)
		require.True(t, removed)
		require.NoFileExists(t, path)
	})

	t.Run("replaced lock is put back", func(t *testing.T) {
		writeLock(t, path, freshLock(livePID))
		before, err := os.ReadFile(path)
		require.NoError(t, err)

		removed, err := removeIfUnchanged(path, stale)
		require.NoError(t, err)
		require.False(t, removed)
		after, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, before, after)
		require.NoError(t, os.Remove(path))
	})

	t.Run("missing file", func(t *testing.T) {
		removed, err := removeIfUnchanged(path, stale)
		require.NoError(t, err)
		require.False(t, removed)
	})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "no side files may be left behind")
}

func TestProcessProber(t *testing.T) {
	p := NewProcessProber()
	require.True(t, p.Alive(os.Getpid()))
	require.False(t, p.Alive(0))
	require.False(t, p.Alive(-1))
}
