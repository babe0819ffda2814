package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID      = "run_id"
	KeyStage      = "stage"
	KeyDurationMS = "duration_ms"
	KeyLockPath   = "lock_path"
	KeyPID        = "pid"
	KeyRevision   = "revision"
	KeyBranch     = "branch"
	KeyHostname   = "hostname"
	KeyPath       = "path"
	KeyURL        = "url"
	KeyChannel    = "channel"
	KeyStatus     = "status"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func LockPath(p string) slog.Attr     { return slog.String(KeyLockPath, p) }
func PID(pid int) slog.Attr           { return slog.Int(KeyPID, pid) }
func Revision(r string) slog.Attr     { return slog.String(KeyRevision, r) }
func Branch(b string) slog.Attr       { return slog.String(KeyBranch, b) }
func Hostname(h string) slog.Attr     { return slog.String(KeyHostname, h) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Channel(c string) slog.Attr      { return slog.String(KeyChannel, c) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }

// Elapsed converts a duration to the canonical duration_ms attribute.
func Elapsed(d time.Duration) slog.Attr {
	return DurationMS(float64(d) / float64(time.Millisecond))
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
