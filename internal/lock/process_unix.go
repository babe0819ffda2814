//go:build unix

package lock

import (
	"errors"

	"golang.org/x/sys/unix"
)

// signalProber sends signal 0, which performs the permission and existence
// checks of kill(2) without delivering anything.
type signalProber struct{}

func platformProber() ProcessProber { return signalProber{} }

func (signalProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return !errors.Is(err, unix.ESRCH)
}
