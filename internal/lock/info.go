package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FileSuffix is the conventional lock file extension; Clean only considers
// files carrying it.
const FileSuffix = ".lock"

// Info is the content of a lock file.
type Info struct {
	PID       int    `json:"pid"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
	Revision  string `json:"revision"`
	Hostname  string `json:"hostname"`

	// Acquired is set on the value returned by a successful Acquire. It is
	// never persisted.
	Acquired bool `json:"-"`
}

// AcquiredAt returns the acquisition time recorded in the lock.
func (i *Info) AcquiredAt() time.Time {
	return time.UnixMilli(i.Timestamp)
}

// Age returns how long ago the lock was taken, relative to now. Locks stamped
// in the future report a zero age.
func (i *Info) Age(now time.Time) time.Duration {
	age := now.Sub(i.AcquiredAt())
	if age < 0 {
		return 0
	}
	return age
}

var errMalformed = errors.New("malformed lock file")

func encodeInfo(i *Info) ([]byte, error) {
	return json.Marshal(i)
}

func parseInfo(data []byte) (*Info, error) {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if info.PID <= 0 {
		return nil, fmt.Errorf("%w: invalid pid %d", errMalformed, info.PID)
	}
	if info.Timestamp <= 0 {
		return nil, fmt.Errorf("%w: missing timestamp", errMalformed)
	}
	return &info, nil
}
