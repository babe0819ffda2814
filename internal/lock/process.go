package lock

// ProcessProber answers whether a process id refers to a running process.
// Implementations must report true when they cannot tell.
type ProcessProber interface {
	Alive(pid int) bool
}

// ProberFunc adapts a function to ProcessProber.
type ProberFunc func(pid int) bool

// Alive implements ProcessProber.
func (f ProberFunc) Alive(pid int) bool { return f(pid) }

// NewProcessProber returns the liveness strategy for the current platform.
func NewProcessProber() ProcessProber {
	return platformProber()
}
