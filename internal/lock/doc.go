// Package lock provides crash-tolerant, filesystem-based mutual exclusion for
// build runs on a single host.
//
// A lock is a small JSON file ({"pid", "timestamp", "revision", "hostname"})
// whose path is the lock key, conventionally one per work directory. A lock is
// live while its owning process is alive and it is younger than the stale age
// (one hour by default); otherwise it is stale and may be reclaimed by anyone.
//
// # Acquisition
//
// [Manager.Acquire] creates the file atomically: the content is written to a
// temporary file in the same directory and hard-linked into place, so the
// lock path never exists without its full content. When the file already
// exists it is parsed; malformed or stale locks are deleted and the attempt
// is repeated at once, live locks are polled at a fixed interval until the
// timeout elapses. Immediate reclaims are capped per poll interval so a
// process that keeps respawning dead locks cannot spin the acquirer.
//
// # Liveness
//
// Whether an owner is alive is answered by a [ProcessProber] chosen once per
// platform. When liveness cannot be determined the prober reports the owner
// as alive: waiting longer is recoverable, two concurrent builds are not.
//
// # Basic Usage
//
//	m := lock.New(lock.WithPollInterval(time.Second))
//	info, err := m.Acquire(ctx, "/work/.buildrunner/build.lock", 5*time.Minute, "abc1234")
//	if err != nil {
//	    return err
//	}
//	defer m.Release("/work/.buildrunner/build.lock")
package lock
