// Package pipeline runs one build attempt over a (base, head) revision pair
// and reports its outcome as a single BuildResult.
//
// A run is a strict sequence of stages:
//
//	lock -> context -> diff -> test -> deploy -> notify -> unlock
//
// Lock, diff and test failures are fatal: the run stops, Success is false and
// Error carries the failure message. A diff without changes ends the run
// successfully before the test stage. Deployment and notification failures
// are logged and audited but never change Success. Once the lock has been
// acquired it is released on every exit path, including panics, which are
// recovered and reported as fatal.
//
// Run never returns an error and never panics; callers inspect the result.
package pipeline
