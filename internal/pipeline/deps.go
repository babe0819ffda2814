package pipeline

import (
	"context"
	"time"

	"git.home.luguber.info/inful/buildrunner/internal/audit"
	"git.home.luguber.info/inful/buildrunner/internal/deploy"
	"git.home.luguber.info/inful/buildrunner/internal/diff"
	"git.home.luguber.info/inful/buildrunner/internal/lock"
	"git.home.luguber.info/inful/buildrunner/internal/metrics"
	"git.home.luguber.info/inful/buildrunner/internal/notify"
	"git.home.luguber.info/inful/buildrunner/internal/runctx"
	"git.home.luguber.info/inful/buildrunner/internal/testrun"
	"git.home.luguber.info/inful/buildrunner/internal/workspace"
)

// LockManager provides the run's mutual exclusion.
type LockManager interface {
	Acquire(ctx context.Context, path string, timeout time.Duration, revision string) (*lock.Info, error)
	Release(path string)
}

// GitInspector answers commit metadata queries. Each query fails
// independently of the others.
type GitInspector interface {
	HeadSHA(ctx context.Context) (string, error)
	ShortRevision(ctx context.Context) (string, error)
	Branch(ctx context.Context) (string, error)
	Author(ctx context.Context) (string, error)
	Message(ctx context.Context) (string, error)
	CommitTime(ctx context.Context) (time.Time, error)
	Fetch(ctx context.Context) error
}

// DiffGenerator produces the diff artifact; an empty URL means no changes.
type DiffGenerator interface {
	Generate(ctx context.Context, base, head string, rc *runctx.RuntimeContext) (*diff.Artifact, error)
}

// TestRunner runs the test suite. Failing tests are reported in the result,
// not as an error.
type TestRunner interface {
	Run(ctx context.Context, rc *runctx.RuntimeContext) (*testrun.Result, error)
}

// Deployer triggers a deployment when configured.
type Deployer interface {
	Configured() bool
	Deploy(ctx context.Context, rc *runctx.RuntimeContext) (*deploy.Result, error)
}

// Notifier delivers the build outcome.
type Notifier interface {
	Send(ctx context.Context, msg notify.Message) error
}

// Workspace lays out per-run directories.
type Workspace interface {
	Dirs(runID string, ts time.Time) workspace.RunDirs
	Create(dirs workspace.RunDirs) error
	Prune(keep int) (int, error)
}

// Dependencies are the collaborators of an Orchestrator. Lock, Git, Diff,
// Test and Notifier are required; the rest have defaults.
type Dependencies struct {
	Lock      LockManager
	Git       GitInspector
	Diff      DiffGenerator
	Test      TestRunner
	Deployer  Deployer
	Notifier  Notifier
	Audit     audit.Sink
	Recorder  metrics.Recorder
	Workspace Workspace
}
