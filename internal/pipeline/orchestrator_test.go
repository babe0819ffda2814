package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildrunner/internal/audit"
	"git.home.luguber.info/inful/buildrunner/internal/config"
	"git.home.luguber.info/inful/buildrunner/internal/deploy"
	"git.home.luguber.info/inful/buildrunner/internal/diff"
	berrors "git.home.luguber.info/inful/buildrunner/internal/errors"
	"git.home.luguber.info/inful/buildrunner/internal/git"
	"git.home.luguber.info/inful/buildrunner/internal/lock"
	"git.home.luguber.info/inful/buildrunner/internal/notify"
	"git.home.luguber.info/inful/buildrunner/internal/runctx"
	"git.home.luguber.info/inful/buildrunner/internal/testrun"
	"git.home.luguber.info/inful/buildrunner/internal/workspace"
)

var (
	_ LockManager   = (*lock.Manager)(nil)
	_ GitInspector  = (*git.Inspector)(nil)
	_ DiffGenerator = (*diff.Generator)(nil)
	_ TestRunner    = (*testrun.Runner)(nil)
	_ Deployer      = (*deploy.Trigger)(nil)
	_ Notifier      = (*notify.Multi)(nil)
	_ Workspace     = (*workspace.Manager)(nil)
)

type fakeLock struct {
	mu       sync.Mutex
	err      error
	acquired []string
	released []string
}

func (f *fakeLock) Acquire(_ context.Context, path string, _ time.Duration, revision string) (*lock.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.acquired = append(f.acquired, revision)
	return &lock.Info{PID: 1, Timestamp: time.Now().UnixMilli(), Revision: revision, Acquired: true}, nil
}

func (f *fakeLock) Release(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, path)
}

func (f *fakeLock) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

type fakeGit struct {
	fail    bool
	fetched int
}

var errNoRepo = errors.New("not a git repository")

func (g *fakeGit) value(v string) (string, error) {
	if g.fail {
		return "", errNoRepo
	}
	return v, nil
}

func (g *fakeGit) HeadSHA(context.Context) (string, error) {
	return g.value("0123456789abcdef0123456789abcdef01234567")
}
func (g *fakeGit) ShortRevision(context.Context) (string, error) { return g.value("0123456") }
func (g *fakeGit) Branch(context.Context) (string, error)        { return g.value("feature/x") }
func (g *fakeGit) Author(context.Context) (string, error)        { return g.value("Ada") }
func (g *fakeGit) Message(context.Context) (string, error)       { return g.value("Add feature") }
func (g *fakeGit) CommitTime(context.Context) (time.Time, error) {
	if g.fail {
		return time.Time{}, errNoRepo
	}
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), nil
}
func (g *fakeGit) Fetch(context.Context) error {
	g.fetched++
	return nil
}

type diffFunc func(ctx context.Context, base, head string, rc *runctx.RuntimeContext) (*diff.Artifact, error)

func (f diffFunc) Generate(ctx context.Context, base, head string, rc *runctx.RuntimeContext) (*diff.Artifact, error) {
	return f(ctx, base, head, rc)
}

type testFunc func(ctx context.Context, rc *runctx.RuntimeContext) (*testrun.Result, error)

func (f testFunc) Run(ctx context.Context, rc *runctx.RuntimeContext) (*testrun.Result, error) {
	return f(ctx, rc)
}

type fakeDeployer struct {
	configured bool
	err        error
	panicWith  any
	calls      int
}

func (d *fakeDeployer) Configured() bool { return d.configured }

func (d *fakeDeployer) Deploy(context.Context, *runctx.RuntimeContext) (*deploy.Result, error) {
	d.calls++
	if d.panicWith != nil {
		panic(d.panicWith)
	}
	if d.err != nil {
		return nil, d.err
	}
	return &deploy.Result{Status: deploy.StatusDeployed, URL: "https://preview.example.com/0123456"}, nil
}

type fakeNotifier struct {
	err  error
	sent []notify.Message
}

func (n *fakeNotifier) Send(_ context.Context, msg notify.Message) error {
	n.sent = append(n.sent, msg)
	return n.err
}

type harness struct {
	cfg      *config.Config
	lock     *fakeLock
	git      *fakeGit
	diffs    int
	tests    int
	diffFn   diffFunc
	testFn   testFunc
	deployer *fakeDeployer
	notifier *fakeNotifier
	audit    *audit.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		cfg: &config.Config{
			Build: config.BuildConfig{
				WorkDir:      root,
				Base:         config.DefaultBase,
				SkipFetch:    true,
				LockFile:     filepath.Join(root, "build.lock"),
				LockTimeout:  "1s",
				ArtifactsDir: filepath.Join(root, "artifacts"),
				LogDir:       filepath.Join(root, "logs"),
				KeepRuns:     5,
			},
			Notification: config.NotificationConfig{Title: "Preview ready", Log: true},
		},
		lock:     &fakeLock{},
		git:      &fakeGit{},
		deployer: &fakeDeployer{configured: true},
		notifier: &fakeNotifier{},
		audit:    audit.NewMemory(),
	}
	h.diffFn = func(context.Context, string, string, *runctx.RuntimeContext) (*diff.Artifact, error) {
		return &diff.Artifact{Kind: diff.KindDiff, URL: "file:///tmp/diff.html", Files: 2}, nil
	}
	h.testFn = func(context.Context, *runctx.RuntimeContext) (*testrun.Result, error) {
		return &testrun.Result{Status: testrun.StatusPassed, Passed: 3, ReportURL: "file:///tmp/tests.html"}, nil
	}
	return h
}

func (h *harness) orchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	deps := Dependencies{
		Lock: h.lock,
		Git:  h.git,
		Diff: diffFunc(func(ctx context.Context, base, head string, rc *runctx.RuntimeContext) (*diff.Artifact, error) {
			h.diffs++
			return h.diffFn(ctx, base, head, rc)
		}),
		Test: testFunc(func(ctx context.Context, rc *runctx.RuntimeContext) (*testrun.Result, error) {
			h.tests++
			return h.testFn(ctx, rc)
		}),
		Deployer:  h.deployer,
		Notifier:  h.notifier,
		Audit:     h.audit,
		Workspace: workspace.NewManager(h.cfg.Build.ArtifactsDir, h.cfg.Build.LogDir),
	}
	opts = append([]Option{WithRunIDGenerator(func() string { return "run-0001-abcdef" })}, opts...)
	o, err := New(h.cfg, deps, opts...)
	require.NoError(t, err)
	return o
}

func (h *harness) auditErrors(stage string) []audit.Entry {
	var out []audit.Entry
	for _, e := range h.audit.Entries() {
		if e.Kind == audit.KindError && e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

func TestNew(t *testing.T) {
	h := newHarness(t)
	valid := Dependencies{Lock: h.lock, Git: h.git, Diff: diffFunc(h.diffFn), Test: testFunc(h.testFn), Notifier: h.notifier}

	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil, valid)
		require.Error(t, err)
		assert.True(t, berrors.IsCategory(err, berrors.CategoryConfig))
	})

	t.Run("no notifier", func(t *testing.T) {
		deps := valid
		deps.Notifier = nil
		_, err := New(h.cfg, deps)
		require.Error(t, err)
		assert.True(t, berrors.IsCategory(err, berrors.CategoryConfig))
		assert.Contains(t, err.Error(), "notification configuration is required")
	})

	t.Run("no notification channel", func(t *testing.T) {
		cfg := *h.cfg
		cfg.Notification = config.NotificationConfig{}
		_, err := New(&cfg, valid)
		require.Error(t, err)
		assert.True(t, berrors.IsCategory(err, berrors.CategoryConfig))
		assert.Contains(t, err.Error(), "notification configuration is required")
	})

	t.Run("missing collaborator", func(t *testing.T) {
		deps := valid
		deps.Diff = nil
		_, err := New(h.cfg, deps)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "diff generator is required")
	})

	t.Run("defaults", func(t *testing.T) {
		o, err := New(h.cfg, valid, WithDryRun(true))
		require.NoError(t, err)
		assert.True(t, o.DryRun())
		assert.NotNil(t, o.deps.Audit)
		assert.NotNil(t, o.deps.Recorder)
		assert.NotNil(t, o.deps.Workspace)
	})
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t)
	var seen *runctx.RuntimeContext
	h.diffFn = func(_ context.Context, base, head string, rc *runctx.RuntimeContext) (*diff.Artifact, error) {
		seen = rc
		assert.Equal(t, "origin/main", base)
		assert.Equal(t, "HEAD", head)
		return &diff.Artifact{Kind: diff.KindDiff, URL: "file:///tmp/diff.html"}, nil
	}

	res := h.orchestrator(t).Run(t.Context(), "", "")

	require.True(t, res.Success, res.Error)
	assert.Empty(t, res.Error)
	require.NoError(t, res.Err())
	assert.Equal(t, "run-0001-abcdef", res.RunID)
	assert.Equal(t, "0123456", res.Revision)
	assert.Equal(t, "feature/x", res.Branch)
	assert.Equal(t, "Ada", res.Commit.Author)
	assert.GreaterOrEqual(t, res.DurationMS, int64(0))
	assert.False(t, res.CompletedAt.IsZero())

	require.Len(t, res.Artifacts, 2)
	assert.Equal(t, Artifact{Kind: ArtifactDiff, URL: "file:///tmp/diff.html"}, res.Artifacts[0])
	assert.Equal(t, Artifact{Kind: ArtifactReport, URL: "file:///tmp/tests.html"}, res.Artifacts[1])
	assert.Equal(t, "https://preview.example.com/0123456", res.DeploymentURL)
	require.NotNil(t, res.TestResult)
	assert.Equal(t, 3, res.TestResult.Passed)

	require.NotNil(t, seen)
	assert.Equal(t, res.RunID, seen.RunID)
	assert.Equal(t, h.cfg.Build.LockFile, seen.LockPath)
	assert.DirExists(t, seen.ArtifactsDir)
	assert.DirExists(t, seen.LogDir)

	assert.Equal(t, []string{"0123456"}, h.lock.acquired)
	assert.Equal(t, 1, h.lock.releases())
	assert.Zero(t, h.git.fetched)

	require.Len(t, h.notifier.sent, 1)
	msg := h.notifier.sent[0]
	assert.Equal(t, "Preview ready", msg.Title)
	assert.False(t, msg.IsError)
	assert.Equal(t, "file:///tmp/diff.html", msg.DiffURL)
	assert.Equal(t, res.DeploymentURL, msg.PreviewURL)
	assert.Contains(t, msg.Extra, "3 passed")

	entries := h.audit.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, audit.KindStart, entries[0].Kind)
	last := entries[len(entries)-1]
	assert.Equal(t, audit.KindComplete, last.Kind)
	assert.Equal(t, "run succeeded", last.Message)
}

func TestRun_NoChanges(t *testing.T) {
	h := newHarness(t)
	h.diffFn = func(context.Context, string, string, *runctx.RuntimeContext) (*diff.Artifact, error) {
		return &diff.Artifact{Kind: diff.KindDiff}, nil
	}

	res := h.orchestrator(t).Run(t.Context(), "main", "feature")

	assert.True(t, res.Success)
	assert.Equal(t, MessageNoChanges, res.Message)
	assert.Empty(t, res.Artifacts)
	assert.NotNil(t, res.Artifacts)
	assert.Nil(t, res.TestResult)
	assert.Empty(t, res.DeploymentURL)
	assert.Zero(t, h.tests)
	assert.Zero(t, h.deployer.calls)
	assert.Empty(t, h.notifier.sent)
	assert.Equal(t, 1, h.lock.releases())
}

func TestRun_LockFailure(t *testing.T) {
	h := newHarness(t)
	h.lock.err = berrors.LockTimeout(h.cfg.Build.LockFile, time.Second)

	res := h.orchestrator(t).Run(t.Context(), "", "")

	assert.False(t, res.Success)
	assert.Equal(t, "failed to acquire lock within 1s", res.Error)
	assert.True(t, berrors.IsCategory(res.Err(), berrors.CategoryLock))
	assert.Zero(t, h.diffs)
	assert.Zero(t, h.lock.releases())
	assert.Empty(t, h.notifier.sent)
	assert.Equal(t, runctx.UnknownRevision, res.Revision)
	assert.Len(t, h.auditErrors(StageLock), 1)
}

func TestRun_FatalStages(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		want  string
		stage string
	}{
		{
			name: "diff error",
			setup: func(h *harness) {
				h.diffFn = func(context.Context, string, string, *runctx.RuntimeContext) (*diff.Artifact, error) {
					return nil, errors.New("bad revision origin/main")
				}
			},
			want:  "bad revision origin/main",
			stage: StageDiff,
		},
		{
			name: "diff returns nothing",
			setup: func(h *harness) {
				h.diffFn = func(context.Context, string, string, *runctx.RuntimeContext) (*diff.Artifact, error) {
					return nil, nil
				}
			},
			want:  "diff generator returned no artifact",
			stage: StageDiff,
		},
		{
			name: "test runner error",
			setup: func(h *harness) {
				h.testFn = func(context.Context, *runctx.RuntimeContext) (*testrun.Result, error) {
					return nil, errors.New("exec: \"go\": executable file not found")
				}
			},
			want:  "exec: \"go\": executable file not found",
			stage: StageTest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			res := h.orchestrator(t).Run(t.Context(), "", "")

			assert.False(t, res.Success)
			assert.Equal(t, tt.want, res.Error)
			assert.Equal(t, 1, h.lock.releases())
			assert.Zero(t, h.deployer.calls)
			assert.Empty(t, h.notifier.sent)
			assert.Len(t, h.auditErrors(tt.stage), 1)
			assert.Empty(t, res.DeploymentURL)
		})
	}
}

func TestRun_FailingTestsAreNotFatal(t *testing.T) {
	h := newHarness(t)
	h.testFn = func(context.Context, *runctx.RuntimeContext) (*testrun.Result, error) {
		return &testrun.Result{Status: testrun.StatusFailed, Passed: 1, Failed: 2, ExitCode: 1}, nil
	}

	res := h.orchestrator(t).Run(t.Context(), "", "")

	assert.True(t, res.Success)
	require.NotNil(t, res.TestResult)
	assert.Equal(t, testrun.StatusFailed, res.TestResult.Status)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, ArtifactDiff, res.Artifacts[0].Kind)
	require.Len(t, h.notifier.sent, 1)
}

func TestRun_DeployFailureIsSoft(t *testing.T) {
	h := newHarness(t)
	h.deployer.err = errors.New("webhook returned 502")

	res := h.orchestrator(t).Run(t.Context(), "", "")

	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.Empty(t, res.DeploymentURL)
	assert.Equal(t, 1, h.lock.releases())
	require.Len(t, h.notifier.sent, 1)
	assert.Empty(t, h.notifier.sent[0].PreviewURL)

	errs := h.auditErrors(StageDeploy)
	require.Len(t, errs, 1)
	assert.Equal(t, "deployment failed", errs[0].Message)
	assert.Equal(t, "webhook returned 502", errs[0].Fields["error"])
}

func TestRun_DeployPanicIsSoft(t *testing.T) {
	h := newHarness(t)
	h.deployer.panicWith = "nil map"

	res := h.orchestrator(t).Run(t.Context(), "", "")

	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, h.lock.releases())
	assert.Len(t, h.auditErrors(StageDeploy), 1)
	assert.Len(t, h.notifier.sent, 1)
}

func TestRun_NotifyFailureIsSoft(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("connection refused")

	res := h.orchestrator(t).Run(t.Context(), "", "")

	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, h.lock.releases())

	errs := h.auditErrors(StageNotify)
	require.Len(t, errs, 1)
	assert.Equal(t, "notification send failed", errs[0].Message)
}

func TestRun_DeployNotConfigured(t *testing.T) {
	h := newHarness(t)
	h.deployer.configured = false

	res := h.orchestrator(t).Run(t.Context(), "", "")

	assert.True(t, res.Success)
	assert.Zero(t, h.deployer.calls)
	assert.Empty(t, res.DeploymentURL)
}

func TestRun_DryRun(t *testing.T) {
	h := newHarness(t)

	res := h.orchestrator(t, WithDryRun(true)).Run(t.Context(), "", "")

	assert.True(t, res.Success)
	assert.Zero(t, h.deployer.calls)
	assert.Empty(t, res.DeploymentURL)
	assert.Equal(t, 1, h.tests)
	assert.Len(t, h.notifier.sent, 1)

	var simulated bool
	for _, e := range h.audit.Entries() {
		if e.Stage == StageDeploy && e.Message == "simulated deployment" {
			simulated = true
		}
	}
	assert.True(t, simulated)
}

func TestRun_PanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	h.testFn = func(context.Context, *runctx.RuntimeContext) (*testrun.Result, error) {
		panic("index out of range")
	}

	var res *BuildResult
	require.NotPanics(t, func() {
		res = h.orchestrator(t).Run(t.Context(), "", "")
	})

	assert.False(t, res.Success)
	assert.Equal(t, "index out of range", res.Error)
	assert.True(t, berrors.IsCategory(res.Err(), berrors.CategoryInternal))
	assert.Equal(t, 1, h.lock.releases())
	assert.Empty(t, h.notifier.sent)
	assert.Equal(t, audit.KindComplete, h.audit.Entries()[len(h.audit.Entries())-1].Kind)
}

func TestRun_GitMetadataDegrades(t *testing.T) {
	h := newHarness(t)
	h.git.fail = true
	h.cfg.Build.SkipFetch = false

	res := h.orchestrator(t).Run(t.Context(), "", "")

	assert.True(t, res.Success)
	assert.Equal(t, runctx.UnknownRevision, res.Revision)
	assert.Equal(t, runctx.UnknownBranch, res.Branch)
	assert.Equal(t, runctx.UnknownAuthor, res.Commit.Author)
	assert.Equal(t, runctx.NoCommitMessage, res.Commit.Message)
	assert.Equal(t, 1, h.git.fetched)
	assert.Equal(t, []string{"HEAD"}, h.lock.acquired)
}

func TestRun_LockRevisionLabel(t *testing.T) {
	h := newHarness(t)
	h.orchestrator(t).Run(t.Context(), "", "release/1.2")
	assert.Equal(t, []string{"release/1.2"}, h.lock.acquired)
}

func TestRun_ReleasesLockExactlyOnce(t *testing.T) {
	failures := map[string]func(h *harness){
		"diff": func(h *harness) {
			h.diffFn = func(context.Context, string, string, *runctx.RuntimeContext) (*diff.Artifact, error) {
				return nil, errors.New("boom")
			}
		},
		"test": func(h *harness) {
			h.testFn = func(context.Context, *runctx.RuntimeContext) (*testrun.Result, error) {
				return nil, errors.New("boom")
			}
		},
		"deploy": func(h *harness) { h.deployer.err = errors.New("boom") },
		"notify": func(h *harness) { h.notifier.err = errors.New("boom") },
	}
	for name, inject := range failures {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			inject(h)
			h.orchestrator(t).Run(t.Context(), "", "")
			assert.Equal(t, 1, h.lock.releases())
		})
	}
}

func TestRun_CancelledContextStillLocks(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	res := h.orchestrator(t).Run(ctx, "", "")

	assert.Len(t, h.lock.acquired, 1)
	assert.Equal(t, 1, h.lock.releases())
	assert.NotNil(t, res)
}

func TestRun_WithRealLock(t *testing.T) {
	h := newHarness(t)
	m := lock.New(lock.WithPollInterval(10 * time.Millisecond))

	o, err := New(h.cfg, Dependencies{
		Lock:     m,
		Git:      h.git,
		Diff:     diffFunc(h.diffFn),
		Test:     testFunc(h.testFn),
		Notifier: h.notifier,
	})
	require.NoError(t, err)

	res := o.Run(t.Context(), "", "")

	assert.True(t, res.Success, res.Error)
	assert.False(t, m.IsLocked(h.cfg.Build.LockFile))
}
