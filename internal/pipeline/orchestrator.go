package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/buildrunner/internal/audit"
	"git.home.luguber.info/inful/buildrunner/internal/config"
	berrors "git.home.luguber.info/inful/buildrunner/internal/errors"
	"git.home.luguber.info/inful/buildrunner/internal/logfields"
	"git.home.luguber.info/inful/buildrunner/internal/metrics"
	"git.home.luguber.info/inful/buildrunner/internal/notify"
	"git.home.luguber.info/inful/buildrunner/internal/observability"
	"git.home.luguber.info/inful/buildrunner/internal/runctx"
	"git.home.luguber.info/inful/buildrunner/internal/workspace"
)

// Stage names, used in logs, audit entries and metric labels.
const (
	StageLock    = "lock"
	StageContext = "context"
	StageDiff    = "diff"
	StageTest    = "test"
	StageDeploy  = "deploy"
	StageNotify  = "notify"
	StageUnlock  = "unlock"
)

// Orchestrator sequences the stages of a build run.
type Orchestrator struct {
	cfg    *config.Config
	deps   Dependencies
	dryRun bool
	now    func() time.Time
	newID  func() string
	log    *observability.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDryRun skips the deployment stage, recording a simulated deployment
// instead. All other stages run normally.
func WithDryRun(dryRun bool) Option {
	return func(o *Orchestrator) { o.dryRun = dryRun }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRunIDGenerator replaces the run id source (UUIDv4 by default).
func WithRunIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = observability.NewLogger(l) }
}

// New validates the configuration and dependencies and returns an
// Orchestrator. A missing notifier or a notification configuration without
// any channel is rejected here rather than at the end of a run.
func New(cfg *config.Config, deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, berrors.ConfigRequired("config")
	}
	if deps.Notifier == nil || !cfg.Notification.HasChannel() {
		return nil, berrors.NotificationRequired()
	}
	switch {
	case deps.Lock == nil:
		return nil, berrors.InternalError("lock manager is required", nil)
	case deps.Git == nil:
		return nil, berrors.InternalError("git inspector is required", nil)
	case deps.Diff == nil:
		return nil, berrors.InternalError("diff generator is required", nil)
	case deps.Test == nil:
		return nil, berrors.InternalError("test runner is required", nil)
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NoopRecorder{}
	}
	if deps.Workspace == nil {
		deps.Workspace = workspace.NewManager(cfg.Build.ArtifactsDir, cfg.Build.LogDir)
	}

	o := &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		now:   time.Now,
		newID: uuid.NewString,
		log:   observability.NewLogger(nil),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// DryRun reports whether deployments are simulated.
func (o *Orchestrator) DryRun() bool { return o.dryRun }

// Run executes one build. Empty base and head default to the configured base
// (or origin/main) and HEAD.
func (o *Orchestrator) Run(ctx context.Context, base, head string) (result *BuildResult) {
	start := o.now()
	runID := o.newID()
	if base == "" {
		base = o.cfg.Build.Base
	}
	if base == "" {
		base = config.DefaultBase
	}
	if head == "" {
		head = config.DefaultHead
	}

	result = &BuildResult{
		RunID:     runID,
		Revision:  runctx.UnknownRevision,
		Branch:    runctx.UnknownBranch,
		Commit:    runctx.UnknownCommit(),
		Artifacts: []Artifact{},
	}
	ctx = observability.WithRunID(ctx, runID)

	defer func() {
		if r := recover(); r != nil {
			o.failPanic(ctx, result, StageLock, r)
		}
		o.finalize(ctx, result, start)
	}()

	o.log.InfoContext(ctx, "Build started", slog.String("base", base), slog.String("head", head), slog.Bool("dry_run", o.dryRun))
	o.auditCall(ctx, StageLock, func() error {
		return o.deps.Audit.Start(ctx, runID, map[string]string{"base": base, "head": head, "dry_run": strconv.FormatBool(o.dryRun)})
	})

	if !o.acquire(ctx, result, o.lockRevision(ctx, head)) {
		return result
	}
	lockPath := o.cfg.Build.LockFile
	defer o.release(ctx, lockPath)
	defer func() {
		if r := recover(); r != nil {
			o.failPanic(ctx, result, "pipeline", r)
		}
	}()

	o.runStages(ctx, result, base, head, start)
	return result
}

// lockRevision labels the lock: the short SHA when building HEAD, the head
// argument otherwise or when the repository cannot be read.
func (o *Orchestrator) lockRevision(ctx context.Context, head string) string {
	if head != config.DefaultHead {
		return head
	}
	if v, err := o.deps.Git.ShortRevision(ctx); err == nil && v != "" {
		return v
	}
	return head
}

// acquire runs the lock stage. The wait is not cancellable by ctx: a run
// either gets the lock or times out.
func (o *Orchestrator) acquire(ctx context.Context, result *BuildResult, revision string) bool {
	ctx = observability.WithStage(ctx, StageLock)
	t0 := o.now()
	_, err := o.deps.Lock.Acquire(context.WithoutCancel(ctx), o.cfg.Build.LockFile, o.cfg.Build.LockTimeoutDuration(), revision)
	o.deps.Recorder.ObserveStageDuration(StageLock, o.now().Sub(t0))
	if err != nil {
		o.fail(ctx, result, StageLock, err)
		return false
	}
	o.deps.Recorder.IncStageResult(StageLock, metrics.ResultSuccess)
	return true
}

func (o *Orchestrator) release(ctx context.Context, path string) {
	o.deps.Lock.Release(path)
	o.log.DebugContext(observability.WithStage(ctx, StageUnlock), "Lock released", logfields.LockPath(path))
}

func (o *Orchestrator) runStages(ctx context.Context, result *BuildResult, base, head string, start time.Time) {
	rc := o.gatherContext(observability.WithStage(ctx, StageContext), result.RunID, base, head, start)
	result.Revision = rc.Revision
	result.Branch = rc.Branch
	result.Commit = rc.Commit
	ctx = observability.WithRevision(ctx, rc.Revision)

	// Diff
	dctx := observability.WithStage(ctx, StageDiff)
	t0 := o.now()
	art, err := o.deps.Diff.Generate(dctx, base, head, rc)
	o.deps.Recorder.ObserveStageDuration(StageDiff, o.now().Sub(t0))
	if err == nil && art == nil {
		err = errors.New("diff generator returned no artifact")
	}
	if err != nil {
		o.fail(dctx, result, StageDiff, err)
		return
	}
	if art.URL == "" {
		o.deps.Recorder.IncStageResult(StageDiff, metrics.ResultSuccess)
		result.Success = true
		result.Message = MessageNoChanges
		o.log.InfoContext(dctx, MessageNoChanges)
		o.auditCall(dctx, StageDiff, func() error {
			return o.deps.Audit.Step(dctx, result.RunID, StageDiff, MessageNoChanges, nil)
		})
		return
	}
	o.deps.Recorder.IncStageResult(StageDiff, metrics.ResultSuccess)
	result.Artifacts = append(result.Artifacts, Artifact{Kind: ArtifactDiff, URL: art.URL})
	o.auditCall(dctx, StageDiff, func() error {
		return o.deps.Audit.Step(dctx, result.RunID, StageDiff, "diff generated", map[string]string{"url": art.URL})
	})

	// Test
	tctx := observability.WithStage(ctx, StageTest)
	t0 = o.now()
	tr, err := o.deps.Test.Run(tctx, rc)
	o.deps.Recorder.ObserveStageDuration(StageTest, o.now().Sub(t0))
	if err == nil && tr == nil {
		err = errors.New("test runner returned no result")
	}
	if err != nil {
		o.fail(tctx, result, StageTest, err)
		return
	}
	o.deps.Recorder.IncStageResult(StageTest, metrics.ResultSuccess)
	result.TestResult = tr
	if tr.ReportURL != "" {
		result.Artifacts = append(result.Artifacts, Artifact{Kind: ArtifactReport, URL: tr.ReportURL})
	}
	result.Success = true
	result.Message = fmt.Sprintf("Build completed, tests %s", tr.Status)
	o.auditCall(tctx, StageTest, func() error {
		return o.deps.Audit.Step(tctx, result.RunID, StageTest, "tests "+tr.Status, map[string]string{
			"passed":  strconv.Itoa(tr.Passed),
			"failed":  strconv.Itoa(tr.Failed),
			"skipped": strconv.Itoa(tr.Skipped),
		})
	})

	o.soft(observability.WithStage(ctx, StageDeploy), result, StageDeploy, func(sctx context.Context) {
		o.deploy(sctx, result, rc)
	})
	o.soft(observability.WithStage(ctx, StageNotify), result, StageNotify, func(sctx context.Context) {
		o.notify(sctx, result)
	})
}

// soft runs a non-fatal stage; a panic inside it is logged and audited like
// any other failure of that stage.
func (o *Orchestrator) soft(ctx context.Context, result *BuildResult, stage string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			o.deps.Recorder.IncStageResult(stage, metrics.ResultWarning)
			o.log.ErrorContext(ctx, "Stage panicked", logfields.Stage(stage), slog.String("panic", fmt.Sprint(r)))
			o.auditCall(ctx, stage, func() error {
				return o.deps.Audit.Error(ctx, result.RunID, stage, stage+" panicked", fmt.Errorf("%v", r))
			})
		}
	}()
	fn(ctx)
}

// gatherContext builds the RuntimeContext. Every metadata query degrades to
// its default on failure; nothing here fails the run.
func (o *Orchestrator) gatherContext(ctx context.Context, runID, base, head string, start time.Time) *runctx.RuntimeContext {
	t0 := o.now()
	g := o.deps.Git
	commit := runctx.UnknownCommit()
	warn := func(field string, err error) {
		o.log.WarnContext(ctx, "Commit metadata unavailable", slog.String("field", field), logfields.Error(err))
	}

	if v, err := g.HeadSHA(ctx); err != nil {
		warn("sha", err)
	} else if v != "" {
		commit.SHA = v
	}
	if v, err := g.ShortRevision(ctx); err != nil {
		warn("short_sha", err)
	} else if v != "" {
		commit.ShortSHA = v
	}
	branch := runctx.UnknownBranch
	if v, err := g.Branch(ctx); err != nil {
		warn("branch", err)
	} else if v != "" {
		branch = v
	}
	if v, err := g.Author(ctx); err != nil {
		warn("author", err)
	} else if v != "" {
		commit.Author = v
	}
	if v, err := g.Message(ctx); err != nil {
		warn("message", err)
	} else if v != "" {
		commit.Message = v
	}
	if v, err := g.CommitTime(ctx); err != nil {
		warn("timestamp", err)
	} else {
		commit.Timestamp = v
	}

	if !o.cfg.Build.SkipFetch {
		if err := g.Fetch(ctx); err != nil {
			o.log.WarnContext(ctx, "Repository fetch failed, continuing with local refs", logfields.Error(err))
		}
	}

	dirs := o.deps.Workspace.Dirs(runID, start)
	if err := o.deps.Workspace.Create(dirs); err != nil {
		o.log.WarnContext(ctx, "Failed to create run directories", logfields.Error(err))
	}
	if o.cfg.Build.KeepRuns > 0 {
		if n, err := o.deps.Workspace.Prune(o.cfg.Build.KeepRuns); err != nil {
			o.log.WarnContext(ctx, "Failed to prune old runs", logfields.Error(err))
		} else if n > 0 {
			o.log.DebugContext(ctx, "Pruned old run directories", slog.Int("removed", n))
		}
	}

	rc := &runctx.RuntimeContext{
		RunID:        runID,
		WorkDir:      o.cfg.Build.WorkDir,
		Config:       o.cfg,
		Revision:     commit.ShortSHA,
		Branch:       branch,
		Timestamp:    start,
		ArtifactsDir: dirs.ArtifactsDir,
		LogDir:       dirs.LogDir,
		LockPath:     o.cfg.Build.LockFile,
		Commit:       commit,
		Base:         base,
		Head:         head,
	}
	o.deps.Recorder.ObserveStageDuration(StageContext, o.now().Sub(t0))
	o.deps.Recorder.IncStageResult(StageContext, metrics.ResultSuccess)
	o.log.InfoContext(ctx, "Build context ready",
		logfields.Revision(rc.Revision),
		logfields.Branch(rc.Branch),
		slog.String("author", commit.Author))
	return rc
}

func (o *Orchestrator) deploy(ctx context.Context, result *BuildResult, rc *runctx.RuntimeContext) {
	d := o.deps.Deployer
	if d == nil || !d.Configured() {
		o.deps.Recorder.IncStageResult(StageDeploy, metrics.ResultSkipped)
		return
	}
	if o.dryRun {
		o.log.InfoContext(ctx, "Dry run: simulating deployment", logfields.Revision(rc.Revision))
		o.deps.Recorder.IncStageResult(StageDeploy, metrics.ResultSkipped)
		o.auditCall(ctx, StageDeploy, func() error {
			return o.deps.Audit.Step(ctx, result.RunID, StageDeploy, "simulated deployment", map[string]string{"dry_run": "true"})
		})
		return
	}

	t0 := o.now()
	res, err := d.Deploy(ctx, rc)
	o.deps.Recorder.ObserveStageDuration(StageDeploy, o.now().Sub(t0))
	if err == nil && res == nil {
		err = errors.New("deployer returned no result")
	}
	if err != nil {
		o.deps.Recorder.IncStageResult(StageDeploy, metrics.ResultWarning)
		o.log.ErrorContext(ctx, "Deployment failed", logfields.Error(err))
		o.auditCall(ctx, StageDeploy, func() error {
			return o.deps.Audit.Error(ctx, result.RunID, StageDeploy, "deployment failed", err)
		})
		return
	}

	o.deps.Recorder.IncStageResult(StageDeploy, metrics.ResultSuccess)
	result.DeploymentURL = res.URL
	o.log.InfoContext(ctx, "Deployment triggered", logfields.URL(res.URL), logfields.Status(res.Status))
	o.auditCall(ctx, StageDeploy, func() error {
		return o.deps.Audit.Step(ctx, result.RunID, StageDeploy, "deployment "+res.Status, map[string]string{"url": res.URL})
	})
}

func (o *Orchestrator) notify(ctx context.Context, result *BuildResult) {
	msg := notify.Message{
		Title:      o.cfg.Notification.Title,
		Extra:      extraText(result),
		DiffURL:    result.ArtifactURL(ArtifactDiff),
		PreviewURL: result.DeploymentURL,
		Timestamp:  o.now(),
		IsError:    !result.Success,
		RunID:      result.RunID,
		Revision:   result.Revision,
		Branch:     result.Branch,
	}
	if msg.Title == "" {
		msg.Title = config.DefaultNotifyTitle
	}

	t0 := o.now()
	err := o.deps.Notifier.Send(ctx, msg)
	o.deps.Recorder.ObserveStageDuration(StageNotify, o.now().Sub(t0))
	if err != nil {
		o.deps.Recorder.IncStageResult(StageNotify, metrics.ResultWarning)
		o.log.ErrorContext(ctx, "Notification send failed", logfields.Error(err))
		o.auditCall(ctx, StageNotify, func() error {
			return o.deps.Audit.Error(ctx, result.RunID, StageNotify, "notification send failed", err)
		})
		return
	}
	o.deps.Recorder.IncStageResult(StageNotify, metrics.ResultSuccess)
	o.auditCall(ctx, StageNotify, func() error {
		return o.deps.Audit.Step(ctx, result.RunID, StageNotify, "notification sent", nil)
	})
}

func extraText(result *BuildResult) string {
	if result.Error != "" {
		return result.Error
	}
	if result.TestResult != nil {
		return result.TestResult.Summary()
	}
	return result.Message
}

// failPanic records a recovered panic as a fatal failure. The panic value,
// as a string, becomes the result error.
func (o *Orchestrator) failPanic(ctx context.Context, result *BuildResult, stage string, r any) {
	text := fmt.Sprint(r)
	o.fail(ctx, result, stage, berrors.InternalError("unexpected panic", errors.New(text)))
	result.Error = text
}

// fail records a fatal stage failure on result.
func (o *Orchestrator) fail(ctx context.Context, result *BuildResult, stage string, err error) {
	result.Success = false
	result.Error = errorText(err)
	result.Message = stage + " stage failed"
	if _, ok := berrors.As(err); ok {
		result.err = err
	} else {
		result.err = berrors.StageFailed(stage, err)
	}
	o.deps.Recorder.IncStageResult(stage, metrics.ResultFatal)
	o.log.ErrorContext(ctx, "Build stage failed", logfields.Stage(stage), logfields.Error(err))
	o.auditCall(ctx, stage, func() error {
		return o.deps.Audit.Error(ctx, result.RunID, stage, result.Message, err)
	})
}

// errorText strips the category prefix from a structured error.
func errorText(err error) string {
	be, ok := err.(*berrors.BuildError)
	if !ok {
		return err.Error()
	}
	if be.Cause != nil {
		return be.Message + ": " + be.Cause.Error()
	}
	return be.Message
}

func (o *Orchestrator) finalize(ctx context.Context, result *BuildResult, start time.Time) {
	end := o.now()
	elapsed := end.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	result.DurationMS = elapsed.Milliseconds()
	result.CompletedAt = end

	outcome := metrics.BuildOutcomeSuccess
	switch {
	case !result.Success:
		outcome = metrics.BuildOutcomeFailed
	case result.Message == MessageNoChanges:
		outcome = metrics.BuildOutcomeNoChanges
	}
	o.deps.Recorder.ObserveBuildDuration(elapsed)
	o.deps.Recorder.IncBuildOutcome(outcome)

	o.auditCall(ctx, "complete", func() error {
		return o.deps.Audit.Complete(ctx, result.RunID, result.Success, map[string]string{
			"duration_ms": strconv.FormatInt(result.DurationMS, 10),
			"revision":    result.Revision,
			"message":     result.Message,
		})
	})
	o.log.InfoContext(ctx, "Build finished",
		slog.Bool("success", result.Success),
		logfields.Revision(result.Revision),
		logfields.Elapsed(elapsed),
		slog.String("message", result.Message))
}

// auditCall writes an audit entry. The audit log is a sink: its failures and
// panics are logged and never affect the run.
func (o *Orchestrator) auditCall(ctx context.Context, stage string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.WarnContext(ctx, "Audit sink panicked", logfields.Stage(stage), slog.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := fn(); err != nil {
		o.log.WarnContext(ctx, "Failed to write audit entry", logfields.Stage(stage), logfields.Error(err))
	}
}
