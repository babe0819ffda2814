package commands

import (
	"fmt"
	"log/slog"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/buildrunner/internal/audit"
	"git.home.luguber.info/inful/buildrunner/internal/config"
	"git.home.luguber.info/inful/buildrunner/internal/deploy"
	"git.home.luguber.info/inful/buildrunner/internal/diff"
	"git.home.luguber.info/inful/buildrunner/internal/git"
	"git.home.luguber.info/inful/buildrunner/internal/lock"
	"git.home.luguber.info/inful/buildrunner/internal/metrics"
	"git.home.luguber.info/inful/buildrunner/internal/notify"
	"git.home.luguber.info/inful/buildrunner/internal/pipeline"
	"git.home.luguber.info/inful/buildrunner/internal/testrun"
	"git.home.luguber.info/inful/buildrunner/internal/workspace"
)

// newLockManager builds a lock manager from the lock section.
func newLockManager(cfg *config.Config, rec metrics.Recorder) *lock.Manager {
	return lock.New(
		lock.WithPollInterval(cfg.Lock.PollIntervalDuration()),
		lock.WithStaleAfter(cfg.Lock.StaleAfterDuration()),
		lock.WithMaxReclaims(cfg.Lock.MaxReclaims),
		lock.WithHostname(cfg.Lock.Hostname),
		lock.WithLogger(slog.Default()),
		lock.WithRecorder(rec),
	)
}

// runtime is a fully wired orchestrator plus what must be closed after it.
type runtime struct {
	orchestrator *pipeline.Orchestrator
	registry     *prom.Registry
	audit        *audit.SQLiteSink
}

func (r *runtime) Close() {
	if r.audit == nil {
		return
	}
	if err := r.audit.Close(); err != nil {
		slog.Warn("Failed to close audit log", "error", err)
	}
}

func newRuntime(cfg *config.Config, dryRun bool) (*runtime, error) {
	reg := prom.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)

	notifier, err := notify.NewFromConfig(cfg.Notification)
	if err != nil {
		return nil, err
	}

	rt := &runtime{registry: reg}
	deps := pipeline.Dependencies{
		Lock:      newLockManager(cfg, rec),
		Git:       newInspector(cfg),
		Diff:      diff.NewGenerator(cfg.Diff.BaseURL),
		Test:      testrun.NewRunner(cfg.Test),
		Deployer:  deploy.New(cfg.Deploy),
		Notifier:  notifier,
		Recorder:  rec,
		Workspace: workspace.NewManager(cfg.Build.ArtifactsDir, cfg.Build.LogDir),
	}
	if !cfg.Audit.Disabled {
		sink, err := audit.NewSQLiteSink(cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		rt.audit = sink
		deps.Audit = sink
	}

	orch, err := pipeline.New(cfg, deps,
		pipeline.WithDryRun(dryRun),
		pipeline.WithLogger(slog.Default()),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.orchestrator = orch
	slog.Debug("Pipeline wired",
		slog.Any("notify_channels", notifier.Channels()),
		slog.Bool("deploy", cfg.Deploy.Configured()),
		slog.Bool("audit", rt.audit != nil))
	return rt, nil
}

func newInspector(cfg *config.Config) *git.Inspector {
	return git.NewInspector(cfg.Build.WorkDir, cfg.Build.Remote).
		WithAuth(git.TokenAuth(cfg.Build.FetchUser, cfg.Build.FetchToken)).
		WithFetchTimeout(cfg.Build.FetchTimeoutDuration())
}
