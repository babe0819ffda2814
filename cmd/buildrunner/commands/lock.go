package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/buildrunner/internal/config"
	berrors "git.home.luguber.info/inful/buildrunner/internal/errors"
	"git.home.luguber.info/inful/buildrunner/internal/lock"
	"git.home.luguber.info/inful/buildrunner/internal/metrics"
)

// LockCmd groups the lock maintenance subcommands.
type LockCmd struct {
	Status  LockStatusCmd  `cmd:"" help:"Show who holds the build lock"`
	Clean   LockCleanCmd   `cmd:"" help:"Remove stale locks from the lock directory"`
	Wait    LockWaitCmd    `cmd:"" help:"Block until the build lock is free"`
	Release LockReleaseCmd `cmd:"" help:"Remove the build lock"`
}

// LockStatusCmd implements 'lock status'.
type LockStatusCmd struct{}

func (c *LockStatusCmd) Run(_ *Global, root *CLI) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	st, err := newLockManager(cfg, metrics.NoopRecorder{}).Status(cfg.Build.LockFile)
	if err != nil {
		return err
	}
	printLockStatus(os.Stdout, st)
	return nil
}

func printLockStatus(w io.Writer, st lock.Status) {
	_, _ = fmt.Fprintf(w, "Lock: %s\n", st.Path)
	if st.Info == nil && st.Reason == "" {
		_, _ = fmt.Fprintln(w, "  state:    free")
		return
	}
	state := "held"
	if !st.Held() {
		state = "stale (" + st.Reason + ")"
	}
	_, _ = fmt.Fprintf(w, "  state:    %s\n", state)
	if st.Info == nil {
		return
	}
	_, _ = fmt.Fprintf(w, "  pid:      %d (alive: %s)\n", st.Info.PID, yesNo(st.Alive))
	_, _ = fmt.Fprintf(w, "  host:     %s\n", orDash(st.Info.Hostname))
	_, _ = fmt.Fprintf(w, "  revision: %s\n", orDash(st.Info.Revision))
	_, _ = fmt.Fprintf(w, "  since:    %s (%s ago)\n", st.Info.AcquiredAt().Format(time.RFC3339), st.Age.Truncate(time.Second))
}

// LockCleanCmd implements 'lock clean'.
type LockCleanCmd struct {
	Dir         string        `help:"Directory to sweep (default: directory of build.lock_file)"`
	Watch       bool          `help:"Keep running and sweep periodically"`
	Every       time.Duration `help:"Sweep interval with --watch (default: lock.clean_interval)"`
	MetricsAddr string        `name:"metrics-addr" help:"With --watch, serve Prometheus metrics on this address (e.g. :9110)"`
}

func (c *LockCleanCmd) Run(_ *Global, root *CLI) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	dir := c.Dir
	if dir == "" {
		dir = filepath.Dir(cfg.Build.LockFile)
	}

	if !c.Watch {
		n, err := newLockManager(cfg, metrics.NoopRecorder{}).Clean(dir)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d stale lock(s) from %s\n", n, dir)
		return nil
	}

	reg := prom.NewRegistry()
	m := newLockManager(cfg, metrics.NewPrometheusRecorder(reg))
	if c.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              c.MetricsAddr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "addr", c.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		slog.Info("Serving metrics", "addr", c.MetricsAddr)
	}
	return runJanitor(m, dir, c.interval(cfg))
}

func metricsMux(reg *prom.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(reg))
	return mux
}

func (c *LockCleanCmd) interval(cfg *config.Config) time.Duration {
	if c.Every > 0 {
		return c.Every
	}
	return cfg.Lock.CleanIntervalDuration()
}

func runJanitor(m *lock.Manager, dir string, interval time.Duration) error {
	j, err := lock.NewJanitor(m, dir, interval)
	if err != nil {
		return err
	}
	if err := j.Start(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	<-ctx.Done()

	slog.Info("Shutdown signal received, stopping janitor...")
	stopErr := j.Stop()
	st := j.Stats()
	fmt.Printf("Janitor ran %d sweep(s), removed %d stale lock(s), %d failure(s)\n", st.Sweeps, st.Removed, st.Failures)
	return stopErr
}

// LockWaitCmd implements 'lock wait'.
type LockWaitCmd struct {
	Timeout time.Duration `help:"Give up after this long (default: build.lock_timeout)"`
}

func (c *LockWaitCmd) Run(_ *Global, root *CLI) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = cfg.Build.LockTimeoutDuration()
	}

	ctx, cancel := signalContext()
	defer cancel()

	m := newLockManager(cfg, metrics.NoopRecorder{})
	if err := m.WaitForLock(ctx, cfg.Build.LockFile, timeout); err != nil {
		return err
	}
	fmt.Println("Lock is free")
	return nil
}

// LockReleaseCmd implements 'lock release'.
type LockReleaseCmd struct {
	Force bool `help:"Release even if a live process holds the lock"`
}

var errLockHeld = errors.New("lock is held by a live process")

func (c *LockReleaseCmd) Run(_ *Global, root *CLI) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	m := newLockManager(cfg, metrics.NoopRecorder{})
	st, err := m.Status(cfg.Build.LockFile)
	if err != nil {
		return err
	}
	if st.Info == nil && st.Reason == "" {
		fmt.Println("Lock is not held")
		return nil
	}
	if st.Held() && !c.Force {
		return berrors.Wrap(errLockHeld, berrors.CategoryLock, berrors.SeverityError,
			fmt.Sprintf("refusing to release lock held by pid %d (use --force)", st.Info.PID)).
			WithContext("path", st.Path)
	}
	m.Release(cfg.Build.LockFile)
	fmt.Printf("Released %s\n", cfg.Build.LockFile)
	return nil
}
