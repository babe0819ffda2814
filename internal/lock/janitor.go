package lock

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/buildrunner/internal/logfields"
)

// DefaultCleanInterval is how often a Janitor sweeps when no interval is given.
const DefaultCleanInterval = 10 * time.Minute

// JanitorStats summarises the sweeps a Janitor has run.
type JanitorStats struct {
	Sweeps   int
	Removed  int
	Failures int
	LastRun  time.Time
}

// Janitor periodically removes stale locks from one directory. It only
// deletes locks Clean would delete; it never acquires or schedules builds.
type Janitor struct {
	manager   *Manager
	dir       string
	interval  time.Duration
	scheduler gocron.Scheduler

	mu    sync.Mutex
	stats JanitorStats
}

// NewJanitor creates a janitor sweeping dir every interval.
func NewJanitor(m *Manager, dir string, interval time.Duration) (*Janitor, error) {
	if interval <= 0 {
		interval = DefaultCleanInterval
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Janitor{manager: m, dir: dir, interval: interval, scheduler: s}, nil
}

// Start schedules the sweep, running the first one immediately.
func (j *Janitor) Start() error {
	_, err := j.scheduler.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(j.sweep),
		gocron.WithName("lock-janitor"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule lock janitor: %w", err)
	}
	slog.Info("Starting lock janitor", logfields.Path(j.dir), slog.Duration("interval", j.interval))
	j.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (j *Janitor) Stop() error {
	slog.Info("Stopping lock janitor", logfields.Path(j.dir))
	return j.scheduler.Shutdown()
}

// Stats returns a snapshot of the sweeps run so far.
func (j *Janitor) Stats() JanitorStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

func (j *Janitor) sweep() {
	removed, err := j.manager.Clean(j.dir)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.stats.Sweeps++
	j.stats.LastRun = time.Now()
	if err != nil {
		j.stats.Failures++
		slog.Warn("Lock janitor sweep failed", logfields.Path(j.dir), logfields.Error(err))
		return
	}
	j.stats.Removed += removed
}
