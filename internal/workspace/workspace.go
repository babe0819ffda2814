package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	berrors "git.home.luguber.info/inful/buildrunner/internal/errors"
	"git.home.luguber.info/inful/buildrunner/internal/logfields"
)

// RunDirs are the directories belonging to one run.
type RunDirs struct {
	Name         string
	ArtifactsDir string
	LogDir       string
}

// Manager creates and prunes run directories below two roots.
type Manager struct {
	artifactsRoot string
	logRoot       string
}

// NewManager creates a manager for the given roots. An empty log root places
// logs next to the artifacts.
func NewManager(artifactsRoot, logRoot string) *Manager {
	if artifactsRoot == "" {
		artifactsRoot = filepath.Join(os.TempDir(), "buildrunner", "artifacts")
	}
	if logRoot == "" {
		logRoot = artifactsRoot
	}
	return &Manager{artifactsRoot: artifactsRoot, logRoot: logRoot}
}

// RunName returns the directory name used for a run started at ts.
func RunName(runID string, ts time.Time) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s", ts.UTC().Format("20060102-150405"), short)
}

// Dirs computes the run directories without creating them.
func (m *Manager) Dirs(runID string, ts time.Time) RunDirs {
	name := RunName(runID, ts)
	dirs := RunDirs{
		Name:         name,
		ArtifactsDir: filepath.Join(m.artifactsRoot, name),
		LogDir:       filepath.Join(m.logRoot, name),
	}
	if m.logRoot == m.artifactsRoot {
		dirs.LogDir = filepath.Join(dirs.ArtifactsDir, "logs")
	}
	return dirs
}

// Create makes the run directories.
func (m *Manager) Create(dirs RunDirs) error {
	for _, dir := range []string{dirs.ArtifactsDir, dirs.LogDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return berrors.WorkspaceError("create", err).WithContext("path", dir)
		}
	}
	slog.Debug("Created run directories",
		slog.String("artifacts_dir", dirs.ArtifactsDir),
		slog.String("log_dir", dirs.LogDir))
	return nil
}

// Prune removes all but the newest keep run directories from both roots and
// returns how many directories were removed. keep <= 0 disables pruning.
func (m *Manager) Prune(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	roots := []string{m.artifactsRoot}
	if m.logRoot != m.artifactsRoot {
		roots = append(roots, m.logRoot)
	}

	removed := 0
	var errs []error
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var names []string
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
		// Names start with a sortable UTC timestamp.
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
		if len(names) <= keep {
			continue
		}
		for _, name := range names[keep:] {
			path := filepath.Join(root, name)
			if err := os.RemoveAll(path); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove %s: %w", path, err))
				continue
			}
			removed++
			slog.Debug("Pruned run directory", logfields.Path(path))
		}
	}
	if len(errs) > 0 {
		return removed, berrors.WorkspaceError("prune", errors.Join(errs...))
	}
	return removed, nil
}
