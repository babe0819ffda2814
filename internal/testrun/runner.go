package testrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"git.home.luguber.info/inful/buildrunner/internal/config"
	"git.home.luguber.info/inful/buildrunner/internal/logfields"
	"git.home.luguber.info/inful/buildrunner/internal/report"
	"git.home.luguber.info/inful/buildrunner/internal/runctx"
)

// Test statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// KindReport is the artifact kind of test reports.
const KindReport = "report"

const (
	outputTailLines = 50
	waitDelay       = 5 * time.Second
)

// Result summarises one test run.
type Result struct {
	Status    string        `json:"status"`
	Passed    int           `json:"passed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	ReportURL string        `json:"report_url,omitempty"`
	Duration  time.Duration `json:"duration"`

	FailedTests []string `json:"failed_tests,omitempty"`
	ExitCode    int      `json:"exit_code"`
}

// Summary renders a one-line description for notifications.
func (r *Result) Summary() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("Tests %s: %d passed, %d failed, %d skipped", r.Status, r.Passed, r.Failed, r.Skipped)
}

// Runner runs the configured test command.
type Runner struct {
	cfg config.TestConfig
}

// NewRunner creates a runner for cfg.
func NewRunner(cfg config.TestConfig) *Runner {
	return &Runner{cfg: cfg}
}

// Run executes the test command in rc.WorkDir.
func (r *Runner) Run(ctx context.Context, rc *runctx.RuntimeContext) (*Result, error) {
	if len(r.cfg.Command) == 0 {
		return &Result{Status: StatusSkipped}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.TimeoutDuration())
	defer cancel()

	// #nosec G204 - the command comes from the operator's configuration
	cmd := exec.CommandContext(ctx, r.cfg.Command[0], r.cfg.Command[1:]...)
	cmd.Dir = rc.WorkDir
	cmd.Env = os.Environ()
	for k, v := range r.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, combined bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, &combined)
	cmd.Stderr = &combined
	cmd.WaitDelay = waitDelay

	slog.InfoContext(ctx, "Running tests", slog.String("command", strings.Join(r.cfg.Command, " ")), logfields.Path(rc.WorkDir))
	start := time.Now()
	runErr := cmd.Run()
	res := &Result{Duration: time.Since(start)}

	r.writeLog(ctx, rc, combined.Bytes())

	if ctx.Err() != nil {
		return nil, fmt.Errorf("test command timed out after %s: %w", r.cfg.TimeoutDuration(), ctx.Err())
	}
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("run test command: %w", runErr)
	}

	output := combined.String()
	if r.cfg.Format == config.TestFormatGoJSON {
		sum, err := ParseGoTestJSON(&stdout)
		if err != nil {
			return nil, fmt.Errorf("parse test output: %w", err)
		}
		res.Passed, res.Failed, res.Skipped = sum.Passed, sum.Failed, sum.Skipped
		res.FailedTests = sum.FailedTests
		if len(sum.Output) > 0 {
			output = strings.Join(sum.Output, "\n")
		}
	}
	res.Status = status(res)

	if rc.ArtifactsDir != "" {
		if url, err := r.writeReport(rc, res, output); err != nil {
			slog.WarnContext(ctx, "Failed to write test report", logfields.Error(err))
		} else {
			res.ReportURL = url
		}
	}

	slog.InfoContext(ctx, "Tests finished",
		logfields.Status(res.Status),
		slog.Int("passed", res.Passed),
		slog.Int("failed", res.Failed),
		slog.Int("skipped", res.Skipped),
		logfields.Elapsed(res.Duration))
	return res, nil
}

func status(res *Result) string {
	switch {
	case res.ExitCode == 0:
		return StatusPassed
	case res.Failed > 0:
		return StatusFailed
	case res.Passed+res.Skipped > 0:
		// Non-zero exit with no failing test: a package failed to build.
		return StatusError
	default:
		return StatusFailed
	}
}

func (r *Runner) writeLog(ctx context.Context, rc *runctx.RuntimeContext, output []byte) {
	if rc.LogDir == "" {
		return
	}
	path := filepath.Join(rc.LogDir, "test.log")
	if err := os.WriteFile(path, output, 0o600); err != nil {
		slog.WarnContext(ctx, "Failed to write test log", logfields.Path(path), logfields.Error(err))
	}
}

func (r *Runner) writeReport(rc *runctx.RuntimeContext, res *Result, output string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Test results: %s\n\n", res.Status)
	b.WriteString("| Passed | Failed | Skipped | Duration |\n|---:|---:|---:|---:|\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %s |\n", res.Passed, res.Failed, res.Skipped, res.Duration.Round(time.Millisecond))
	if len(res.FailedTests) > 0 {
		b.WriteString("\n## Failed tests\n\n")
		for _, name := range res.FailedTests {
			fmt.Fprintf(&b, "- `%s`\n", name)
		}
	}
	if tail := lastLines(output, outputTailLines); tail != "" {
		b.WriteString("\n## Output\n\n")
		b.WriteString(report.CodeBlock("", tail))
	}

	doc := report.Document{
		Title: "Test results",
		Fields: map[string]any{
			"status":   res.Status,
			"passed":   res.Passed,
			"failed":   res.Failed,
			"skipped":  res.Skipped,
			"revision": rc.Revision,
			"run_id":   rc.RunID,
		},
		Body: b.String(),
	}
	out, err := report.NewWriter(rc.ArtifactsDir, r.cfg.ReportBaseURL).Write("tests", doc)
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
