// Package deploy triggers a preview deployment after a successful build,
// either by POSTing to a webhook or by running a local command.
package deploy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"git.home.luguber.info/inful/buildrunner/internal/config"
	"git.home.luguber.info/inful/buildrunner/internal/logfields"
	"git.home.luguber.info/inful/buildrunner/internal/runctx"
	"git.home.luguber.info/inful/buildrunner/internal/version"
)

// StatusDeployed is reported when a deployment did not return its own status.
const StatusDeployed = "deployed"

// Result is the outcome of a deployment.
type Result struct {
	Status string `json:"status"`
	URL    string `json:"url"`
}

// Request is the JSON body sent to deployment webhooks.
type Request struct {
	RunID    string    `json:"run_id"`
	Revision string    `json:"revision"`
	Branch   string    `json:"branch"`
	SHA      string    `json:"sha"`
	Author   string    `json:"author"`
	Message  string    `json:"message"`
	WorkDir  string    `json:"work_dir"`
	Time     time.Time `json:"time"`
}

// Trigger deploys according to its configuration.
type Trigger struct {
	cfg    config.DeployConfig
	client *http.Client
}

// New creates a trigger for cfg.
func New(cfg config.DeployConfig) *Trigger {
	return &Trigger{cfg: cfg, client: &http.Client{Timeout: cfg.TimeoutDuration()}}
}

// Configured reports whether this trigger should run at all.
func (t *Trigger) Configured() bool {
	return t.cfg.Configured()
}

// Deploy starts a deployment for the run described by rc.
func (t *Trigger) Deploy(ctx context.Context, rc *runctx.RuntimeContext) (*Result, error) {
	if !t.Configured() {
		return nil, fmt.Errorf("deployment is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.TimeoutDuration())
	defer cancel()

	switch t.cfg.Type {
	case config.DeployTypeCommand:
		return t.deployCommand(ctx, rc)
	default:
		return t.deployWebhook(ctx, rc)
	}
}

func requestFor(rc *runctx.RuntimeContext) Request {
	return Request{
		RunID:    rc.RunID,
		Revision: rc.Revision,
		Branch:   rc.Branch,
		SHA:      rc.Commit.SHA,
		Author:   rc.Commit.Author,
		Message:  rc.Commit.Message,
		WorkDir:  rc.WorkDir,
		Time:     rc.Timestamp,
	}
}

func (t *Trigger) deployWebhook(ctx context.Context, rc *runctx.RuntimeContext) (*Result, error) {
	body, err := json.Marshal(requestFor(rc))
	if err != nil {
		return nil, fmt.Errorf("marshal deploy request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create deploy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "buildrunner/"+version.Version)
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	slog.InfoContext(ctx, "Triggering deployment", logfields.URL(t.cfg.URL), logfields.Revision(rc.Revision))
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deploy webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.ReplaceAll(string(data[:min(len(data), 512)]), "\n", " ")
		return nil, fmt.Errorf("deploy webhook returned %d: %s", resp.StatusCode, snippet)
	}

	res := &Result{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, res); err != nil {
			return nil, fmt.Errorf("decode deploy response: %w", err)
		}
	}
	if res.Status == "" {
		res.Status = StatusDeployed
	}
	return res, nil
}

// deployCommand runs the configured command. The deployment URL is the last
// line of stdout that parses as an absolute URL.
func (t *Trigger) deployCommand(ctx context.Context, rc *runctx.RuntimeContext) (*Result, error) {
	argv := t.cfg.Command
	// #nosec G204 - the command comes from the operator's configuration
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = rc.WorkDir
	cmd.Env = append(os.Environ(),
		"BUILDRUNNER_RUN_ID="+rc.RunID,
		"BUILDRUNNER_REVISION="+rc.Revision,
		"BUILDRUNNER_BRANCH="+rc.Branch,
		"BUILDRUNNER_SHA="+rc.Commit.SHA,
		"BUILDRUNNER_ARTIFACTS_DIR="+rc.ArtifactsDir,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.InfoContext(ctx, "Running deployment command", slog.String("command", strings.Join(argv, " ")))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("deploy command timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("deploy command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return &Result{Status: StatusDeployed, URL: lastURL(stdout.String())}, nil
}

func lastURL(out string) string {
	found := ""
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if u, err := url.Parse(line); err == nil && u.Scheme != "" && u.Host != "" {
			found = line
		}
	}
	return found
}
