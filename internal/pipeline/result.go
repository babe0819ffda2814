package pipeline

import (
	"time"

	"git.home.luguber.info/inful/buildrunner/internal/runctx"
	"git.home.luguber.info/inful/buildrunner/internal/testrun"
)

// ArtifactKind classifies a build artifact.
type ArtifactKind string

const (
	ArtifactDiff   ArtifactKind = "diff"
	ArtifactReport ArtifactKind = "report"
	ArtifactTrace  ArtifactKind = "trace"
	ArtifactOther  ArtifactKind = "other"
)

// Artifact is a build output reachable by URL.
type Artifact struct {
	Kind ArtifactKind `json:"kind"`
	URL  string       `json:"url"`
}

// MessageNoChanges is the result message of a run whose diff was empty.
const MessageNoChanges = "No changes detected"

// BuildResult is the outcome of one run. It is filled in stage by stage and
// returned once.
type BuildResult struct {
	RunID string `json:"run_id"`

	// Success is false if and only if a fatal stage failed.
	Success bool `json:"success"`

	// DurationMS is wall-clock time from run start, never negative.
	DurationMS int64 `json:"duration_ms"`

	Revision string            `json:"revision"`
	Branch   string            `json:"branch"`
	Commit   runctx.CommitInfo `json:"commit"`

	Artifacts     []Artifact      `json:"artifacts"`
	DeploymentURL string          `json:"deployment_url,omitempty"`
	TestResult    *testrun.Result `json:"test_result,omitempty"`

	Message string `json:"message"`

	// Error holds the fatal failure message; deployment and notification
	// failures never appear here.
	Error string `json:"error,omitempty"`

	CompletedAt time.Time `json:"completed_at"`

	err error
}

// Err returns the structured fatal error of the run, or nil on success.
func (r *BuildResult) Err() error {
	return r.err
}

// Duration returns DurationMS as a time.Duration.
func (r *BuildResult) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

// ArtifactURL returns the URL of the first artifact of kind, or "".
func (r *BuildResult) ArtifactURL(kind ArtifactKind) string {
	for _, a := range r.Artifacts {
		if a.Kind == kind {
			return a.URL
		}
	}
	return ""
}
