package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultWarning ResultLabel = "warning"
	ResultFatal   ResultLabel = "fatal"
	ResultSkipped ResultLabel = "skipped"
)

// BuildOutcomeLabel enumerates final run outcomes.
type BuildOutcomeLabel string

const (
	BuildOutcomeSuccess   BuildOutcomeLabel = "success"
	BuildOutcomeNoChanges BuildOutcomeLabel = "no_changes"
	BuildOutcomeFailed    BuildOutcomeLabel = "failed"
)

// Recorder defines observability hooks for pipeline and lock metrics.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveBuildDuration(d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	IncBuildOutcome(outcome BuildOutcomeLabel)
	ObserveLockWait(d time.Duration)
	IncLockReclaim(reason string) // reason: malformed|dead_owner|expired
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)         {}
func (NoopRecorder) IncStageResult(string, ResultLabel)         {}
func (NoopRecorder) IncBuildOutcome(BuildOutcomeLabel)          {}
func (NoopRecorder) ObserveLockWait(time.Duration)              {}
func (NoopRecorder) IncLockReclaim(string)                      {}
