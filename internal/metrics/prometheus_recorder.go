package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stageDuration *prom.HistogramVec
	buildDuration prom.Histogram
	stageResults  *prom.CounterVec
	buildOutcome  *prom.CounterVec
	lockWait      prom.Histogram
	lockReclaims  *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "buildrunner",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "buildrunner",
			Name:      "build_duration_seconds",
			Help:      "Total pipeline run duration",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildrunner",
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "result"}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildrunner",
			Name:      "build_outcomes_total",
			Help:      "Pipeline runs by final outcome",
		}, []string{"outcome"}),
		lockWait: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "buildrunner",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire the build lock",
			Buckets:   []float64{0.01, 0.1, 1, 5, 15, 60, 300},
		}),
		lockReclaims: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildrunner",
			Name:      "lock_reclaims_total",
			Help:      "Stale lock files removed, by reason",
		}, []string{"reason"}),
	}
	reg.MustRegister(pr.stageDuration, pr.buildDuration, pr.stageResults, pr.buildOutcome, pr.lockWait, pr.lockReclaims)
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	if p == nil || p.stageResults == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome BuildOutcomeLabel) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) ObserveLockWait(d time.Duration) {
	if p == nil || p.lockWait == nil {
		return
	}
	p.lockWait.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncLockReclaim(reason string) {
	if p == nil || p.lockReclaims == nil {
		return
	}
	p.lockReclaims.WithLabelValues(reason).Inc()
}
