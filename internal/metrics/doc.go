// Package metrics provides build, stage and lock metrics for buildrunner.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so metrics stay optional:
//
//	recorder := metrics.NewPrometheusRecorder(registry)
//	orch, err := pipeline.New(cfg, deps, pipeline.WithRecorder(recorder))
//
// PrometheusRecorder registers its collectors on the given registry. A
// single `buildrunner run` is a short-lived process, so the usual export path
// is WriteTextFile for the node_exporter textfile collector; HTTPHandler serves
// the same registry for long-running callers such as the lock janitor.
package metrics
