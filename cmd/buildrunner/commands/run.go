package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"git.home.luguber.info/inful/buildrunner/internal/metrics"
	"git.home.luguber.info/inful/buildrunner/internal/pipeline"
)

// RunCmd implements the 'run' command.
type RunCmd struct {
	Base        string `help:"Diff base revision (default: build.base)"`
	Head        string `help:"Revision to build" default:"HEAD"`
	DryRun      bool   `name:"dry-run" help:"Simulate the deployment stage"`
	MetricsFile string `name:"metrics-file" help:"Write a Prometheus textfile snapshot after the run (overrides metrics.textfile)"`
	JSON        bool   `name:"json" help:"Print the build result as JSON"`
}

func (r *RunCmd) Run(_ *Global, root *CLI) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg, r.DryRun)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signalContext()
	defer cancel()

	res := rt.orchestrator.Run(ctx, r.Base, r.Head)

	metricsFile := r.MetricsFile
	if metricsFile == "" && cfg.Metrics.Enabled {
		metricsFile = cfg.Metrics.TextFile
	}
	if metricsFile != "" {
		if err := metrics.WriteTextFile(rt.registry, metricsFile); err != nil {
			slog.Warn("Failed to write metrics textfile", "path", metricsFile, "error", err)
		}
	}

	if r.JSON {
		if err := printJSON(os.Stdout, res); err != nil {
			return err
		}
	} else {
		printSummary(os.Stdout, res)
	}
	return res.Err()
}

func printJSON(w io.Writer, res *pipeline.BuildResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

func printSummary(w io.Writer, res *pipeline.BuildResult) {
	status := "SUCCESS"
	if !res.Success {
		status = "FAILED"
	}
	_, _ = fmt.Fprintf(w, "Build %s (%s)\n", status, res.Duration())
	_, _ = fmt.Fprintf(w, "  run:      %s\n", res.RunID)
	_, _ = fmt.Fprintf(w, "  revision: %s on %s\n", res.Revision, res.Branch)
	_, _ = fmt.Fprintf(w, "  message:  %s\n", orDash(res.Message))
	if res.TestResult != nil {
		_, _ = fmt.Fprintf(w, "  tests:    %s\n", res.TestResult.Summary())
	}
	for _, a := range res.Artifacts {
		_, _ = fmt.Fprintf(w, "  %-9s %s\n", string(a.Kind)+":", a.URL)
	}
	if res.DeploymentURL != "" {
		_, _ = fmt.Fprintf(w, "  preview:  %s\n", res.DeploymentURL)
	}
	if res.Error != "" {
		_, _ = fmt.Fprintf(w, "  error:    %s\n", res.Error)
	}
}
