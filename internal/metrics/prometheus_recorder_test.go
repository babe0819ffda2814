package metrics

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.ObserveStageDuration("diff", 150*time.Millisecond)
	pr.ObserveBuildDuration(2 * time.Second)
	pr.IncStageResult("deploy", ResultWarning)
	pr.IncBuildOutcome(BuildOutcomeSuccess)
	pr.ObserveLockWait(30 * time.Millisecond)
	pr.IncLockReclaim("dead_owner")
	pr.IncLockReclaim("dead_owner")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 6)

	text := scrape(t, reg)
	require.Contains(t, text, `buildrunner_lock_reclaims_total{reason="dead_owner"} 2`)
	require.Contains(t, text, `buildrunner_stage_results_total{result="warning",stage="deploy"} 1`)
	require.Contains(t, text, `buildrunner_build_outcomes_total{outcome="success"} 1`)
}

func TestNilPrometheusRecorderIsSafe(t *testing.T) {
	var pr *PrometheusRecorder
	require.NotPanics(t, func() {
		pr.ObserveStageDuration("x", time.Second)
		pr.IncBuildOutcome(BuildOutcomeFailed)
		pr.IncLockReclaim("expired")
	})
}

func TestHTTPHandlerServesRegistry(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.IncBuildOutcome(BuildOutcomeNoChanges)

	srv := httptest.NewServer(HTTPHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWriteTextFile(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.IncBuildOutcome(BuildOutcomeFailed)

	require.True(t, strings.Contains(scrape(t, reg), `buildrunner_build_outcomes_total{outcome="failed"} 1`))
}

func scrape(t *testing.T, reg *prom.Registry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buildrunner.prom")
	require.NoError(t, WriteTextFile(reg, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
