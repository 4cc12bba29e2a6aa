package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/diagq/internal/metrics"
)

func TestRegistry_Counters(t *testing.T) {
	reg := metrics.New()

	reg.Pushes.Add(3)
	reg.UnitsAnalyzed.Inc()
	reg.UnitFailures.Inc()
	reg.UnitFailures.Inc()
	reg.BatchesEmitted.Inc()
	reg.BatchesSuppressed.Inc()
	reg.PendingUnits.Set(7)

	assert.Equal(t, 3.0, testutil.ToFloat64(reg.Pushes))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.UnitsAnalyzed))
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.UnitFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.BatchesEmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.BatchesSuppressed))
	assert.Equal(t, 7.0, testutil.ToFloat64(reg.PendingUnits))
}

func TestRegistry_IndependentInstances(t *testing.T) {
	a := metrics.New()
	b := metrics.New()

	a.Pushes.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Pushes))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Pushes))
}

func TestRegistry_Histogram(t *testing.T) {
	reg := metrics.New()
	reg.AnalysisDuration.Observe(0.25)

	n, err := testutil.GatherAndCount(reg.Gatherer(), "diagq_analysis_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegistry_HandlerOutput(t *testing.T) {
	reg := metrics.New()
	reg.Pushes.Inc()
	reg.HTTPRequests.WithLabelValues("POST", "/reanalyze", "202").Inc()

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(body)

	for _, want := range []string{
		"# TYPE diagq_pushes_total counter",
		"diagq_pushes_total 1",
		`diagq_http_requests_total{method="POST",path="/reanalyze",status="202"} 1`,
		"diagq_batches_total",
	} {
		assert.True(t, strings.Contains(out, want), "missing %q in output:\n%s", want, out)
	}
}
