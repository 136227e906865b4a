package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/me/stagerun/pkg/model"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.Submitted(model.ExecutorTypeBatch)
	m.Submitted(model.ExecutorTypeBatch)
	m.Retried(model.ExecutorTypeBatch, model.FailureRuntime)
	m.Observed(model.ExecutorTypeBatch, model.JobStateError)
	m.SetInFlight(model.ExecutorTypeBatch, 3)

	out := scrape(t, m)
	for _, want := range []string{
		`stagerun_executor_submissions_total{executor="batch"} 2`,
		`stagerun_executor_retries_total{executor="batch",kind="RuntimeError"} 1`,
		`stagerun_executor_outcomes_total{executor="batch",state="error"} 1`,
		`stagerun_executor_jobs_in_flight{executor="batch"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Submitted(model.ExecutorTypePooled)
	m.Retried(model.ExecutorTypePooled, model.FailureLaunch)
	m.Observed(model.ExecutorTypePooled, model.JobStateFinished)
	m.SetInFlight(model.ExecutorTypePooled, 1)
	m.Finished(model.Timing{Stage: "a", Duration: time.Second})
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestMetrics_Histogram(t *testing.T) {
	m := NewMetrics()
	m.Finished(model.Timing{Stage: "align", Executor: model.ExecutorTypePooled, Duration: 3 * time.Second})

	out := scrape(t, m)
	if !strings.Contains(out, `stagerun_executor_job_duration_seconds_count{executor="pooled",stage="align"} 1`) {
		t.Errorf("metrics output missing histogram:\n%s", out)
	}
}
