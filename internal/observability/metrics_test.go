package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordExecution(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordExecution("worker", "", 20*time.Millisecond)
	m.RecordExecution("worker", "TIMEOUT", time.Second)
	m.RecordExecution("realm", "", 5*time.Millisecond)

	expected := `
		# HELP warden_executions_total Total number of agent executions by backend and outcome
		# TYPE warden_executions_total counter
		warden_executions_total{backend="realm",outcome="success"} 1
		warden_executions_total{backend="worker",outcome="TIMEOUT"} 1
		warden_executions_total{backend="worker",outcome="success"} 1
	`
	if err := testutil.CollectAndCompare(m.ExecutionsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
	if count := testutil.CollectAndCount(m.ExecutionDuration); count != 2 {
		t.Errorf("duration series = %d, want 2", count)
	}
}

func TestActiveExecutionsGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ExecutionStarted("realm")
	m.ExecutionStarted("realm")
	m.ExecutionFinished("realm")

	if got := testutil.ToFloat64(m.ActiveExecutions.WithLabelValues("realm")); got != 1 {
		t.Fatalf("active realm executions = %v, want 1", got)
	}
}

func TestCountersAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordSecurityRejection("worker")
	m.RecordFallback("realm")
	m.WorkerSpawned()
	m.WorkerSpawned()
	m.StatementRejected()
	m.SetMemoryLimit(64 << 20)

	if got := testutil.ToFloat64(m.WorkerSpawns); got != 2 {
		t.Errorf("worker spawns = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MemoryLimitBytes); got != float64(64<<20) {
		t.Errorf("memory limit = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"warden_security_rejections_total", "warden_fallbacks_total", "warden_statement_rejections_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordExecution("realm", "", time.Millisecond)
	m.ExecutionStarted("realm")
	m.ExecutionFinished("realm")
	m.RecordSecurityRejection("realm")
	m.RecordFallback("realm")
	m.WorkerSpawned()
	m.StatementRejected()
	m.SetMemoryLimit(1)
}
