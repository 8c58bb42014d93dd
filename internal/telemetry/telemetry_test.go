package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNoopMetricsHaveNoHandler(t *testing.T) {
	metrics := New(false)
	metrics.WritesTotal.With("success").Inc()
	metrics.ReadDurationSeconds.With("get").Observe(0.1)
	if metrics.Handler() != nil {
		t.Fatalf("expected no handler for disabled metrics")
	}
	if OrNoop(nil) == nil {
		t.Fatalf("expected noop metrics for nil")
	}
}

func TestEnabledMetricsAreServed(t *testing.T) {
	metrics := New(true)
	metrics.WritesTotal.With("success").Inc()
	metrics.PositionsTotal.Add(2)

	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := recorder.Body.String()
	if !strings.Contains(body, `datastore_writer_writes_total{result="success"} 1`) {
		t.Fatalf("expected write counter in output:\n%s", body)
	}
	if !strings.Contains(body, "datastore_writer_positions_total 2") {
		t.Fatalf("expected positions counter in output")
	}
}
