package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New("test")
	m.ExecutionFinished("ok", 2*time.Second)
	m.ExecutionFinished("ok", time.Second)
	m.ExecutionFinished("not_due", 0)
	m.StatusChanged("active", "paused")
	m.JobItem("execute_due", "ok")
	m.OutboxResult("published")

	if got := testutil.ToFloat64(m.executions.WithLabelValues("ok")); got != 2 {
		t.Fatalf("expected 2 ok executions, got %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("active", "paused")); got != 1 {
		t.Fatalf("expected 1 transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.outbox.WithLabelValues("published")); got != 1 {
		t.Fatalf("expected 1 published, got %v", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ExecutionFinished("ok", time.Second)
	m.StatusChanged("a", "b")
	m.JobItem("j", "ok")
	m.OutboxResult("x")

	h := m.Middleware("/x")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("nil metrics middleware should pass through, got %d", rec.Code)
	}
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	m := New("test")
	h := m.Middleware("/api/agreements")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/agreements", nil))

	if got := testutil.ToFloat64(m.requests.WithLabelValues("/api/agreements", http.MethodPost, "201")); got != 1 {
		t.Fatalf("expected request to be counted, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "test_http_requests_total") {
		t.Fatalf("metrics output missing request counter:\n%s", rec.Body.String())
	}
}
