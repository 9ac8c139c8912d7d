package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.AuthAttempt("sandbox_oauth", "complete", "ok")
	m.SyncRun("partial")
	m.ConnectionSynced("sandbox_oauth", "ok", 120*time.Millisecond)
	m.TransactionsUpserted("sandbox_oauth", 3, 2)
	m.TransactionsUpserted("sandbox_oauth", 0, 0)

	if got := testutil.ToFloat64(m.syncRuns.WithLabelValues("partial")); got != 1 {
		t.Fatalf("expected 1 partial run, got %v", got)
	}
	if got := testutil.ToFloat64(m.transactions.WithLabelValues("sandbox_oauth", "inserted")); got != 3 {
		t.Fatalf("expected 3 inserted, got %v", got)
	}
	if got := testutil.ToFloat64(m.transactions.WithLabelValues("sandbox_oauth", "updated")); got != 2 {
		t.Fatalf("expected 2 updated, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SyncRun("success")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "banklink_sync_runs_total") {
		t.Fatalf("metrics output missing counter: %s", rec.Body.String())
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.AuthAttempt("x", "y", "z")
	m.SyncRun("success")
	m.ConnectionSynced("x", "ok", time.Second)
	m.TransactionsUpserted("x", 1, 1)
	if m.Registry() != nil {
		t.Fatal("expected nil registry")
	}
}
