package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConnectionGauge(t *testing.T) {
	m := New()

	m.ConnectionOpened("runtime")
	m.ConnectionOpened("agent")
	m.ConnectionOpened("agent")
	m.ConnectionClosed("agent")

	if got := testutil.ToFloat64(m.Connections.WithLabelValues("agent")); got != 1 {
		t.Errorf("agent connections: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectsTotal.WithLabelValues("agent")); got != 2 {
		t.Errorf("agent connects_total: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Connections.WithLabelValues("runtime")); got != 1 {
		t.Errorf("runtime connections: got %v, want 1", got)
	}
}

func TestRecordRequest(t *testing.T) {
	m := New()
	m.RecordRequest("graphql_query", OutcomeOK, 10*time.Millisecond)
	m.RecordRequest("graphql_query", OutcomeTimeout, 30*time.Second)
	m.RecordRefused("get_docs", OutcomeNoRuntime)

	if got := testutil.ToFloat64(m.Requests.WithLabelValues("graphql_query", OutcomeOK)); got != 1 {
		t.Errorf("ok requests: got %v", got)
	}
	if got := testutil.ToFloat64(m.Requests.WithLabelValues("get_docs", OutcomeNoRuntime)); got != 1 {
		t.Errorf("no_runtime requests: got %v", got)
	}
	if n := testutil.CollectAndCount(m.RequestDuration); n != 2 {
		t.Errorf("duration series: got %d, want 2", n)
	}
}

func TestPendingGauge(t *testing.T) {
	pending := 7
	m := New()
	m.ObservePending(func() int { return pending })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "relay_pending_requests 7") {
		t.Errorf("pending gauge missing from exposition:\n%s", rec.Body.String())
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Two instances must not panic on duplicate registration.
	a := New()
	b := New()
	a.RuntimeEvicted()
	if got := testutil.ToFloat64(b.Evictions); got != 0 {
		t.Errorf("registries leaked: got %v", got)
	}
}

func TestNilReceiver(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened("agent")
	m.RecordRequest("x", OutcomeOK, time.Second)
	m.SendDropped("agent")
	if m.Registry() != nil {
		t.Error("nil Metrics should have no registry")
	}
}
