package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.SetActiveCalls(3)
	m.ObserveCallEnd("transfer")
	m.ObserveProviderAttempt("stt", "openai", errors.New("boom"), "timeout")
	m.ObserveProviderAttempt("stt", "openai", nil, "ok")
	m.ObserveTurn("replied", 1200*time.Millisecond)
	m.ObserveStage("generate", 800*time.Millisecond)

	if got := testutil.ToFloat64(m.ActiveCalls); got != 3 {
		t.Fatalf("active_calls = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.CallEndReasons.WithLabelValues("transfer")); got != 1 {
		t.Fatalf("call_end_reasons{transfer} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ProviderErrors.WithLabelValues("openai", "timeout")); got != 1 {
		t.Fatalf("provider_errors{openai,timeout} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ProviderAttempts.WithLabelValues("stt", "openai", "ok")); got != 1 {
		t.Fatalf("provider_attempts{ok} = %v, want 1", got)
	}

	snap := m.SnapshotLatency()
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}

	// A second instance on its own registry must not collide.
	_ = NewMetrics("test", prometheus.NewRegistry())
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)
	m.ObserveCallEvent("started")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_call_events_total{event="started"} 1`) {
		t.Fatalf("metrics body missing call event counter:\n%s", rec.Body.String())
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetActiveCalls(1)
	m.ObserveTurn("replied", time.Second)
	m.ObserveOutboundMessage("reply", "sent")
	if snap := m.SnapshotLatency(); len(snap.Stages) != 0 {
		t.Fatalf("len(Stages) = %d, want 0", len(snap.Stages))
	}
}
