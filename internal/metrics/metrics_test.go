package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Decisions(t *testing.T) {
	m := New()
	m.ObserveDecision("http_request", "allow", "allowlist")
	m.ObserveDecision("http_request", "allow", "allowlist")
	m.ObserveDecision("http_request", "deny", "prompt")

	if got := testutil.ToFloat64(m.decisions.WithLabelValues("http_request", "allow", "allowlist")); got != 2 {
		t.Fatalf("allowlist allows = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("http_request", "deny", "prompt")); got != 1 {
		t.Fatalf("prompt denies = %v, want 1", got)
	}
}

func TestMetrics_PendingGauge(t *testing.T) {
	m := New()
	m.PendingAdded()
	m.PendingAdded()
	m.PendingRemoved()
	if got := testutil.ToFloat64(m.pending); got != 1 {
		t.Fatalf("pending = %v, want 1", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveDecision("http_request", "allow", "allowlist")
	m.ObserveWait("http_request", 1)
	m.PromptFailed()
	m.PendingAdded()
	m.PendingRemoved()
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.PromptFailed()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "request_gate_prompt_failures_total 1") {
		t.Fatalf("missing counter in exposition:\n%s", rec.Body.String())
	}
}
