package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.Inc(RoomsCreated)
	m.Inc(RoomsCreated)
	m.Inc(DropReasonRateLimited)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	if !strings.Contains(text, `rendezvous_events_total{event="rooms_created"} 2`) {
		t.Fatalf("missing rooms_created counter in:\n%s", text)
	}
	if !strings.Contains(text, `rendezvous_events_total{event="rate_limited"} 1`) {
		t.Fatalf("missing rate_limited counter in:\n%s", text)
	}
}

func TestMetrics_NilSafeAdd(t *testing.T) {
	var m *Metrics
	m.Add("whatever", 1) // must not panic
}
