package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCountersAreExposed(t *testing.T) {
	m := New()
	m.ObserveFetch("public", "ok")
	m.ObserveFallback("token", "public", "rate_limit")
	m.ObserveTick("ok")
	m.ObserveDelivery("scheduled", "failed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`radarbot_fetch_total{outcome="ok",source="public"} 1`,
		`radarbot_source_fallback_total{from="token",kind="rate_limit",to="public"} 1`,
		`radarbot_scheduler_ticks_total{result="ok"} 1`,
		`radarbot_deliveries_total{result="failed",trigger="scheduled"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveFetch("public", "ok")
	m.ObserveTick("idle")
	if m.Registry() != nil {
		t.Fatal("nil metrics has no registry")
	}
}
