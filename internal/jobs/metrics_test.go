package jobmetrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lyceum-lms/lyceum-authz/internal/observability"
)

func TestJobMetricsScrapableFromServedRegistry(t *testing.T) {
	appMetrics := observability.NewMetrics()
	metrics := NewMetrics(appMetrics.Registerer())

	_ = metrics.Track("access_sweep").End(nil)
	_ = metrics.Track("access_sweep").End(errors.New("boom"))
	metrics.AddExpirations("timer", 2)

	rr := httptest.NewRecorder()
	appMetrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	if !strings.Contains(body, "lyceum_authz_jobs_total{job=\"access_sweep\",status=\"success\"} 1") {
		t.Fatalf("expected successful run to be scrapable, got: %s", body)
	}
	if !strings.Contains(body, "lyceum_authz_jobs_failures_total{job=\"access_sweep\"} 1") {
		t.Fatalf("expected failure counter to be scrapable, got: %s", body)
	}
	if !strings.Contains(body, "lyceum_authz_grant_expirations_total{trigger=\"timer\"} 2") {
		t.Fatalf("expected expiration counter to be scrapable, got: %s", body)
	}
}
