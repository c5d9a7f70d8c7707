package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tternquist/dns-sni-gateway/internal/errbuf"
	"github.com/tternquist/dns-sni-gateway/internal/metrics"
)

func init() {
	metrics.Init()
}

func TestHandler_Healthz_ReturnsOK(t *testing.T) {
	s := New(Config{Path: "/healthz"})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body healthzView
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.UptimeSeconds < 0 {
		t.Errorf("uptime_s = %d, want >= 0", body.UptimeSeconds)
	}
	if body.RequestsTotal < 0 || body.RequestsOK < 0 || body.RequestsErr < 0 {
		t.Errorf("negative counters in %+v", body)
	}
}

func TestHandler_DefaultsPathToHealthz(t *testing.T) {
	s := New(Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandler_MetricsJSON_IncludesRecentErrors(t *testing.T) {
	buf := errbuf.New(10)
	buf.Add("dot", errors.New("dial timeout"))
	s := New(Config{ErrorBuffer: buf})

	req := httptest.NewRequest(http.MethodGet, "/metrics/json", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap jsonSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(snap.RecentErrors) != 1 || snap.RecentErrors[0].Message != "dial timeout" {
		t.Errorf("RecentErrors = %+v, want one entry with message dial timeout", snap.RecentErrors)
	}
}

func TestHandler_Stats_ServesPrometheusExposition(t *testing.T) {
	s := New(Config{})
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want Prometheus text exposition", ct)
	}
	if !strings.Contains(rec.Body.String(), "# HELP") {
		t.Errorf("body does not look like Prometheus exposition format: %q", rec.Body.String())
	}
}

func TestHandler_UnknownPath_Returns404(t *testing.T) {
	s := New(Config{})
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
