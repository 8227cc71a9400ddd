package dashboard

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/airsentry/airsentryd/internal/audit"
	"github.com/airsentry/airsentryd/internal/policy"
	"github.com/airsentry/airsentryd/internal/streamreg"
)

func newTestDashboard(t *testing.T) *Dashboard {
	t.Helper()
	log, err := audit.Open(t.TempDir())
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	eng, err := policy.New("")
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}

	return New(Options{
		AuditLog: log,
		Registry: streamreg.New(),
		Policy:   eng,
	})
}

func TestHandleAPIStreamsReturnsSnapshot(t *testing.T) {
	d := newTestDashboard(t)
	d.registry.StreamStarted("10.0.0.1", "llama3")

	req := httptest.NewRequest(http.MethodGet, "/api/streams", nil)
	rec := httptest.NewRecorder()
	d.APIHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "10.0.0.1") {
		t.Fatalf("expected response to contain client ip, got %s", rec.Body.String())
	}
}

func TestHandleAPIRulesRejectsNonGet(t *testing.T) {
	d := newTestDashboard(t)

	req := httptest.NewRequest(http.MethodPost, "/api/rules", nil)
	rec := httptest.NewRecorder()
	d.APIHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleAPIStatusReportsHumanizedAuditSize(t *testing.T) {
	d := newTestDashboard(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	d.APIHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "audit_disk_usage") {
		t.Fatalf("expected humanized audit disk usage in response, got %s", rec.Body.String())
	}
}

func TestServeHTTPReturnsHTML(t *testing.T) {
	d := newTestDashboard(t)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
}
