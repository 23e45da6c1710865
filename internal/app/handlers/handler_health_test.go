package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/johnzilla/arbstr/internal/adapter/selector"
	"github.com/johnzilla/arbstr/internal/core/domain"
	"github.com/johnzilla/arbstr/internal/core/ports"
)

// fakeBreakerSnapshot is a minimal ports.CircuitBreakerRegistry whose
// Snapshot is scripted per test; the health handler never calls the other
// methods.
type fakeBreakerSnapshot struct {
	snapshot map[string]domain.HealthInfo
}

func (f *fakeBreakerSnapshot) CheckAndAcquire(string) (ports.BreakerDecision, ports.ProbeHandle, *domain.LastError) {
	panic("not used by the health handler")
}
func (f *fakeBreakerSnapshot) AwaitProbe(context.Context, string) ports.ProbeResult {
	panic("not used by the health handler")
}
func (f *fakeBreakerSnapshot) RecordSuccess(string)             {}
func (f *fakeBreakerSnapshot) RecordFailure(string, string, string) {}
func (f *fakeBreakerSnapshot) Snapshot() map[string]domain.HealthInfo { return f.snapshot }

func providerWithModel(name string, models ...string) *domain.Provider {
	m := make(map[string]domain.ModelPolicy, len(models))
	for _, n := range models {
		m[n] = domain.ModelPolicy{}
	}
	return &domain.Provider{Name: name, Models: m}
}

func decodeHealth(t *testing.T, rec *httptest.ResponseRecorder) healthResponse {
	t.Helper()
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	return resp
}

func TestHealthHandlerReportsOkWhenAllCircuitsClosed(t *testing.T) {
	sel := selector.New([]*domain.Provider{providerWithModel("alpha", "gpt-4o")}, nil)
	a := &Application{
		breaker: &fakeBreakerSnapshot{snapshot: map[string]domain.HealthInfo{
			"alpha": {Name: "alpha", State: domain.CircuitClosed},
		}},
		selector: sel,
	}

	rec := httptest.NewRecorder()
	a.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeHealth(t, rec)
	if resp.Status != "ok" {
		t.Fatalf("expected status ok, got %q", resp.Status)
	}
	if len(resp.Models) != 0 {
		t.Fatalf("expected no per-model breakdown when fully healthy, got %v", resp.Models)
	}
}

func TestHealthHandlerReportsDegradedWhenOpenButModelStillServed(t *testing.T) {
	sel := selector.New([]*domain.Provider{
		providerWithModel("alpha", "gpt-4o"),
		providerWithModel("beta", "gpt-4o"),
	}, nil)
	a := &Application{
		breaker: &fakeBreakerSnapshot{snapshot: map[string]domain.HealthInfo{
			"alpha": {Name: "alpha", State: domain.CircuitOpen},
			"beta":  {Name: "beta", State: domain.CircuitClosed},
		}},
		selector: sel,
	}

	rec := httptest.NewRecorder()
	a.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	resp := decodeHealth(t, rec)
	if resp.Status != "degraded" {
		t.Fatalf("expected status degraded, got %q", resp.Status)
	}
	if len(resp.Models) != 1 || resp.Models[0].AvailableProviders != 1 {
		t.Fatalf("unexpected model breakdown: %+v", resp.Models)
	}
}

func TestHealthHandlerReportsUnhealthyWhenAModelHasNoAvailableProvider(t *testing.T) {
	sel := selector.New([]*domain.Provider{providerWithModel("alpha", "gpt-4o")}, nil)
	a := &Application{
		breaker: &fakeBreakerSnapshot{snapshot: map[string]domain.HealthInfo{
			"alpha": {Name: "alpha", State: domain.CircuitOpen},
		}},
		selector: sel,
	}

	rec := httptest.NewRecorder()
	a.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	resp := decodeHealth(t, rec)
	if resp.Status != "unhealthy" {
		t.Fatalf("expected status unhealthy, got %q", resp.Status)
	}
	if len(resp.Models) != 1 || resp.Models[0].AvailableProviders != 0 {
		t.Fatalf("unexpected model breakdown: %+v", resp.Models)
	}
}

func TestHealthHandlerFormatsProviderTimestampsAsRFC3339(t *testing.T) {
	opened := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := &Application{
		breaker: &fakeBreakerSnapshot{snapshot: map[string]domain.HealthInfo{
			"alpha": {Name: "alpha", State: domain.CircuitOpen, OpenedAt: &opened,
				LastError: &domain.LastError{Kind: "retryable", ShortMessage: "503"}},
		}},
		selector: selector.New(nil, nil),
	}

	rec := httptest.NewRecorder()
	a.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	resp := decodeHealth(t, rec)
	if len(resp.Providers) != 1 {
		t.Fatalf("expected one provider, got %d", len(resp.Providers))
	}
	p := resp.Providers[0]
	if p.OpenSince == nil || *p.OpenSince != opened.Format(time.RFC3339) {
		t.Fatalf("unexpected open_since: %v", p.OpenSince)
	}
	if p.LastError == nil || p.LastError.Kind != "retryable" {
		t.Fatalf("unexpected last_error: %v", p.LastError)
	}
}
