package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/johnzilla/arbstr/internal/core/constants"
	"github.com/johnzilla/arbstr/internal/core/domain"
)

// healthResponse mirrors spec.md §6's health surface: status is derived from
// per-model availability, not merely from whether any circuit is open.
type healthResponse struct {
	Status    string                   `json:"status"`
	Service   string                   `json:"service"`
	Providers []providerHealthResponse `json:"providers"`
	Models    []modelHealthResponse    `json:"models,omitempty"`
}

type providerHealthResponse struct {
	OpenSince           *string        `json:"open_since,omitempty"`
	RecoveryAt          *string        `json:"recovery_at,omitempty"`
	LastError           *lastErrorBody `json:"last_error,omitempty"`
	Name                string         `json:"name"`
	Circuit             string         `json:"circuit"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	TripCount           int            `json:"trip_count"`
}

type lastErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type modelHealthResponse struct {
	Name               string `json:"name"`
	EligibleProviders  int    `json:"eligible_providers"`
	AvailableProviders int    `json:"available_providers"`
}

// healthHandler reports breaker state per provider and, per §6, rolls that up
// into an overall status: ok (every circuit Closed), degraded (some circuit
// is Open/HalfOpen but every known model still has an eligible, available
// provider), or unhealthy (some model has none).
func (a *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	snapshot := a.breaker.Snapshot()

	resp := healthResponse{Service: "arbstr", Providers: make([]providerHealthResponse, 0, len(snapshot))}

	anyNotClosed := false
	for _, info := range snapshot {
		if info.State != domain.CircuitClosed {
			anyNotClosed = true
		}
		resp.Providers = append(resp.Providers, providerHealthResponseFrom(info))
	}

	status := "ok"
	if anyNotClosed {
		status = "degraded"
		if a.selector != nil {
			for _, model := range a.selector.Models() {
				eligible := a.selector.Select(model, "")
				available := 0
				for _, p := range eligible {
					if info, ok := snapshot[p.Name]; !ok || info.State != domain.CircuitOpen {
						available++
					}
				}
				resp.Models = append(resp.Models, modelHealthResponse{
					Name: model, EligibleProviders: len(eligible), AvailableProviders: available,
				})
				if available == 0 {
					status = "unhealthy"
				}
			}
		}
	}
	resp.Status = status

	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func providerHealthResponseFrom(info domain.HealthInfo) providerHealthResponse {
	p := providerHealthResponse{
		Name:                info.Name,
		Circuit:             string(info.State),
		ConsecutiveFailures: info.FailureCount,
		TripCount:           info.TripCount,
	}
	if info.OpenedAt != nil {
		s := info.OpenedAt.UTC().Format(time.RFC3339)
		p.OpenSince = &s
	}
	if info.RecoveryAt != nil {
		s := info.RecoveryAt.UTC().Format(time.RFC3339)
		p.RecoveryAt = &s
	}
	if info.LastError != nil {
		p.LastError = &lastErrorBody{Kind: info.LastError.Kind, Message: info.LastError.ShortMessage}
	}
	return p
}
