package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/johnzilla/arbstr/internal/adapter/engine"
	"github.com/johnzilla/arbstr/internal/adapter/finalizer"
	"github.com/johnzilla/arbstr/internal/app/middleware"
	"github.com/johnzilla/arbstr/internal/core/apperr"
	"github.com/johnzilla/arbstr/internal/core/constants"
	"github.com/johnzilla/arbstr/internal/core/domain"
	"github.com/johnzilla/arbstr/pkg/pool"
)

// streamBufPool reuses the copy buffer across streamed requests; every
// dispatch otherwise allocates and discards a fresh 32KiB slice per request.
var streamBufPool = pool.NewLitePool(func() *[]byte {
	b := make([]byte, 32*1024)
	return &b
})

// HeaderPolicy selects the routing policy label for a request (spec.md's
// "optional policy label"); this repository's concrete choice for the
// implementation-defined carrying mechanism is a request header.
const HeaderPolicy = "X-Arbstr-Policy"

// chatRequestEnvelope extracts just the fields the engine needs to route;
// the rest of the body is forwarded to the provider untouched.
type chatRequestEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (a *Application) chatCompletionsHandler(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetRequestID(r.Context())
	log := middleware.GetLogger(r.Context())
	startedAt := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, a.Config.Server.RequestLimits.MaxBodySize))
	if err != nil {
		apperr.WriteClient(w, apperr.New(apperr.KindNoProviders, http.StatusBadRequest, "failed to read request body", nil))
		return
	}

	var env chatRequestEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Model == "" {
		apperr.WriteClient(w, apperr.New(apperr.KindNoProviders, http.StatusBadRequest, `request body must be a JSON object with a non-empty "model"`, nil))
		return
	}

	policy := r.Header.Get(HeaderPolicy)

	outcome, err := a.coordinator.Execute(r.Context(), env.Model, policy, body, env.Stream)
	if err != nil {
		a.writeRequestFailure(w, log, correlationID, env.Model, policy, startedAt, env.Stream, err)
		return
	}

	if env.Stream {
		a.writeStreamingResponse(w, log, correlationID, env.Model, policy, startedAt, outcome)
		return
	}
	a.writeNonStreamingResponse(w, log, correlationID, env.Model, policy, startedAt, outcome)
}

func (a *Application) writeNonStreamingResponse(w http.ResponseWriter, log *slog.Logger, correlationID, model, policy string, startedAt time.Time, outcome engine.Outcome) {
	latency := time.Since(startedAt)
	p := outcome.Provider
	res := outcome.Result

	var costSats *float64
	if res.InputTokens != nil && res.OutputTokens != nil {
		c := p.CostFromUsage(*res.InputTokens, *res.OutputTokens)
		costSats = &c
	}

	w.Header().Set(constants.HeaderProvider, p.Name)
	w.Header().Set(constants.HeaderLatencyMs, strconv.FormatInt(latency.Milliseconds(), 10))
	w.Header().Set(constants.HeaderStreaming, "false")
	if costSats != nil {
		w.Header().Set(constants.HeaderCostSats, strconv.FormatFloat(*costSats, 'f', 6, 64))
	}
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)

	row := domain.LogRow{
		Timestamp: startedAt, CorrelationID: correlationID, Model: model, Provider: p.Name, Policy: policy,
		InputTokens: res.InputTokens, OutputTokens: res.OutputTokens,
		CostSats: costSats, ProviderCostSats: costSats,
		LatencyMs: latency.Milliseconds(), Streaming: false, Success: true,
	}
	// Fire-and-forget for the non-streaming path (spec.md §4.7): the
	// response has already been written, a logging failure must not affect
	// the client.
	go func() {
		if err := a.store.Insert(context.Background(), row); err != nil {
			log.Warn("failed to persist request log", "correlation_id", correlationID, "error", err)
		}
	}()

	log.Info("dispatch succeeded", "correlation_id", correlationID, "provider", p.Name, "model", model, "latency_ms", latency.Milliseconds())
}

func (a *Application) writeStreamingResponse(w http.ResponseWriter, log *slog.Logger, correlationID, model, policy string, startedAt time.Time, outcome engine.Outcome) {
	p := outcome.Provider
	handle := outcome.Result.StreamBody
	defer handle.Body.Close()

	// The row is inserted (awaited) before any body byte is copied, so the
	// finalizer's later UPDATE always has a row to find (spec.md §4.6/§4.7
	// ordering guarantee).
	if err := a.store.Insert(context.Background(), domain.LogRow{
		Timestamp: startedAt, CorrelationID: correlationID, Model: model, Provider: p.Name, Policy: policy,
		Streaming: true, Success: true,
	}); err != nil {
		log.Warn("failed to insert streaming request log", "correlation_id", correlationID, "error", err)
	}

	// costReady carries the authoritative cost back to this handler for the
	// optional trailing arbstr SSE event (spec.md §4.5), independent of the
	// finalizer's own breaker-recording and log-update work.
	var costReady chan finalizer.CostResult
	if a.Config.Proxy.EmitCostEvent {
		costReady = make(chan finalizer.CostResult, 1)
	}
	go a.finalizer.Finalize(context.Background(), p, correlationID, model, policy, startedAt, handle.Completion, costReady)

	w.Header().Set(constants.HeaderProvider, p.Name)
	w.Header().Set(constants.HeaderStreaming, "true")
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeSSE)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	bufp := streamBufPool.Get()
	defer streamBufPool.Put(bufp)
	buf := *bufp
	for {
		n, err := handle.Body.Read(buf)
		if n > 0 {
			_, _ = w.Write(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}

	if costReady != nil {
		writeTrailingCostEvent(w, flusher, costReady)
	}
}

// writeTrailingCostEvent blocks for the finalizer's authoritative cost
// (published the moment it's computed, well before the finalizer's own log
// UPDATE) and, if usage was extracted, appends the one-shot synthetic SSE
// event described in spec.md §4.5. It is a no-op when cost is unavailable
// (degraded-parse case: the provider never sent a usage chunk).
func writeTrailingCostEvent(w http.ResponseWriter, flusher http.Flusher, costReady <-chan finalizer.CostResult) {
	result, ok := <-costReady
	if !ok || result.CostSats == nil {
		return
	}
	fmt.Fprintf(w, "data: {\"arbstr_cost_sats\": %s, \"arbstr_latency_ms\": %d}\n\n",
		strconv.FormatFloat(*result.CostSats, 'f', 6, 64), result.LatencyMs)
	if flusher != nil {
		flusher.Flush()
	}
}

func (a *Application) writeRequestFailure(w http.ResponseWriter, log *slog.Logger, correlationID, model, policy string, startedAt time.Time, streaming bool, err error) {
	latency := time.Since(startedAt)
	log.Warn("request failed", "correlation_id", correlationID, "model", model, "policy", policy, "error", err, "latency_ms", latency.Milliseconds())
	apperr.WriteClient(w, err)

	errStatus := 0
	if ae, ok := apperr.As(err); ok {
		errStatus = ae.Status
	}
	row := domain.LogRow{
		Timestamp: startedAt, CorrelationID: correlationID, Model: model, Policy: policy,
		ErrorMessage: err.Error(), ErrorStatus: &errStatus,
		LatencyMs: latency.Milliseconds(), Streaming: streaming, Success: false,
	}
	go func() {
		if err := a.store.Insert(context.Background(), row); err != nil {
			log.Warn("failed to persist failed request log", "correlation_id", correlationID, "error", err)
		}
	}()
}
