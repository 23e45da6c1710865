// Package finalizer implements the Usage Finalizer (UF, spec.md §4.6): the
// goroutine spawned once a streamed response begins, which awaits the
// Stream Interceptor's completion signal, computes authoritative cost and
// latency, reports the outcome to CBR, and updates the persisted log row.
//
// The awaited-then-spawn ordering (INSERT happens-before UPDATE) and the
// bounded update-retry budget are grounded on the teacher's
// olla.StreamingResponseWriter pattern of finishing accounting work after
// the client-facing copy loop exits, adapted here to a background
// goroutine since our row is already inserted before streaming begins.
package finalizer

import (
	"context"
	"log/slog"
	"time"

	"github.com/johnzilla/arbstr/internal/core/clock"
	"github.com/johnzilla/arbstr/internal/core/constants"
	"github.com/johnzilla/arbstr/internal/core/domain"
	"github.com/johnzilla/arbstr/internal/core/ports"
)

// Finalizer is UF.
type Finalizer struct {
	breaker ports.CircuitBreakerRegistry
	logger  ports.Logger
	clock   clock.Clock
	log     *slog.Logger

	updateMaxAttempts int
	updateRetryDelay  time.Duration
}

func New(breaker ports.CircuitBreakerRegistry, logger ports.Logger, log *slog.Logger, opts ...Option) *Finalizer {
	f := &Finalizer{
		breaker:           breaker,
		logger:            logger,
		log:               log,
		clock:             clock.Real{},
		updateMaxAttempts: constants.FinalizerUpdateMaxAttempts,
		updateRetryDelay:  constants.FinalizerUpdateRetryDelay,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

type Option func(*Finalizer)

func WithClock(c clock.Clock) Option { return func(f *Finalizer) { f.clock = c } }

// CostResult is the minimal payload the optional trailing arbstr SSE event
// (spec.md §4.5 "Trailing metadata event") needs, delivered once Finalize has
// computed the authoritative cost. CostSats is nil when usage was never
// extracted from the stream.
type CostResult struct {
	CostSats  *float64
	LatencyMs int64
}

// Finalize blocks on completion and performs the accounting; callers spawn
// it with `go` as soon as the streaming response begins (spec.md §4.6 "one
// finalizer goroutine per streamed request"). If costReady is non-nil, it is
// closed before Finalize returns: exactly one CostResult is sent on it once a
// completion event arrives, whatever its kind, and none if completion closes
// without an event — callers that don't care about the trailing cost event
// pass nil.
func (f *Finalizer) Finalize(ctx context.Context, p *domain.Provider, correlationID, model, policy string, startedAt time.Time, completion <-chan ports.CompletionEvent, costReady chan<- CostResult) {
	if costReady != nil {
		defer close(costReady)
	}

	ev, ok := <-completion
	if !ok {
		return
	}

	latencyMs := f.clock.Now().Sub(startedAt).Milliseconds()

	row := domain.LogRow{
		Timestamp:     startedAt,
		CorrelationID: correlationID,
		Model:         model,
		Provider:      p.Name,
		Policy:        policy,
		LatencyMs:     latencyMs,
		Streaming:     true,
	}

	switch ev.Kind {
	case ports.Completed:
		row.Success = true
		if ev.InputTokens != nil && ev.OutputTokens != nil {
			row.InputTokens, row.OutputTokens = ev.InputTokens, ev.OutputTokens
			cost := p.CostFromUsage(*ev.InputTokens, *ev.OutputTokens)
			row.ProviderCostSats = &cost
			row.CostSats = &cost
		}
		f.breaker.RecordSuccess(p.Name)
		if f.log != nil {
			f.log.Info("stream finalized", "correlation_id", correlationID, "provider", p.Name,
				"latency_ms", latencyMs, "cost_sats", row.CostSats)
		}
	case ports.Interrupted:
		row.Success = false
		row.ErrorMessage = "stream interrupted"
		f.breaker.RecordFailure(p.Name, "stream_error", "stream interrupted")
		if f.log != nil {
			f.log.Warn("stream interrupted", "correlation_id", correlationID, "provider", p.Name, "latency_ms", latencyMs)
		}
	case ports.ErroredUpstream:
		row.Success = false
		row.ErrorMessage = "upstream error mid-stream"
		f.breaker.RecordFailure(p.Name, "stream_error", "upstream error mid-stream")
		if f.log != nil {
			f.log.Warn("stream errored upstream", "correlation_id", correlationID, "provider", p.Name, "latency_ms", latencyMs)
		}
	}

	if costReady != nil {
		costReady <- CostResult{CostSats: row.CostSats, LatencyMs: latencyMs}
	}

	f.updateWithRetry(ctx, correlationID, row)
}

// updateWithRetry gives the persisted-row update a small fixed budget
// (spec.md's Decided Open Question on UF's zero-rows-affected retry
// budget): 3 attempts, 50ms apart, WARN and abandon on exhaustion. Update
// failures are never propagated to the request path, which has already
// completed by the time this runs.
func (f *Finalizer) updateWithRetry(ctx context.Context, correlationID string, row domain.LogRow) {
	var lastErr error
	for attempt := 0; attempt < f.updateMaxAttempts; attempt++ {
		if attempt > 0 {
			f.clock.Sleep(f.updateRetryDelay)
		}
		if err := f.logger.UpdateStream(ctx, correlationID, row); err != nil {
			lastErr = err
			continue
		}
		return
	}
	if f.log != nil {
		f.log.Warn("giving up on stream log update", "correlation_id", correlationID, "attempts", f.updateMaxAttempts, "error", lastErr)
	}
}
