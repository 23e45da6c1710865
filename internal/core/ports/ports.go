// Package ports defines the interfaces the request execution engine is built
// from, so each component (CS, CBR, DP, LG) can be swapped or faked in tests
// independent of the others.
package ports

import (
	"context"
	"io"

	"github.com/johnzilla/arbstr/internal/core/domain"
)

// CandidateSelector is CS (spec.md §4.1).
type CandidateSelector interface {
	Select(model, policy string) []*domain.Provider
}

// BreakerDecision is the outcome of CheckAndAcquire (spec.md §4.2).
type BreakerDecision int

const (
	Allow BreakerDecision = iota
	ProbePermit
	WaitForProbe
	Reject
)

func (d BreakerDecision) String() string {
	switch d {
	case Allow:
		return "allow"
	case ProbePermit:
		return "probe_permit"
	case WaitForProbe:
		return "wait_for_probe"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// ProbeResult is the terminal (or pending) value broadcast to WaitForProbe
// callers (spec.md §4.2).
type ProbeResult int

const (
	ProbePending ProbeResult = iota
	ProbeSuccess
	ProbeFailed
	ProbeCancelled
)

// ProbeHandle is the single-use resolution handle returned alongside
// ProbePermit. The caller MUST call exactly one of ResolveSuccess /
// ResolveFailure; if neither is called before the handle is garbage
// collected, Abandon must be invoked by the caller's defer to avoid
// orphaning probe_in_flight (spec.md §4.2 "Probe guard").
type ProbeHandle interface {
	ResolveSuccess()
	ResolveFailure(reason string)
	Abandon()
}

// CircuitBreakerRegistry is CBR (spec.md §4.2).
type CircuitBreakerRegistry interface {
	CheckAndAcquire(provider string) (BreakerDecision, ProbeHandle, *domain.LastError)
	AwaitProbe(ctx context.Context, provider string) ProbeResult
	RecordSuccess(provider string)
	RecordFailure(provider string, kind, shortMessage string)
	Snapshot() map[string]domain.HealthInfo
}

// Outcome is the Dispatcher's classification of one outbound attempt
// (spec.md §4.4).
type Outcome int

const (
	Success2xx Outcome = iota
	Retryable
	NonRetryable
	// Cancelled marks an attempt that never reached a provider response
	// because the caller disconnected or RFC's own deadline fired first; it
	// is not a provider health signal and must not trip CBR.
	Cancelled
)

// DispatchResult carries everything RFC needs to decide what to do next.
type DispatchResult struct {
	Err             error
	StreamBody      *StreamHandle
	Body            []byte // raw non-streaming response body, forwarded as-is
	InputTokens     *int
	OutputTokens    *int
	ProviderCostSat *float64
	Outcome         Outcome
	Status          int
	FirstByteSent   bool
}

// StreamHandle is the pair DP hands back for a streaming dispatch: the
// pass-through reader for the HTTP handler to copy to the client, and the
// completion channel UF awaits.
type StreamHandle struct {
	Body       io.ReadCloser
	Completion <-chan CompletionEvent
}

// CompletionKind is the terminal signal fired exactly once by the Stream
// Interceptor's CompletionSignal (spec.md §4.5).
type CompletionKind int

const (
	Completed CompletionKind = iota
	Interrupted
	ErroredUpstream
)

// CompletionEvent is the payload carried on StreamHandle.Completion.
type CompletionEvent struct {
	Kind         CompletionKind
	InputTokens  *int
	OutputTokens *int
	TTFT         *int64 // milliseconds, nil if never observed
	SawDone      bool
}

// Dispatcher is DP (spec.md §4.4).
type Dispatcher interface {
	Dispatch(ctx context.Context, p *domain.Provider, body []byte, streaming bool) DispatchResult
}

// Logger is LG (spec.md §4.7).
type Logger interface {
	Insert(ctx context.Context, row domain.LogRow) error
	UpdateStream(ctx context.Context, correlationID string, row domain.LogRow) error
}
