package engine

import (
	"context"
	"time"

	"github.com/johnzilla/arbstr/internal/core/apperr"
	"github.com/johnzilla/arbstr/internal/core/clock"
	"github.com/johnzilla/arbstr/internal/core/constants"
	"github.com/johnzilla/arbstr/internal/core/domain"
	"github.com/johnzilla/arbstr/internal/core/ports"
)

// Coordinator implements RFC (spec.md §4.3): it walks the ordered candidate
// list CS returns, consults CBR before every attempt, retries a given
// candidate up to MAX_RETRIES_PER_PROVIDER times with a fixed backoff
// schedule, and falls through to the next candidate on exhaustion — all
// serialized, never racing two candidates concurrently, and all bounded by
// a single deadline anchored at entry.
type Coordinator struct {
	selector   ports.CandidateSelector
	breaker    ports.CircuitBreakerRegistry
	dispatcher ports.Dispatcher
	clock      clock.Clock

	maxRetriesPerProvider int
	backoffSchedule       []time.Duration
	totalDeadline         time.Duration
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option { return func(co *Coordinator) { co.clock = c } }
func WithRetryPolicy(maxRetries int, backoff []time.Duration, deadline time.Duration) Option {
	return func(co *Coordinator) {
		co.maxRetriesPerProvider = maxRetries
		co.backoffSchedule = backoff
		co.totalDeadline = deadline
	}
}

func New(selector ports.CandidateSelector, breaker ports.CircuitBreakerRegistry, dispatcher ports.Dispatcher, opts ...Option) *Coordinator {
	co := &Coordinator{
		selector:              selector,
		breaker:               breaker,
		dispatcher:            dispatcher,
		clock:                 clock.Real{},
		maxRetriesPerProvider: constants.DefaultMaxRetriesPerProvider,
		backoffSchedule:       constants.DefaultBackoffSchedule,
		totalDeadline:         constants.DefaultTotalDeadline,
	}
	for _, o := range opts {
		o(co)
	}
	return co
}

// Outcome is what the HTTP handler layer needs back from a full
// select-dispatch-retry-fallback cycle.
type Outcome struct {
	Provider *domain.Provider
	Result   ports.DispatchResult
}

// Execute runs the full RFC algorithm for one incoming request. body is the
// already-validated, already-parsed request payload to forward as-is to
// whichever provider wins the candidate scan.
func (co *Coordinator) Execute(ctx context.Context, model, policy string, body []byte, streaming bool) (Outcome, error) {
	candidates := co.selector.Select(model, policy)
	if len(candidates) == 0 {
		return Outcome{}, apperr.NoProviders()
	}

	ctx, cancel := context.WithTimeout(ctx, co.totalDeadline)
	defer cancel()

	var attempts []domain.FallbackAttempt
	var minRejectRetryAfter time.Duration
	haveReject := false
	streamDispatchFailures := 0

	for _, p := range candidates {
		// A streaming request falls back at most once: after two dispatched
		// candidates have failed, no further candidate is tried.
		if streaming && streamDispatchFailures >= 2 {
			break
		}
		result, attemptErr, rejected := co.tryProvider(ctx, p, body, streaming)
		if rejected {
			if r := co.openDurationRemaining(p.Name); !haveReject || r < minRejectRetryAfter {
				minRejectRetryAfter, haveReject = r, true
			}
			attempts = append(attempts, domain.FallbackAttempt{Provider: p.Name, Err: attemptErr})
			continue
		}
		if attemptErr == nil {
			return Outcome{Provider: p, Result: result}, nil
		}
		// A non-retryable client-facing error (4xx) is returned to the
		// caller as-is: spec.md §4.3 requires no further retries or
		// fallback once the upstream has rejected the request itself.
		if ae, ok := apperr.As(attemptErr); ok && ae.Kind == apperr.KindUpstreamNonRetryable {
			return Outcome{}, attemptErr
		}
		attempts = append(attempts, domain.FallbackAttempt{Provider: p.Name, Err: attemptErr})
		streamDispatchFailures++

		if ctx.Err() != nil {
			return Outcome{}, co.deadlineOrCancelErr(ctx)
		}
	}

	if len(attempts) == len(candidates) && allRejected(attempts) {
		secs := int((minRejectRetryAfter + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		return Outcome{}, apperr.AllCircuitsOpen(secs)
	}

	return Outcome{}, apperr.UpstreamRetryableExhausted(&domain.FallbackError{Attempts: attempts, LastErr: lastAttemptErr(attempts)})
}

// tryProvider runs CBR admission then, for a non-streaming request, up to
// 1+maxRetriesPerProvider dispatch attempts against a single candidate. A
// streaming request bypasses the per-provider backoff retry entirely
// (spec.md §4.3 "streaming path bypass"): it gets exactly one dispatch
// attempt before RFC falls through to the next candidate (Execute allows
// that fall-through at most once per streaming request), since any retry
// after the first response byte has already been forwarded to the caller
// would corrupt the stream. The bool return reports whether the candidate
// was rejected outright (Open circuit, no attempt made at all) so Execute
// can distinguish "never tried" from "tried and failed" when building the
// AllCircuitsOpen aggregate.
func (co *Coordinator) tryProvider(ctx context.Context, p *domain.Provider, body []byte, streaming bool) (ports.DispatchResult, error, bool) {
	maxAttempts := co.maxRetriesPerProvider
	if streaming {
		maxAttempts = 0
	}

	for attempt := 0; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ports.DispatchResult{}, ctx.Err(), false
		}

		decision, handle, lastErr := co.breaker.CheckAndAcquire(p.Name)

		switch decision {
		case ports.Reject:
			msg := "circuit open"
			if lastErr != nil {
				msg = lastErr.ShortMessage
			}
			return ports.DispatchResult{}, apperr.New(apperr.KindAllCircuitsOpen, 0, msg, nil), true

		case ports.WaitForProbe:
			res := co.breaker.AwaitProbe(ctx, p.Name)
			switch res {
			case ports.ProbeSuccess:
				// treat as Allow: fall through to dispatch below.
			case ports.ProbeCancelled:
				return ports.DispatchResult{}, ctx.Err(), false
			default:
				return ports.DispatchResult{}, apperr.New(apperr.KindAllCircuitsOpen, 0, "probe failed", nil), true
			}
			result := co.dispatchAndRecord(ctx, p, body, streaming, nil)
			if result.Outcome == ports.Success2xx {
				return result, nil, false
			}
			if result.Outcome == ports.NonRetryable {
				return result, apperr.UpstreamNonRetryable(result.Status, result.Err), false
			}
			if result.Outcome == ports.Cancelled {
				return result, result.Err, false
			}
			if attempt < maxAttempts {
				co.sleepBackoff(ctx, attempt)
				continue
			}
			return result, result.Err, false

		case ports.ProbePermit:
			result := co.dispatchAndRecord(ctx, p, body, streaming, handle)
			if result.Outcome == ports.Success2xx {
				return result, nil, false
			}
			if result.Outcome == ports.NonRetryable {
				return result, apperr.UpstreamNonRetryable(result.Status, result.Err), false
			}
			if result.Outcome == ports.Cancelled {
				return result, result.Err, false
			}
			// A failed probe trips the breaker straight back to Open; no
			// further retries against this candidate make sense.
			return result, result.Err, false

		case ports.Allow:
			result := co.dispatchAndRecord(ctx, p, body, streaming, nil)
			if result.Outcome == ports.Success2xx {
				return result, nil, false
			}
			if result.Outcome == ports.NonRetryable {
				return result, apperr.UpstreamNonRetryable(result.Status, result.Err), false
			}
			if result.Outcome == ports.Cancelled {
				return result, result.Err, false
			}
			if attempt < maxAttempts {
				co.sleepBackoff(ctx, attempt)
				continue
			}
			return result, result.Err, false
		}
	}
	return ports.DispatchResult{}, nil, false
}

// dispatchAndRecord performs one Dispatch call and reports the outcome to
// CBR, resolving handle (the HalfOpen probe permit) if one was granted.
func (co *Coordinator) dispatchAndRecord(ctx context.Context, p *domain.Provider, body []byte, streaming bool, handle ports.ProbeHandle) ports.DispatchResult {
	result := co.dispatcher.Dispatch(ctx, p, body, streaming)

	switch result.Outcome {
	case ports.Success2xx:
		if handle != nil {
			handle.ResolveSuccess()
		}
		co.breaker.RecordSuccess(p.Name)
	case ports.Retryable:
		if handle != nil {
			handle.ResolveFailure("retryable dispatch error")
		}
		co.breaker.RecordFailure(p.Name, "retryable", shortErrMessage(result.Err))
	case ports.NonRetryable:
		// A non-retryable client-facing error (4xx) is not a provider health
		// signal per spec.md §4.3 and does not trip the breaker.
		if handle != nil {
			handle.ResolveSuccess()
		}
	case ports.Cancelled:
		// Caller disconnect or RFC's own deadline, not a provider signal; a
		// held probe permit is abandoned, which resolves it as a failure and
		// re-opens the circuit.
		if handle != nil {
			handle.Abandon()
		}
	}
	return result
}

func (co *Coordinator) sleepBackoff(ctx context.Context, attempt int) {
	var d time.Duration
	if attempt < len(co.backoffSchedule) {
		d = co.backoffSchedule[attempt]
	} else if len(co.backoffSchedule) > 0 {
		d = co.backoffSchedule[len(co.backoffSchedule)-1]
	}
	if d <= 0 {
		return
	}
	select {
	case <-co.clock.After(d):
	case <-ctx.Done():
	}
}

func (co *Coordinator) openDurationRemaining(provider string) time.Duration {
	snap := co.breaker.Snapshot()
	info, ok := snap[provider]
	if !ok || info.RecoveryAt == nil {
		return constants.DefaultOpenDuration
	}
	remaining := info.RecoveryAt.Sub(co.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (co *Coordinator) deadlineOrCancelErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return apperr.DeadlineExceeded()
	}
	return apperr.Cancelled()
}

func allRejected(attempts []domain.FallbackAttempt) bool {
	for _, a := range attempts {
		if a.Err == nil {
			continue
		}
		if ae, ok := apperr.As(a.Err); !ok || ae.Kind != apperr.KindAllCircuitsOpen {
			return false
		}
	}
	return true
}

func lastAttemptErr(attempts []domain.FallbackAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	return attempts[len(attempts)-1].Err
}

func shortErrMessage(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	const max = 200
	if len(s) > max {
		return s[:max]
	}
	return s
}
