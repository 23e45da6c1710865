// Package breaker implements the Circuit Breaker Registry (CBR, spec.md
// §4.2): per-provider-name state machines with queue-and-wait single-probe
// semantics. The per-entry guard is grounded on the teacher's
// health.CircuitBreaker (atomics over a sync.Map keyed by endpoint), but that
// shape could not express multi-field atomic transitions or the
// probe-permit/wait-for-probe contract this spec requires, so the guard here
// is a plain mutex per entry instead of bare atomics, and the registry itself
// is sharded with a concurrent map (xsync.Map) the way the teacher's Olla
// proxy shards connection pools and breakers per endpoint.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/johnzilla/arbstr/internal/core/clock"
	"github.com/johnzilla/arbstr/internal/core/constants"
	"github.com/johnzilla/arbstr/internal/core/domain"
	"github.com/johnzilla/arbstr/internal/core/ports"
	"github.com/johnzilla/arbstr/pkg/eventbus"
)

// CircuitEvent is published on every state transition, for observers (the
// health endpoint's live feed, external metrics) that want transitions
// pushed rather than polled via Snapshot.
type CircuitEvent struct {
	Provider string
	State    domain.CircuitState
	At       time.Time
}

type entry struct {
	mu            sync.Mutex
	state         domain.CircuitState
	failureCount  int
	tripCount     int
	openedAt      time.Time
	lastFailureAt time.Time
	lastSuccessAt time.Time
	lastError     *domain.LastError
	probeInFlight bool
	notifier      *latch
}

func newEntry() *entry {
	return &entry{state: domain.CircuitClosed, notifier: newLatch()}
}

// Registry is CBR.
type Registry struct {
	entries          *xsync.Map[string, *entry]
	clock            clock.Clock
	log              *slog.Logger
	failureThreshold int
	openDuration     time.Duration
	events           *eventbus.EventBus[CircuitEvent]
}

// Events returns the transition feed. Subscribers get every CircuitEvent
// published from this point on; past transitions are not replayed.
func (r *Registry) Events() *eventbus.EventBus[CircuitEvent] { return r.events }

type Option func(*Registry)

func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }
func WithThresholds(failureThreshold int, openDuration time.Duration) Option {
	return func(r *Registry) { r.failureThreshold = failureThreshold; r.openDuration = openDuration }
}

func New(log *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries:          xsync.NewMap[string, *entry](),
		clock:            clock.Real{},
		log:              log,
		failureThreshold: constants.DefaultFailureThreshold,
		openDuration:     constants.DefaultOpenDuration,
		events:           eventbus.New[CircuitEvent](),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) loadOrCreate(provider string) *entry {
	e, _ := r.entries.LoadOrStore(provider, newEntry())
	return e
}

// CheckAndAcquire is the sole entry point for obtaining permission to
// dispatch to provider. The per-entry guard is held only for the duration of
// the in-memory decision; it is never held across a suspension point
// (spec.md §5).
func (r *Registry) CheckAndAcquire(provider string) (ports.BreakerDecision, ports.ProbeHandle, *domain.LastError) {
	e := r.loadOrCreate(provider)
	now := r.clock.Now()

	e.mu.Lock()
	dec, lastErr, grantProbe, transitioned := e.decideLocked(now, r.openDuration, r.log, provider)
	e.mu.Unlock()

	if transitioned {
		r.events.PublishAsync(CircuitEvent{Provider: provider, State: domain.CircuitHalfOpen, At: now})
	}

	if grantProbe {
		return ports.ProbePermit, newProbeHandle(e, r, provider), lastErr
	}
	return dec, nil, lastErr
}

// decideLocked must be called with e.mu held.
func (e *entry) decideLocked(now time.Time, openDuration time.Duration, log *slog.Logger, provider string) (ports.BreakerDecision, *domain.LastError, bool, bool) {
	transitioned := false
	if e.state == domain.CircuitOpen && !now.Before(e.openedAt.Add(openDuration)) {
		e.state = domain.CircuitHalfOpen
		e.probeInFlight = false
		e.notifier.reset()
		transitioned = true
		if log != nil {
			log.Info("circuit half-open", "provider", provider)
		}
	}

	switch e.state {
	case domain.CircuitClosed:
		return ports.Allow, nil, false, transitioned
	case domain.CircuitOpen:
		return ports.Reject, e.lastError, false, transitioned
	case domain.CircuitHalfOpen:
		if !e.probeInFlight {
			e.probeInFlight = true
			return ports.ProbePermit, nil, true, transitioned
		}
		return ports.WaitForProbe, nil, false, transitioned
	default:
		return ports.Reject, nil, false, transitioned
	}
}

// AwaitProbe is called by a caller that received WaitForProbe. It suspends
// until the outstanding probe resolves, without holding any per-entry guard
// while waiting (spec.md §5).
func (r *Registry) AwaitProbe(ctx context.Context, provider string) ports.ProbeResult {
	e := r.loadOrCreate(provider)
	for {
		res, ch := e.notifier.peek()
		if res != ports.ProbePending {
			return res
		}
		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return ports.ProbeCancelled
		}
	}
}

// RecordSuccess is the general (non-probe) success path: a Closed-state
// dispatch succeeded, or a WaitForProbe caller's own dispatch succeeded
// after observing the probe succeed (spec.md §4.3 step 4, "On Success, treat
// as Allow" — the waiter then dispatches and records its own outcome here).
func (r *Registry) RecordSuccess(provider string) {
	e := r.loadOrCreate(provider)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == domain.CircuitClosed {
		e.failureCount = 0
	}
	e.lastSuccessAt = r.clock.Now()
}

// RecordFailure is the general (non-probe) failure path.
func (r *Registry) RecordFailure(provider string, kind, shortMessage string) {
	e := r.loadOrCreate(provider)
	now := r.clock.Now()

	e.mu.Lock()
	e.lastFailureAt = now
	e.lastError = &domain.LastError{Kind: kind, ShortMessage: shortMessage}
	tripped := false
	if e.state == domain.CircuitClosed {
		e.failureCount++
		if e.failureCount >= r.failureThreshold {
			e.state = domain.CircuitOpen
			e.openedAt = now
			e.tripCount++
			tripped = true
		}
	}
	failureCount, tripCount := e.failureCount, e.tripCount
	e.mu.Unlock()

	if tripped {
		if r.log != nil {
			r.log.Warn("circuit tripped", "provider", provider, "failure_count", failureCount,
				"last_error", shortMessage, "trip_count", tripCount)
		}
		r.events.PublishAsync(CircuitEvent{Provider: provider, State: domain.CircuitOpen, At: now})
	}
}

// Snapshot is a read-only structural copy for the health endpoint. It
// performs no state transition (spec.md §4.2 "Snapshots").
func (r *Registry) Snapshot() map[string]domain.HealthInfo {
	out := make(map[string]domain.HealthInfo)
	r.entries.Range(func(name string, e *entry) bool {
		e.mu.Lock()
		hi := domain.HealthInfo{
			Name:         name,
			State:        e.state,
			FailureCount: e.failureCount,
			TripCount:    e.tripCount,
		}
		if e.state == domain.CircuitOpen || e.state == domain.CircuitHalfOpen {
			opened := e.openedAt
			hi.OpenedAt = &opened
			recovery := opened.Add(r.openDuration)
			hi.RecoveryAt = &recovery
		}
		if !e.lastFailureAt.IsZero() {
			t := e.lastFailureAt
			hi.LastFailureAt = &t
		}
		if !e.lastSuccessAt.IsZero() {
			t := e.lastSuccessAt
			hi.LastSuccessAt = &t
		}
		if e.lastError != nil {
			le := *e.lastError
			hi.LastError = &le
		}
		e.mu.Unlock()
		out[name] = hi
		return true
	})
	return out
}
