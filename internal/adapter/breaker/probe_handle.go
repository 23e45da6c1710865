package breaker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/johnzilla/arbstr/internal/core/domain"
	"github.com/johnzilla/arbstr/internal/core/ports"
)

// probeHandle is the single-use resolution handle returned with
// ProbePermit. Exactly one of ResolveSuccess/ResolveFailure/Abandon takes
// effect; later calls are no-ops, guaranteeing the HalfOpen probe resolves
// exactly once even if the caller calls both a defer-Abandon and an explicit
// resolve (spec.md §4.2 "Probe guard").
type probeHandle struct {
	once     sync.Once
	entry    *entry
	registry *Registry
	provider string
}

func newProbeHandle(e *entry, r *Registry, provider string) *probeHandle {
	return &probeHandle{entry: e, registry: r, provider: provider}
}

func (h *probeHandle) ResolveSuccess() {
	h.once.Do(func() { h.resolve(true, "") })
}

func (h *probeHandle) ResolveFailure(reason string) {
	h.once.Do(func() { h.resolve(false, reason) })
}

// Abandon must be called (typically via defer) by any caller that might
// return without explicitly resolving — e.g. on panic recovery or context
// cancellation. If the handle was already resolved this is a no-op, so it is
// always safe to defer unconditionally.
func (h *probeHandle) Abandon() {
	h.once.Do(func() { h.resolve(false, "probe abandoned") })
}

func (h *probeHandle) resolve(success bool, reason string) {
	e := h.entry
	now := h.registry.clock.Now()

	e.mu.Lock()
	e.probeInFlight = false
	if success {
		e.state = domain.CircuitClosed
		e.failureCount = 0
		e.lastSuccessAt = now
	} else {
		e.state = domain.CircuitOpen
		e.openedAt = now
		e.lastFailureAt = now
		e.lastError = &domain.LastError{Kind: "probe_failed", ShortMessage: reason}
	}
	e.mu.Unlock()

	if success {
		e.notifier.set(ports.ProbeSuccess)
	} else {
		e.notifier.set(ports.ProbeFailed)
	}

	if h.registry.log != nil {
		level := slog.LevelInfo
		if !success {
			level = slog.LevelWarn
		}
		h.registry.log.Log(context.Background(), level, "half-open probe resolved", "provider", h.provider, "success", success, "reason", reason)
	}

	h.registry.events.PublishAsync(CircuitEvent{Provider: h.provider, State: e.state, At: now})
}
