package domain

import "time"

// CircuitState is one of the three states in the per-provider breaker state
// machine (spec.md §3, §4.2).
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CanTransitionTo reports whether the breaker may move from s to next. The
// breaker itself is the only caller; this exists so the legality of a
// transition is checkable independent of the guard that performs it.
func (s CircuitState) CanTransitionTo(next CircuitState) bool {
	switch s {
	case CircuitClosed:
		return next == CircuitOpen
	case CircuitOpen:
		return next == CircuitHalfOpen
	case CircuitHalfOpen:
		return next == CircuitClosed || next == CircuitOpen
	default:
		return false
	}
}

// LastError is the sanitized last-failure summary kept on a breaker entry.
type LastError struct {
	Kind         string
	ShortMessage string
}

// HealthInfo is the read-only structural copy of one provider's breaker
// state returned by CBR.Snapshot, consumed by the /health endpoint.
type HealthInfo struct {
	OpenedAt         *time.Time
	RecoveryAt       *time.Time
	LastFailureAt    *time.Time
	LastSuccessAt    *time.Time
	LastError        *LastError
	Name             string
	State            CircuitState
	FailureCount     int
	TripCount        int
}
