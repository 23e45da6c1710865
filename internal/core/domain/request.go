package domain

import (
	"context"
	"time"
)

// RequestMeta is carried through the core for the life of one inbound
// request (spec.md §3).
type RequestMeta struct {
	CorrelationID string
	StartedAt     time.Time
	Model         string
	Policy        string
	Streaming     bool
	Ctx           context.Context
}

// StreamStatus names the terminal outcome of a streamed request (GLOSSARY).
// LogRow has no stream-status field and no code path persists this value; a
// streamed row's outcome shows only in Success and ErrorMessage.
type StreamStatus string

const (
	StreamCompleted      StreamStatus = "completed"
	StreamInterrupted    StreamStatus = "interrupted"
	StreamErroredUpstream StreamStatus = "errored_upstream"
)

// LogRow is the persisted request record (spec.md §3, §6).
type LogRow struct {
	Timestamp        time.Time
	CorrelationID    string
	Model            string
	Provider         string
	Policy           string
	ErrorMessage     string
	InputTokens      *int
	OutputTokens     *int
	CostSats         *float64
	ProviderCostSats *float64
	ErrorStatus      *int
	LatencyMs        int64
	Streaming        bool
	Success          bool
}

// FallbackAttempt records one candidate RFC tried before giving up, for the
// internal FallbackError aggregate (SPEC_FULL.md "Supplemented features").
type FallbackAttempt struct {
	Provider string
	Err      error
}

// FallbackError aggregates every attempt made across every candidate when
// RFC exhausts the candidate list. It is never echoed to the client raw
// (spec.md §7's sanitizing policy applies); it exists for the WARN log at
// exhaustion.
type FallbackError struct {
	Attempts []FallbackAttempt
	LastErr  error
}

func (e *FallbackError) Error() string {
	return "all candidates exhausted: " + e.LastErr.Error()
}

func (e *FallbackError) Unwrap() error { return e.LastErr }
