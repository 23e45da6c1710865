package constants

import "time"

// Circuit breaker constants (§4.2)
const (
	DefaultFailureThreshold = 3
	DefaultOpenDuration     = 30 * time.Second
)

// Retry/fallback constants (§4.3)
const (
	DefaultMaxRetriesPerProvider = 2
	DefaultTotalDeadline         = 30 * time.Second
)

// DefaultBackoffSchedule is the sleep before attempt k (1-indexed), k=1..MaxRetriesPerProvider.
var DefaultBackoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second}

// Stream interceptor constants (§4.5)
const (
	MaxSSELineBytes = 64 * 1024
)

// Usage finalizer UPDATE retry budget (Decided Open Question #3)
const (
	FinalizerUpdateMaxAttempts = 3
	FinalizerUpdateRetryDelay  = 50 * time.Millisecond
)

// Response headers the engine attaches (§6)
const (
	HeaderProvider     = "x-arbstr-provider"
	HeaderCostSats     = "x-arbstr-cost-sats"
	HeaderLatencyMs    = "x-arbstr-latency-ms"
	HeaderCircuitState = "x-arbstr-circuit-state"
	HeaderStreaming    = "x-arbstr-streaming"
	HeaderRetryAfter   = "Retry-After"
)

const (
	DefaultHealthCheckEndpoint  = "/health"
	DefaultChatCompletionsRoute = "/v1/chat/completions"
)

// Generic HTTP constants.
const (
	HeaderContentType = "Content-Type"
	HeaderAccept      = "Accept"
	HeaderXRequestID  = "X-Request-ID"
	ContentTypeJSON   = "application/json"
	ContentTypeSSE    = "text/event-stream"
)
