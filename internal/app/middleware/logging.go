package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/johnzilla/arbstr/internal/core/constants"
	"github.com/johnzilla/arbstr/internal/util"
	"github.com/johnzilla/arbstr/pkg/format"
)

// Context keys for request (correlation) ID and logger.
type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	LoggerKey    contextKey = "logger"
)

// IsChatCompletionsRequest decides whether a path is the hot-path proxy
// endpoint, used to pick DEBUG over INFO for the generic access log so the
// handler's own outcome lines ("dispatch succeeded" at INFO, "request
// failed" at WARN, which carry model/provider/latency) are the record of
// truth for that path (spec.md §7).
func IsChatCompletionsRequest(path string) bool {
	return strings.HasPrefix(path, constants.DefaultChatCompletionsRoute)
}

// responseWriter wraps http.ResponseWriter to capture response size and
// status, and to pass through Flush so streaming responses aren't buffered.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

func (rw *responseWriter) WriteHeader(s int) {
	rw.status = s
	rw.ResponseWriter.WriteHeader(s)
}

// Flush implements http.Flusher. Without this, streaming responses buffer
// until the handler returns, producing choppy output at the client.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// GetLogger retrieves a logger with correlation ID from context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// GetRequestID retrieves the correlation ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// Logging wraps next with correlation-ID injection and start/completion
// access logging, at DEBUG for the chat completions path (the handler logs
// its own INFO summary) and INFO for everything else. trustProxyHeaders and
// trustedCIDRs control whether X-Forwarded-For/X-Real-IP are trusted over
// the TCP peer address when resolving the logged client IP.
func Logging(base *slog.Logger, trustProxyHeaders bool, trustedCIDRs []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(constants.HeaderXRequestID)
			if requestID == "" {
				requestID = util.GenerateRequestID()
			}

			reqLogger := base.With("correlation_id", requestID)
			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, reqLogger)

			w.Header().Set(constants.HeaderXRequestID, requestID)

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			startFields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", util.GetClientIP(r, trustProxyHeaders, trustedCIDRs),
				"request_bytes", format.Bytes(uint64(requestSize)),
			}
			if IsChatCompletionsRequest(r.URL.Path) {
				reqLogger.Debug("request started", startFields...)
			} else {
				reqLogger.Info("request started", startFields...)
			}

			next.ServeHTTP(wrapped, r.WithContext(ctx))

			duration := time.Since(start)
			completionFields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", duration.Milliseconds(),
				"response_bytes", format.Bytes(uint64(wrapped.size)),
			}
			if IsChatCompletionsRequest(r.URL.Path) {
				reqLogger.Debug("request completed", completionFields...)
			} else {
				reqLogger.Info("request completed", completionFields...)
			}
		})
	}
}
