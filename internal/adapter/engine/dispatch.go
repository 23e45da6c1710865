// Package engine implements the Dispatcher (DP, spec.md §4.4) and the
// Retry/Fallback Coordinator (RFC, spec.md §4.3). The attempt/backoff shape
// is grounded on the teacher's proxy/core RetryHandler (bounded per-endpoint
// retries, exponential-ish backoff, fall through to the next endpoint on
// exhaustion) and the omnillm FallbackProvider (primary-then-ordered
// fallbacks, stop-on-non-retryable); the simple single-attempt request/response
// plumbing is grounded on the teacher's Sherpa proxy.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/johnzilla/arbstr/internal/adapter/stream"
	"github.com/johnzilla/arbstr/internal/core/domain"
	"github.com/johnzilla/arbstr/internal/core/ports"
	"github.com/johnzilla/arbstr/internal/util"
)

// Dispatcher is DP.
type Dispatcher struct {
	client *http.Client
}

func NewDispatcher(client *http.Client) *Dispatcher {
	if client == nil {
		client = defaultHTTPClient()
	}
	return &Dispatcher{client: client}
}

// defaultHTTPClient mirrors the teacher's optimised transport: long-lived,
// keep-alive connections reused across every provider dispatch.
func defaultHTTPClient() *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &http.Client{Transport: transport}
}

// Dispatch performs one outbound HTTP exchange with p and classifies the
// outcome (spec.md §4.4).
func (d *Dispatcher) Dispatch(ctx context.Context, p *domain.Provider, body []byte, streaming bool) ports.DispatchResult {
	body, err := injectIncludeUsage(body, streaming)
	if err != nil {
		return ports.DispatchResult{Outcome: ports.NonRetryable, Err: fmt.Errorf("encode request: %w", err)}
	}

	url := util.JoinURLPath(p.BaseURL, "/chat/completions")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ports.DispatchResult{Outcome: ports.NonRetryable, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey.Reveal())

	resp, err := d.client.Do(req)
	if err != nil {
		return ports.DispatchResult{Outcome: classifyTransportErr(ctx, err), Err: err}
	}

	if resp.StatusCode >= 500 {
		defer resp.Body.Close()
		return ports.DispatchResult{Outcome: ports.Retryable, Status: resp.StatusCode, Err: fmt.Errorf("upstream status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		hint, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return ports.DispatchResult{Outcome: ports.NonRetryable, Status: resp.StatusCode, Err: fmt.Errorf("upstream status %d: %s", resp.StatusCode, hint)}
	}

	if streaming {
		interceptor := stream.NewInterceptor(resp.Body)
		return ports.DispatchResult{
			Outcome: ports.Success2xx,
			Status:  resp.StatusCode,
			StreamBody: &ports.StreamHandle{
				Body:       interceptor,
				Completion: interceptor.Completion(),
			},
		}
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ports.DispatchResult{Outcome: classifyTransportErr(ctx, err), Err: fmt.Errorf("read response: %w", err)}
	}

	inTok, outTok := extractUsage(raw)
	return ports.DispatchResult{
		Outcome:      ports.Success2xx,
		Status:       resp.StatusCode,
		Body:         raw,
		InputTokens:  inTok,
		OutputTokens: outTok,
	}
}

// injectIncludeUsage sets stream_options.include_usage = true on a streaming
// request body, additively, preserving any client-supplied options (spec.md
// §4.4 "Pre-dispatch mutation for streams").
func injectIncludeUsage(body []byte, streaming bool) ([]byte, error) {
	if !streaming {
		return body, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	opts, _ := m["stream_options"].(map[string]interface{})
	if opts == nil {
		opts = map[string]interface{}{}
	}
	opts["include_usage"] = true
	m["stream_options"] = opts
	return json.Marshal(m)
}

func extractUsage(raw []byte) (*int, *int) {
	var parsed struct {
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Usage == nil {
		return nil, nil
	}
	in, out := parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens
	return &in, &out
}

// classifyTransportErr turns a client.Do/body-read error into the right
// Outcome. A ctx that is already done means the caller disconnected or
// RFC's own deadline fired — not a provider-attributable event per spec.md
// §4.2, so it must never reach CBR.RecordFailure. Otherwise a genuine
// connection-level failure (per IsConnectionError) is Retryable; anything
// else (a malformed request, a body-encoding bug) is not a transient
// condition retrying the same provider would fix.
func classifyTransportErr(ctx context.Context, err error) ports.Outcome {
	if ctx.Err() != nil {
		return ports.Cancelled
	}
	if IsConnectionError(err) {
		return ports.Retryable
	}
	return ports.NonRetryable
}

// IsConnectionError reports whether err represents a transport-level
// failure that should be classified Retryable, grounded on the teacher's
// RetryHandler.IsConnectionError (net.Error + specific syscall.Errno
// values).
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ETIMEDOUT:
			return true
		}
	}
	return false
}
