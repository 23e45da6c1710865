// Package stream implements the Stream Interceptor (SI, spec.md §4.5): a
// pass-through adapter over the upstream byte stream that line-buffers
// Server-Sent Events across chunk boundaries, extracts the terminal usage
// chunk, and signals completion exactly once.
//
// The line-buffering and "usage" substring pre-check are grounded on the
// teacher's anthropic.TransformStreamingResponse (bufio.Scanner with a
// capped growable buffer, data: prefix stripping, [DONE] sentinel); the
// time-to-first-token bookkeeping and drop-safe completion signal are
// grounded on the llmux StreamReader.
package stream

import (
	"bytes"
	"io"
	"sync"
	"time"

	"encoding/json"

	"github.com/johnzilla/arbstr/internal/core/constants"
	"github.com/johnzilla/arbstr/internal/core/ports"
)

// Interceptor wraps an upstream response body. Every byte read through it is
// returned to the caller unchanged (spec.md §4.5 "Pass-through"); line
// parsing happens on a private copy of the bytes already handed back.
type Interceptor struct {
	upstream io.ReadCloser

	mu          sync.Mutex
	lineBuf     []byte
	usage       *usageSlot
	sawDone     bool
	firstByteAt *time.Time
	dispatchAt  time.Time

	completion chan ports.CompletionEvent
	once       sync.Once
}

type usageSlot struct {
	inputTokens  int
	outputTokens int
}

// NewInterceptor wraps upstream. dispatchAt, if the caller wants
// time-to-first-token, should be recorded by the caller before the first
// Read; here we stamp it at construction, which is dispatch time in
// practice since the Dispatcher builds the Interceptor immediately after
// receiving headers.
func NewInterceptor(upstream io.ReadCloser) *Interceptor {
	return &Interceptor{
		upstream:   upstream,
		completion: make(chan ports.CompletionEvent, 1),
		dispatchAt: time.Now(),
	}
}

// Completion returns the channel the Usage Finalizer awaits. Exactly one
// event is ever sent.
func (in *Interceptor) Completion() <-chan ports.CompletionEvent {
	return in.completion
}

// Read forwards bytes unchanged from the upstream body, parsing a copy of
// them for SSE lines as a side effect.
func (in *Interceptor) Read(p []byte) (int, error) {
	n, err := in.upstream.Read(p)
	if n > 0 {
		in.observeFirstByte()
		in.feed(p[:n])
	}
	if err != nil {
		if err == io.EOF {
			in.finish(ports.Completed)
		} else {
			in.finish(ports.ErroredUpstream)
		}
	}
	return n, err
}

// Close releases the upstream connection. If the stream is closed before
// EOF was observed (client disconnect, cancellation), this is the drop-safe
// path that fires Interrupted (spec.md §4.5 "the Interceptor itself is
// dropped... fires Interrupted").
func (in *Interceptor) Close() error {
	in.finish(ports.Interrupted)
	return in.upstream.Close()
}

func (in *Interceptor) observeFirstByte() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.firstByteAt == nil {
		now := time.Now()
		in.firstByteAt = &now
	}
}

// feed appends a chunk to the line buffer and processes every complete line
// it can find, per spec.md §4.5's mandatory line-buffering rule. A chunk
// that is not independently valid UTF-8 (a realistic case when a multi-byte
// rune is split across a TCP boundary) is still appended whole: the bytes
// are forwarded to the caller regardless (already done by Read), and
// dropping them from the buffer too would risk deleting an embedded newline
// and silently losing the remainder of the line — including a usage or
// [DONE] line arriving later in the same chunk. Only line *parsing* treats
// invalid content as unparseable, not chunk buffering.
func (in *Interceptor) feed(chunk []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.lineBuf = append(in.lineBuf, chunk...)

	for {
		idx := bytes.IndexByte(in.lineBuf, '\n')
		if idx < 0 {
			break
		}
		line := in.lineBuf[:idx]
		in.lineBuf = in.lineBuf[idx+1:]
		in.processLineLocked(line)
	}

	if len(in.lineBuf) > constants.MaxSSELineBytes {
		// Cap the buffer per spec.md §4.5: skip the oversized line rather
		// than growing unbounded or terminating the stream.
		in.lineBuf = in.lineBuf[:0]
	}
}

// processLineLocked must be called with in.mu held.
func (in *Interceptor) processLineLocked(line []byte) {
	trimmed := bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(trimmed, []byte("data: ")) {
		return
	}
	payload := bytes.TrimPrefix(trimmed, []byte("data: "))

	if string(payload) == "[DONE]" {
		in.sawDone = true
		return
	}

	if !bytes.Contains(payload, []byte("usage")) {
		return
	}

	var chunk struct {
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil || chunk.Usage == nil {
		return
	}

	in.usage = &usageSlot{inputTokens: chunk.Usage.PromptTokens, outputTokens: chunk.Usage.CompletionTokens}
}

func (in *Interceptor) finish(kind ports.CompletionKind) {
	in.once.Do(func() {
		in.mu.Lock()
		ev := ports.CompletionEvent{Kind: kind, SawDone: in.sawDone}
		if in.usage != nil {
			inTok, outTok := in.usage.inputTokens, in.usage.outputTokens
			ev.InputTokens, ev.OutputTokens = &inTok, &outTok
		}
		if in.firstByteAt != nil {
			ttft := in.firstByteAt.Sub(in.dispatchAt).Milliseconds()
			ev.TTFT = &ttft
		}
		in.mu.Unlock()
		in.completion <- ev
		close(in.completion)
	})
}
