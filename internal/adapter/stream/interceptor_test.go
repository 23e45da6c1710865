package stream

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/johnzilla/arbstr/internal/core/constants"
	"github.com/johnzilla/arbstr/internal/core/ports"
)

// chunkedReadCloser serves a fixed payload in caller-chosen slices, so tests
// can force a split at any byte offset without depending on the real
// network's chunking behavior.
type chunkedReadCloser struct {
	chunks [][]byte
	err    error // returned after the last chunk, instead of io.EOF, if set
	closed bool
}

func (c *chunkedReadCloser) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	if n < len(c.chunks[0]) {
		c.chunks[0] = c.chunks[0][n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func (c *chunkedReadCloser) Close() error {
	c.closed = true
	return nil
}

func drain(in *Interceptor) ([]byte, error) {
	var out bytes.Buffer
	buf := make([]byte, 7) // deliberately small to force many Read calls
	for {
		n, err := in.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			if err == io.EOF {
				return out.Bytes(), nil
			}
			return out.Bytes(), err
		}
	}
}

func usageEvent(prompt, completion int) string {
	return `data: {"id":"x","usage":{"prompt_tokens":` + itoa(prompt) + `,"completion_tokens":` + itoa(completion) + `}}` + "\n"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestReadForwardsBytesUnchanged(t *testing.T) {
	payload := "data: {\"id\":\"a\"}\n\ndata: [DONE]\n\n"
	in := NewInterceptor(&chunkedReadCloser{chunks: [][]byte{[]byte(payload)}})

	got, err := drain(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != payload {
		t.Fatalf("pass-through mismatch:\n got %q\nwant %q", got, payload)
	}
}

// Scenario: the terminal usage event arrives whole, in a single chunk.
func TestUsageExtractedFromSingleChunk(t *testing.T) {
	payload := "data: {\"choices\":[]}\n\n" + usageEvent(12, 34) + "data: [DONE]\n\n"
	in := NewInterceptor(&chunkedReadCloser{chunks: [][]byte{[]byte(payload)}})

	if _, err := drain(in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev := <-in.Completion()
	assertUsage(t, ev, 12, 34)
	if ev.Kind != ports.Completed {
		t.Fatalf("expected Completed, got %v", ev.Kind)
	}
	if !ev.SawDone {
		t.Fatal("expected SawDone to be true")
	}
}

// Scenario 5: splitting the same SSE stream at every byte offset — including
// inside the usage object's JSON — must yield identical extracted usage.
func TestUsageExtractionIdenticalAtEveryChunkBoundary(t *testing.T) {
	payload := "data: {\"choices\":[]}\n\n" + usageEvent(512, 128) + "data: [DONE]\n\n"

	for split := 1; split < len(payload); split++ {
		chunks := [][]byte{[]byte(payload[:split]), []byte(payload[split:])}
		in := NewInterceptor(&chunkedReadCloser{chunks: chunks})

		got, err := drain(in)
		if err != nil {
			t.Fatalf("split %d: unexpected error: %v", split, err)
		}
		if string(got) != payload {
			t.Fatalf("split %d: pass-through mismatch", split)
		}

		ev := <-in.Completion()
		if ev.InputTokens == nil || ev.OutputTokens == nil {
			t.Fatalf("split %d: usage not extracted", split)
		}
		if *ev.InputTokens != 512 || *ev.OutputTokens != 128 {
			t.Fatalf("split %d: got (%d, %d), want (512, 128)", split, *ev.InputTokens, *ev.OutputTokens)
		}
	}
}

func assertUsage(t *testing.T, ev ports.CompletionEvent, wantIn, wantOut int) {
	t.Helper()
	if ev.InputTokens == nil || ev.OutputTokens == nil {
		t.Fatal("expected usage to be extracted")
	}
	if *ev.InputTokens != wantIn || *ev.OutputTokens != wantOut {
		t.Fatalf("got (%d, %d), want (%d, %d)", *ev.InputTokens, *ev.OutputTokens, wantIn, wantOut)
	}
}

func TestCommentAndBlankLinesAreForwardedButIgnored(t *testing.T) {
	payload := ": keep-alive\n\n" + "data: {\"choices\":[]}\n\n" + "data: [DONE]\n\n"
	in := NewInterceptor(&chunkedReadCloser{chunks: [][]byte{[]byte(payload)}})

	got, err := drain(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != payload {
		t.Fatal("comment/blank lines must still be forwarded byte-for-byte")
	}

	ev := <-in.Completion()
	if ev.InputTokens != nil || ev.OutputTokens != nil {
		t.Fatal("no usage event was sent, none should be extracted")
	}
}

// An oversized line (no '\n' within MaxSSELineBytes) is capped rather than
// grown without bound; subsequent, well-formed lines still parse correctly.
func TestOversizedLineIsCappedNotGrownUnbounded(t *testing.T) {
	oversized := bytes.Repeat([]byte("x"), constants.MaxSSELineBytes+1024)
	payload := append(append([]byte{}, oversized...), []byte("\ndata: [DONE]\n\n")...)
	payload = append([]byte("data: "), payload...)

	in := NewInterceptor(&chunkedReadCloser{chunks: [][]byte{payload}})
	if _, err := drain(in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev := <-in.Completion()
	if !ev.SawDone {
		t.Fatal("expected the well-formed [DONE] line after the oversized one to still parse")
	}
}

func TestCompletedFiresOnCleanEOF(t *testing.T) {
	in := NewInterceptor(&chunkedReadCloser{chunks: [][]byte{[]byte("data: [DONE]\n\n")}})
	if _, err := drain(in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ev := <-in.Completion()
	if ev.Kind != ports.Completed {
		t.Fatalf("expected Completed, got %v", ev.Kind)
	}
}

func TestErroredUpstreamFiresOnNonEOFReadError(t *testing.T) {
	boom := errors.New("connection reset")
	in := NewInterceptor(&chunkedReadCloser{chunks: [][]byte{[]byte("data: {}\n\n")}, err: boom})

	_, err := drain(in)
	if err != boom {
		t.Fatalf("expected the raw read error to propagate, got %v", err)
	}

	ev := <-in.Completion()
	if ev.Kind != ports.ErroredUpstream {
		t.Fatalf("expected ErroredUpstream, got %v", ev.Kind)
	}
}

// Close before EOF (client disconnect / cancellation) is the drop-safe path:
// it must fire Interrupted exactly once, and never block.
func TestCloseBeforeEOFFiresInterrupted(t *testing.T) {
	rc := &chunkedReadCloser{chunks: [][]byte{[]byte("data: {}\n\n")}}
	in := NewInterceptor(rc)

	buf := make([]byte, 4)
	if _, err := in.Read(buf); err != nil {
		t.Fatalf("unexpected error on first read: %v", err)
	}

	if err := in.Close(); err != nil {
		t.Fatalf("unexpected error on close: %v", err)
	}
	if !rc.closed {
		t.Fatal("expected the upstream body to be closed")
	}

	ev := <-in.Completion()
	if ev.Kind != ports.Interrupted {
		t.Fatalf("expected Interrupted, got %v", ev.Kind)
	}
}

// finish is guarded by sync.Once: whichever of EOF/error/Close happens first
// wins, and the completion channel is never sent to twice nor left blocked.
func TestCompletionFiresExactlyOnce(t *testing.T) {
	in := NewInterceptor(&chunkedReadCloser{chunks: [][]byte{[]byte("data: [DONE]\n\n")}})
	if _, err := drain(in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("unexpected error on redundant close: %v", err)
	}

	ev, ok := <-in.Completion()
	if !ok {
		t.Fatal("expected one buffered event before the channel closes")
	}
	if ev.Kind != ports.Completed {
		t.Fatalf("expected the first (EOF) outcome to win, got %v", ev.Kind)
	}

	if _, ok := <-in.Completion(); ok {
		t.Fatal("expected the completion channel to be closed after the one event")
	}
}

func TestNonUTF8ChunkIsForwardedButNotParsed(t *testing.T) {
	invalid := []byte{0xff, 0xfe, 0xfd}
	in := NewInterceptor(&chunkedReadCloser{chunks: [][]byte{invalid, []byte("\ndata: [DONE]\n\n")}})

	got, err := drain(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got[:3], invalid) {
		t.Fatal("invalid UTF-8 bytes must still be forwarded to the client unchanged")
	}

	ev := <-in.Completion()
	if !ev.SawDone {
		t.Fatal("the [DONE] line arriving after the invalid chunk must still be parsed")
	}
}

// A chunk that is independently invalid UTF-8 (a multi-byte rune split at a
// TCP boundary) must still be appended to the line buffer whole, not
// dropped, so an embedded newline and a usage line riding along in the same
// chunk are not lost. Only the invalid line's own JSON parsing is skipped.
func TestLineStraddlingInvalidUTF8ChunkIsStillBuffered(t *testing.T) {
	// A lone continuation byte (0x80) is independently invalid UTF-8, but
	// here it rides in the same chunk as a complete, terminated usage line.
	straddling := append([]byte{0x80}, []byte("\n"+usageEvent(7, 9))...)
	in := NewInterceptor(&chunkedReadCloser{chunks: [][]byte{
		[]byte("data: {\"choices\":[]}\n\n"),
		straddling,
		[]byte("data: [DONE]\n\n"),
	}})

	got, err := drain(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Contains(got, []byte{0x80}) {
		t.Fatal("invalid byte must still be forwarded to the client unchanged")
	}

	ev := <-in.Completion()
	assertUsage(t, ev, 7, 9)
	if !ev.SawDone {
		t.Fatal("expected SawDone: the usage and [DONE] lines must survive the invalid byte riding in the same chunk")
	}
}
