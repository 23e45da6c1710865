package breaker

import (
	"sync"

	"github.com/johnzilla/arbstr/internal/core/ports"
)

// latch is a single-slot broadcast-with-memory primitive: it holds the
// latest ProbeResult and a channel that is closed when a terminal result is
// set, so that a waiter which starts watching after the probe already
// resolved still observes the result immediately (spec.md §4.2: "the
// notifier used to broadcast probe_result stores a single latest value so
// that callers subscribing after the probe completed still observe the
// result").
//
// This is intentionally narrower than a general pub-sub: there is exactly
// one writer per probe cycle and any number of readers, and readers never
// need to be told apart from one another.
type latch struct {
	mu     sync.Mutex
	result ports.ProbeResult
	ch     chan struct{}
}

func newLatch() *latch {
	return &latch{result: ports.ProbePending, ch: make(chan struct{})}
}

// peek returns the current result and the channel that closes when the
// current cycle's result becomes terminal. Never blocks.
func (l *latch) peek() (ports.ProbeResult, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.result, l.ch
}

// set resolves the current cycle to a terminal result and wakes every
// waiter. Must only be called once per cycle (enforced by the caller via
// sync.Once on the probe handle).
func (l *latch) set(r ports.ProbeResult) {
	l.mu.Lock()
	ch := l.ch
	l.result = r
	l.mu.Unlock()
	close(ch)
}

// reset re-asserts Pending for a new HalfOpen cycle (spec.md §4.2 invariant
// 5: "Pending is re-asserted when a new HalfOpen cycle begins").
func (l *latch) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.result = ports.ProbePending
	l.ch = make(chan struct{})
}
