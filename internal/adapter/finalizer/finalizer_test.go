package finalizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/johnzilla/arbstr/internal/core/clock"
	"github.com/johnzilla/arbstr/internal/core/domain"
	"github.com/johnzilla/arbstr/internal/core/ports"
)

// fakeBreaker records every RecordSuccess/RecordFailure call; Finalize never
// needs CheckAndAcquire/AwaitProbe/Snapshot so those are unused stubs.
type fakeBreaker struct {
	mu       sync.Mutex
	success  []string
	failures []failureCall
}

type failureCall struct {
	provider, kind, shortMessage string
}

func (b *fakeBreaker) CheckAndAcquire(string) (ports.BreakerDecision, ports.ProbeHandle, *domain.LastError) {
	return ports.Allow, nil, nil
}
func (b *fakeBreaker) AwaitProbe(context.Context, string) ports.ProbeResult { return ports.ProbeSuccess }
func (b *fakeBreaker) RecordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.success = append(b.success, provider)
}
func (b *fakeBreaker) RecordFailure(provider, kind, shortMessage string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, failureCall{provider, kind, shortMessage})
}
func (b *fakeBreaker) Snapshot() map[string]domain.HealthInfo { return nil }

// fakeLogger records every UpdateStream call; scriptedErrs, if set, is
// consumed in order (one error per call) before falling back to nil.
type fakeLogger struct {
	mu           sync.Mutex
	updates      []domain.LogRow
	scriptedErrs []error
}

func (l *fakeLogger) Insert(context.Context, domain.LogRow) error { return nil }
func (l *fakeLogger) UpdateStream(_ context.Context, _ string, row domain.LogRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, row)
	if len(l.scriptedErrs) > 0 {
		err := l.scriptedErrs[0]
		l.scriptedErrs = l.scriptedErrs[1:]
		return err
	}
	return nil
}

func testProvider() *domain.Provider {
	return &domain.Provider{Name: "alpha", InputRate: 1, OutputRate: 2, BaseFee: 0.001}
}

func TestFinalizeCompletedRecordsSuccessAndCost(t *testing.T) {
	breaker := &fakeBreaker{}
	logger := &fakeLogger{}
	f := New(breaker, logger, nil)

	completion := make(chan ports.CompletionEvent, 1)
	inTok, outTok := 100, 50
	completion <- ports.CompletionEvent{Kind: ports.Completed, InputTokens: &inTok, OutputTokens: &outTok, SawDone: true}
	close(completion)

	f.Finalize(context.Background(), testProvider(), "corr-1", "gpt-4o", "", time.Now(), completion, nil)

	if len(breaker.success) != 1 || breaker.success[0] != "alpha" {
		t.Fatalf("expected one RecordSuccess(alpha), got %v", breaker.success)
	}
	if len(breaker.failures) != 0 {
		t.Fatalf("expected no RecordFailure calls, got %v", breaker.failures)
	}
	if len(logger.updates) != 1 {
		t.Fatalf("expected exactly one UpdateStream call, got %d", len(logger.updates))
	}
	row := logger.updates[0]
	if !row.Success || row.CostSats == nil {
		t.Fatalf("expected a successful row with computed cost, got %+v", row)
	}
	wantCost := testProvider().CostFromUsage(100, 50)
	if *row.CostSats != wantCost {
		t.Fatalf("cost mismatch: got %v want %v", *row.CostSats, wantCost)
	}
}

// Scenario 6: a stream that ends without [DONE] (Interrupted) must be
// recorded both as a failed log row and as a breaker failure — a dropped
// client connection is still a provider-attributable signal once the
// upstream side of the pipe is involved.
func TestFinalizeInterruptedRecordsBreakerFailure(t *testing.T) {
	breaker := &fakeBreaker{}
	logger := &fakeLogger{}
	f := New(breaker, logger, nil)

	completion := make(chan ports.CompletionEvent, 1)
	completion <- ports.CompletionEvent{Kind: ports.Interrupted}
	close(completion)

	f.Finalize(context.Background(), testProvider(), "corr-2", "gpt-4o", "", time.Now(), completion, nil)

	if len(breaker.failures) != 1 {
		t.Fatalf("expected exactly one RecordFailure call, got %v", breaker.failures)
	}
	if breaker.failures[0].provider != "alpha" || breaker.failures[0].kind != "stream_error" {
		t.Fatalf("unexpected failure call: %+v", breaker.failures[0])
	}
	if len(breaker.success) != 0 {
		t.Fatalf("expected no RecordSuccess calls, got %v", breaker.success)
	}
	row := logger.updates[0]
	if row.Success {
		t.Fatal("expected the row to be marked unsuccessful")
	}
}

func TestFinalizeErroredUpstreamRecordsBreakerFailure(t *testing.T) {
	breaker := &fakeBreaker{}
	logger := &fakeLogger{}
	f := New(breaker, logger, nil)

	completion := make(chan ports.CompletionEvent, 1)
	completion <- ports.CompletionEvent{Kind: ports.ErroredUpstream}
	close(completion)

	f.Finalize(context.Background(), testProvider(), "corr-3", "gpt-4o", "", time.Now(), completion, nil)

	if len(breaker.failures) != 1 || breaker.failures[0].provider != "alpha" {
		t.Fatalf("expected one RecordFailure(alpha), got %v", breaker.failures)
	}
}

// If the completion channel is closed without ever sending an event (the
// Interceptor was garbage collected / never wired), Finalize must return
// without panicking and must still close costReady.
func TestFinalizeReturnsOnClosedCompletionWithoutEvent(t *testing.T) {
	breaker := &fakeBreaker{}
	logger := &fakeLogger{}
	f := New(breaker, logger, nil)

	completion := make(chan ports.CompletionEvent)
	close(completion)

	costReady := make(chan CostResult, 1)
	f.Finalize(context.Background(), testProvider(), "corr-4", "gpt-4o", "", time.Now(), completion, costReady)

	if _, ok := <-costReady; ok {
		t.Fatal("expected costReady to be closed with no value sent")
	}
	if len(logger.updates) != 0 {
		t.Fatal("expected no log update when no completion event was ever sent")
	}
}

// costReady receives exactly one CostResult, published before the (possibly
// slow/retried) log update, and is always closed on return.
func TestFinalizePublishesCostBeforeLogUpdate(t *testing.T) {
	breaker := &fakeBreaker{}
	logger := &fakeLogger{}
	f := New(breaker, logger, nil)

	completion := make(chan ports.CompletionEvent, 1)
	inTok, outTok := 10, 5
	completion <- ports.CompletionEvent{Kind: ports.Completed, InputTokens: &inTok, OutputTokens: &outTok}
	close(completion)

	costReady := make(chan CostResult, 1)
	f.Finalize(context.Background(), testProvider(), "corr-5", "gpt-4o", "", time.Now(), completion, costReady)

	result, ok := <-costReady
	if !ok {
		t.Fatal("expected one CostResult before the channel closed")
	}
	if result.CostSats == nil || *result.CostSats != testProvider().CostFromUsage(10, 5) {
		t.Fatalf("unexpected cost result: %+v", result)
	}
	if _, ok := <-costReady; ok {
		t.Fatal("expected costReady to be closed after the single send")
	}
}

// When usage was never extracted (degraded parse), costReady still fires
// exactly once but with a nil CostSats, which the handler treats as a no-op.
func TestFinalizePublishesNilCostWhenUsageMissing(t *testing.T) {
	breaker := &fakeBreaker{}
	logger := &fakeLogger{}
	f := New(breaker, logger, nil)

	completion := make(chan ports.CompletionEvent, 1)
	completion <- ports.CompletionEvent{Kind: ports.Completed}
	close(completion)

	costReady := make(chan CostResult, 1)
	f.Finalize(context.Background(), testProvider(), "corr-6", "gpt-4o", "", time.Now(), completion, costReady)

	result := <-costReady
	if result.CostSats != nil {
		t.Fatalf("expected nil cost when no usage was extracted, got %v", *result.CostSats)
	}
}

func TestFinalizeRetriesUpdateOnFailureAndGivesUp(t *testing.T) {
	breaker := &fakeBreaker{}
	boom := errors.New("database is locked")
	logger := &fakeLogger{scriptedErrs: []error{boom, boom, boom}}
	fc := clock.NewFake(time.Unix(0, 0))
	f := New(breaker, logger, nil, WithClock(fc))

	completion := make(chan ports.CompletionEvent, 1)
	completion <- ports.CompletionEvent{Kind: ports.Completed}
	close(completion)

	done := make(chan struct{})
	go func() {
		f.Finalize(context.Background(), testProvider(), "corr-7", "gpt-4o", "", time.Now(), completion, nil)
		close(done)
	}()

	// 3 attempts, 2 inter-attempt sleeps; let the goroutine reach each Sleep
	// call before advancing the fake clock past it.
	time.Sleep(10 * time.Millisecond)
	fc.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	fc.Advance(time.Hour)
	<-done

	if len(logger.updates) != 3 {
		t.Fatalf("expected exactly 3 update attempts (the configured budget), got %d", len(logger.updates))
	}
}

func TestFinalizeSucceedsAfterOneRetry(t *testing.T) {
	breaker := &fakeBreaker{}
	boom := errors.New("database is locked")
	logger := &fakeLogger{scriptedErrs: []error{boom}}
	fc := clock.NewFake(time.Unix(0, 0))
	f := New(breaker, logger, nil, WithClock(fc))

	completion := make(chan ports.CompletionEvent, 1)
	completion <- ports.CompletionEvent{Kind: ports.Completed}
	close(completion)

	done := make(chan struct{})
	go func() {
		f.Finalize(context.Background(), testProvider(), "corr-8", "gpt-4o", "", time.Now(), completion, nil)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	fc.Advance(time.Hour)
	<-done

	if len(logger.updates) != 2 {
		t.Fatalf("expected 2 update attempts (one failure, one success), got %d", len(logger.updates))
	}
}
