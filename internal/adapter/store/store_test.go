package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/johnzilla/arbstr/internal/core/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arbstr-test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func intPtr(n int) *int          { return &n }
func floatPtr(f float64) *float64 { return &f }

func TestInsertAndStatsSinceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rows := []domain.LogRow{
		{Timestamp: now, CorrelationID: "c1", Model: "gpt-4o", Provider: "alpha", Policy: "", Streaming: false, Success: true, InputTokens: intPtr(10), OutputTokens: intPtr(5), CostSats: floatPtr(0.01), LatencyMs: 120},
		{Timestamp: now, CorrelationID: "c2", Model: "gpt-4o", Provider: "alpha", Policy: "", Streaming: false, Success: false, ErrorMessage: "boom", LatencyMs: 50},
	}
	for _, r := range rows {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	stats, err := s.StatsSince(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRequests != 2 || stats.SuccessRequests != 1 || stats.FailedRequests != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestStatsSinceExcludesOlderRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cutoff := time.Now().UTC()

	if err := s.Insert(ctx, domain.LogRow{Timestamp: cutoff.Add(-time.Hour), CorrelationID: "old", Model: "gpt-4o", Provider: "alpha", Success: true}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ctx, domain.LogRow{Timestamp: cutoff.Add(time.Minute), CorrelationID: "new", Model: "gpt-4o", Provider: "alpha", Success: true}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stats, err := s.StatsSince(ctx, cutoff)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRequests != 1 {
		t.Fatalf("expected only the newer row to count, got %+v", stats)
	}
}

// The finalizer's happens-after UPDATE must find the row the handler
// inserted at dispatch time (spec.md §4.6/§4.7 ordering guarantee).
func TestUpdateStreamOverwritesPreviouslyInsertedRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Insert(ctx, domain.LogRow{
		Timestamp: now, CorrelationID: "stream-1", Model: "gpt-4o", Provider: "alpha",
		Streaming: true, Success: true,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := s.UpdateStream(ctx, "stream-1", domain.LogRow{
		Success: true, InputTokens: intPtr(200), OutputTokens: intPtr(80),
		CostSats: floatPtr(0.05), ProviderCostSats: floatPtr(0.05), LatencyMs: 900,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	stats, err := s.StatsSince(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 {
		t.Fatalf("unexpected stats after update: %+v", stats)
	}
}

// Updating a correlation id with no matching streaming row must be a loud
// error, not a silent no-op — the finalizer's retry loop depends on this to
// distinguish "not there yet" from "succeeded."
func TestUpdateStreamErrorsWhenNoRowMatches(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateStream(context.Background(), "does-not-exist", domain.LogRow{Success: true})
	if err == nil {
		t.Fatal("expected an error for zero rows affected")
	}
}

// UpdateStream is scoped to streaming=1 rows; a non-streaming row that
// happens to share a correlation id must never be touched.
func TestUpdateStreamNeverTouchesNonStreamingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Insert(ctx, domain.LogRow{
		Timestamp: now, CorrelationID: "shared-id", Model: "gpt-4o", Provider: "alpha",
		Streaming: false, Success: true, LatencyMs: 42,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.UpdateStream(ctx, "shared-id", domain.LogRow{Success: false, LatencyMs: 999}); err == nil {
		t.Fatal("expected UpdateStream to find no streaming row and return an error")
	}
}
