// Package store implements the Logger (LG, spec.md §4.7): durable
// persistence of one row per request into SQLite, opened in WAL mode via
// the pure-Go modernc.org/sqlite driver so the whole engine ships as a
// single static binary with no CGO dependency.
//
// The interface shape (Enqueue-style insert, keyed update, group-by stats)
// and the "TODO schema, then wire real SQL" structure are grounded on the
// Polqt scheduler's store.Store; unlike that stub this package actually
// implements every statement.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/johnzilla/arbstr/internal/core/domain"
)

// Store is LG.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS request_log (
    id                 TEXT NOT NULL PRIMARY KEY,
    correlation_id     TEXT NOT NULL,
    timestamp          DATETIME NOT NULL,
    model              TEXT NOT NULL,
    provider           TEXT NOT NULL,
    policy             TEXT NOT NULL,
    streaming          INTEGER NOT NULL,
    success            INTEGER NOT NULL,
    input_tokens       INTEGER,
    output_tokens      INTEGER,
    cost_sats          REAL,
    provider_cost_sats REAL,
    error_status       INTEGER,
    error_message      TEXT NOT NULL DEFAULT '',
    latency_ms         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_log_correlation ON request_log(correlation_id, streaming);
CREATE INDEX IF NOT EXISTS idx_request_log_timestamp ON request_log(timestamp);
`

// Open opens or creates a SQLite database at path, enables WAL mode, and
// runs the schema migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection avoids SQLITE_BUSY under WAL; reads and writes all
	// share it, so they run one at a time.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Insert persists a new row (spec.md §4.7 "INSERT at dispatch time"),
// assigning it a fresh uuid as its primary key (spec §6's {id, ...} column
// list; correlation_id, not id, is what the finalizer's later UpdateStream
// keys off of).
func (s *Store) Insert(ctx context.Context, row domain.LogRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_log (
			id, correlation_id, timestamp, model, provider, policy, streaming, success,
			input_tokens, output_tokens, cost_sats, provider_cost_sats,
			error_status, error_message, latency_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		row.CorrelationID, row.Timestamp, row.Model, row.Provider, row.Policy,
		boolToInt(row.Streaming), boolToInt(row.Success),
		row.InputTokens, row.OutputTokens, row.CostSats, row.ProviderCostSats,
		row.ErrorStatus, row.ErrorMessage, row.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("insert request_log: %w", err)
	}
	return nil
}

// UpdateStream overwrites the outcome fields of a previously-inserted
// streaming row, keyed by correlation_id AND streaming=1 (spec.md §4.6/§4.7:
// the finalizer's post-hoc update never touches a non-streaming row sharing
// the same correlation id, which cannot happen in practice but is asserted
// by the predicate anyway).
func (s *Store) UpdateStream(ctx context.Context, correlationID string, row domain.LogRow) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE request_log SET
			success = ?, input_tokens = ?, output_tokens = ?,
			cost_sats = ?, provider_cost_sats = ?, error_message = ?, latency_ms = ?
		WHERE correlation_id = ? AND streaming = 1`,
		boolToInt(row.Success), row.InputTokens, row.OutputTokens,
		row.CostSats, row.ProviderCostSats, row.ErrorMessage, row.LatencyMs,
		correlationID,
	)
	if err != nil {
		return fmt.Errorf("update request_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no row matched correlation_id=%s streaming=1", correlationID)
	}
	return nil
}

// Stats summarises recent activity for the health endpoint.
type Stats struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	Since           time.Time
}

// StatsSince returns aggregate counts for rows at or after since.
func (s *Store) StatsSince(ctx context.Context, since time.Time) (Stats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(success), 0),
		       COALESCE(SUM(1 - success), 0)
		FROM request_log WHERE timestamp >= ?`, since)

	var st Stats
	st.Since = since
	if err := row.Scan(&st.TotalRequests, &st.SuccessRequests, &st.FailedRequests); err != nil {
		return Stats{}, fmt.Errorf("scan stats: %w", err)
	}
	return st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
