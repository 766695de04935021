package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ SessionStore = (*SQLiteStore)(nil)
var _ DispatchLog = (*SQLiteStore)(nil)
var _ FetchCoverage = (*SQLiteStore)(nil)

// SQLiteStore implements SessionStore, DispatchLog and FetchCoverage backed
// by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// migrations are applied in order; the index of the last applied entry plus
// one is kept in PRAGMA user_version.
var migrations = []string{
	`CREATE TABLE sessions (
		id               TEXT PRIMARY KEY,
		stock_id         TEXT NOT NULL,
		display_stock_id TEXT NOT NULL DEFAULT '',
		start_ns         INTEGER NOT NULL,
		end_ns           INTEGER NOT NULL,
		replay           INTEGER NOT NULL DEFAULT 0,
		events           INTEGER NOT NULL DEFAULT 0,
		source           TEXT NOT NULL DEFAULT '',
		created_ns       INTEGER NOT NULL
	)`,
	`CREATE TABLE dispatches (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		order_id   TEXT NOT NULL,
		stock_id   TEXT NOT NULL,
		broker     TEXT NOT NULL,
		status     TEXT NOT NULL,
		error      TEXT NOT NULL DEFAULT '',
		at_ns      INTEGER NOT NULL,
		latency_ns INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX dispatches_session ON dispatches (session_id, seq)`,
	`CREATE INDEX sessions_created ON sessions (created_ns DESC)`,
	`CREATE TABLE fetch_windows (
		source   TEXT NOT NULL,
		stock_id TEXT NOT NULL,
		start_ns INTEGER NOT NULL,
		end_ns   INTEGER NOT NULL
	)`,
	`CREATE INDEX fetch_windows_stock ON fetch_windows (source, stock_id, start_ns)`,
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies any
// pending migrations and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// SessionStore implementation
// ---------------------------------------------------------------------------

// SaveSession inserts or replaces a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	created := sess.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, stock_id, display_stock_id, start_ns, end_ns, replay, events, source, created_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.StockID, sess.DisplayStockID,
		sess.Start.UnixNano(), sess.End.UnixNano(),
		sess.Replay, sess.Events, sess.Source, created.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID, err)
	}
	return nil
}

// ListSessions returns the most recent sessions, newest first, up to limit.
// A non-positive limit returns all sessions.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stock_id, display_stock_id, start_ns, end_ns, replay, events, source, created_ns
		FROM sessions ORDER BY created_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess                      Session
			startNs, endNs, createdNs int64
		)
		if err := rows.Scan(&sess.ID, &sess.StockID, &sess.DisplayStockID,
			&startNs, &endNs, &sess.Replay, &sess.Events, &sess.Source, &createdNs); err != nil {
			return nil, err
		}
		sess.Start = time.Unix(0, startNs)
		sess.End = time.Unix(0, endNs)
		sess.CreatedAt = time.Unix(0, createdNs)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// DispatchLog implementation
// ---------------------------------------------------------------------------

// RecordDispatch appends one dispatch outcome.
func (s *SQLiteStore) RecordDispatch(ctx context.Context, rec DispatchRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatches (session_id, order_id, stock_id, broker, status, error, at_ns, latency_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.OrderID, rec.StockID, rec.Broker, string(rec.Status), rec.Error,
		at.UnixNano(), int64(rec.Latency),
	)
	if err != nil {
		return fmt.Errorf("recording dispatch of %s: %w", rec.OrderID, err)
	}
	return nil
}

// ListDispatches returns the outcomes recorded for sessionID in insertion
// order.
func (s *SQLiteStore) ListDispatches(ctx context.Context, sessionID string) ([]DispatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, order_id, stock_id, broker, status, error, at_ns, latency_ns
		FROM dispatches WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing dispatches: %w", err)
	}
	defer rows.Close()

	var out []DispatchRecord
	for rows.Next() {
		var (
			rec           DispatchRecord
			status        string
			atNs, latency int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.OrderID, &rec.StockID, &rec.Broker,
			&status, &rec.Error, &atNs, &latency); err != nil {
			return nil, err
		}
		rec.Status = DispatchStatus(status)
		rec.At = time.Unix(0, atNs)
		rec.Latency = time.Duration(latency)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// FetchCoverage implementation
// ---------------------------------------------------------------------------

// RecordFetch stores [start, end] for source and stockID. Recorded windows
// that overlap or touch it are folded into a single row.
func (s *SQLiteStore) RecordFetch(ctx context.Context, source, stockID string, start, end time.Time) error {
	lo, hi := start.UnixNano(), end.UnixNano()
	if hi < lo {
		return fmt.Errorf("recording fetch of %s: end before start", stockID)
	}
	stockID = strings.ToUpper(stockID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var minNs, maxNs sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MIN(start_ns), MAX(end_ns) FROM fetch_windows
		WHERE source = ? AND stock_id = ? AND start_ns <= ? AND end_ns >= ?`,
		source, stockID, hi, lo).Scan(&minNs, &maxNs); err != nil {
		return fmt.Errorf("recording fetch of %s: %w", stockID, err)
	}
	if minNs.Valid && minNs.Int64 < lo {
		lo = minNs.Int64
	}
	if maxNs.Valid && maxNs.Int64 > hi {
		hi = maxNs.Int64
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM fetch_windows
		WHERE source = ? AND stock_id = ? AND start_ns <= ? AND end_ns >= ?`,
		source, stockID, hi, lo); err != nil {
		return fmt.Errorf("recording fetch of %s: %w", stockID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fetch_windows (source, stock_id, start_ns, end_ns) VALUES (?, ?, ?, ?)`,
		source, stockID, lo, hi); err != nil {
		return fmt.Errorf("recording fetch of %s: %w", stockID, err)
	}
	return tx.Commit()
}

// Covered reports whether a single recorded window contains [start, end].
func (s *SQLiteStore) Covered(ctx context.Context, source, stockID string, start, end time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM fetch_windows
		WHERE source = ? AND stock_id = ? AND start_ns <= ? AND end_ns >= ?
		LIMIT 1`,
		source, strings.ToUpper(stockID), start.UnixNano(), end.UnixNano()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking fetch coverage of %s: %w", stockID, err)
	}
	return true, nil
}
