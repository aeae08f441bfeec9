package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/viagen/viagen/internal/domain"
	"github.com/viagen/viagen/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the history and exchange readers run alongside the writer.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		name TEXT PRIMARY KEY,
		continuity_token TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		session_name TEXT NOT NULL,
		message_length INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		exit_code INTEGER,
		status TEXT NOT NULL,
		stderr_tail TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_started ON exchanges(started_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSessionState returns the persisted state for a session.
func (s *SQLiteStore) GetSessionState(ctx context.Context, name string) (*domain.SessionState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, continuity_token, updated_at FROM chat_sessions WHERE name = ?`, name)

	var state domain.SessionState
	var updatedAt int64
	err := row.Scan(&state.Name, &state.ContinuityToken, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session state: %w", err)
	}
	state.UpdatedAt = time.UnixMilli(updatedAt)
	return &state, nil
}

// UpsertSessionState creates or replaces the state for a session.
func (s *SQLiteStore) UpsertSessionState(ctx context.Context, state *domain.SessionState) error {
	query := `
	INSERT INTO chat_sessions (name, continuity_token, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		continuity_token = excluded.continuity_token,
		updated_at = excluded.updated_at`

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	return shared.RetryOnConflict(ctx, s.retry, "upsert_session_state", func() error {
		if _, err := s.db.ExecContext(ctx, query, state.Name, state.ContinuityToken, updatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("upsert session state: %w", err)
		}
		return nil
	})
}

// StartExchange inserts a running exchange record.
func (s *SQLiteStore) StartExchange(ctx context.Context, rec *domain.ExchangeRecord) error {
	query := `
	INSERT INTO exchanges (id, session_name, message_length, started_at, status)
	VALUES (?, ?, ?, ?, ?)`

	status := rec.Status
	if status == "" {
		status = domain.ExchangeRunning
	}
	return shared.RetryOnConflict(ctx, s.retry, "start_exchange", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			rec.ID, rec.SessionName, rec.MessageLength, rec.StartedAt.UnixMilli(), string(status),
		); err != nil {
			return fmt.Errorf("insert exchange: %w", err)
		}
		return nil
	})
}

// FinishExchange records the outcome of an exchange.
func (s *SQLiteStore) FinishExchange(ctx context.Context, id string, status domain.ExchangeStatus, exitCode int, stderrTail string, finishedAt time.Time) error {
	query := `
	UPDATE exchanges SET status = ?, exit_code = ?, stderr_tail = ?, finished_at = ?
	WHERE id = ?`

	return shared.RetryOnConflict(ctx, s.retry, "finish_exchange", func() error {
		result, err := s.db.ExecContext(ctx, query, string(status), exitCode, stderrTail, finishedAt.UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("update exchange: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("FinishExchange affected 0 rows", "exchange_id", id)
		}
		return nil
	})
}

// ListExchanges returns up to limit exchanges, newest first.
func (s *SQLiteStore) ListExchanges(ctx context.Context, limit int) ([]*domain.ExchangeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_name, message_length, started_at, finished_at, exit_code, status, stderr_tail
		FROM exchanges ORDER BY started_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close exchange rows", "error", closeErr)
		}
	}()

	records := []*domain.ExchangeRecord{}
	for rows.Next() {
		var rec domain.ExchangeRecord
		var startedAt int64
		var finishedAt, exitCode sql.NullInt64
		var status string

		if err := rows.Scan(
			&rec.ID, &rec.SessionName, &rec.MessageLength,
			&startedAt, &finishedAt, &exitCode, &status, &rec.StderrTail,
		); err != nil {
			return nil, fmt.Errorf("scan exchange row: %w", err)
		}

		rec.StartedAt = time.UnixMilli(startedAt)
		rec.Status = domain.ExchangeStatus(status)
		if finishedAt.Valid {
			t := time.UnixMilli(finishedAt.Int64)
			rec.FinishedAt = &t
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return records, nil
}

const abandonedNote = "server stopped before the exchange finished"

// AbandonRunningExchanges fails every exchange left running by a previous
// server process.
func (s *SQLiteStore) AbandonRunningExchanges(ctx context.Context, finishedAt time.Time) (int64, error) {
	query := `
	UPDATE exchanges SET status = ?, finished_at = ?,
		stderr_tail = CASE WHEN stderr_tail = '' THEN ? ELSE stderr_tail END
	WHERE status = ?`

	var updated int64
	err := shared.RetryOnConflict(ctx, s.retry, "abandon_exchanges", func() error {
		result, err := s.db.ExecContext(ctx, query,
			string(domain.ExchangeFailed), finishedAt.UnixMilli(), abandonedNote, string(domain.ExchangeRunning))
		if err != nil {
			return fmt.Errorf("abandon exchanges: %w", err)
		}
		updated, err = result.RowsAffected()
		return err
	})
	return updated, err
}

// CleanupExchanges deletes finished exchanges that started before now-ttl.
func (s *SQLiteStore) CleanupExchanges(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	var deleted int64
	err := shared.RetryOnConflict(ctx, s.retry, "cleanup_exchanges", func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM exchanges WHERE started_at < ? AND status != ?`, threshold, string(domain.ExchangeRunning))
		if err != nil {
			return fmt.Errorf("cleanup exchanges: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}
