package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/easeaico/adk-session-memory/internal/content"
	"github.com/easeaico/adk-session-memory/internal/database"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore creates a store on an open SQLite handle. The caller owns
// the handle.
func NewSQLiteStore(db *sql.DB, logger zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logger.With().Str("component", "session_sqlite").Logger()}
}

// InitSchema creates the necessary tables if they don't exist.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			app_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT '{}',
			event_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (app_name, user_id, session_id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_app_user ON sessions(app_name, user_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);

		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			app_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			invocation_id TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL,
			content TEXT NOT NULL,
			state_delta TEXT,
			timestamp TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (app_name, user_id, session_id)
				REFERENCES sessions(app_name, user_id, session_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_events_session ON events(app_name, user_id, session_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	state, err := marshalState(rec.State)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (app_name, user_id, session_id, state, event_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (app_name, user_id, session_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, rec.AppName, rec.UserID, rec.SessionID, string(state),
		database.FormatTime(rec.CreatedAt), database.FormatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, rec.SessionID)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, appName, userID, sessionID string) (SessionRecord, error) {
	query := `
		SELECT app_name, user_id, session_id, state, event_count, created_at, updated_at
		FROM sessions
		WHERE app_name = ? AND user_id = ? AND session_id = ?
	`
	rec, err := s.scanSession(s.db.QueryRowContext(ctx, query, appName, userID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, appName, userID string) ([]SessionRecord, error) {
	query := `
		SELECT app_name, user_id, session_id, state, event_count, created_at, updated_at
		FROM sessions
		WHERE app_name = ? AND user_id = ?
		ORDER BY updated_at DESC, session_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, appName, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := s.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, appName, userID, sessionID string, opts ListEventsOptions) ([]EventRecord, error) {
	query := `
		SELECT event_id, invocation_id, branch, author, content, state_delta, timestamp
		FROM events
		WHERE app_name = ? AND user_id = ? AND session_id = ?`
	args := []any{appName, userID, sessionID}
	if !opts.After.IsZero() {
		query += ` AND timestamp > ?`
		args = append(args, database.FormatTime(opts.After))
	}
	// The most recent Limit events are read newest first and reversed below.
	if opts.Limit > 0 {
		query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
		args = append(args, opts.Limit)
	} else {
		query += ` ORDER BY timestamp ASC, id ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			ev          EventRecord
			contentJSON string
			delta       sql.NullString
			ts          string
		)
		if err := rows.Scan(&ev.EventID, &ev.InvocationID, &ev.Branch, &ev.Author, &contentJSON, &delta, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if ev.Content, err = content.Unmarshal([]byte(contentJSON)); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Str("event_id", ev.EventID).Msg("event content could not be decoded")
		}
		if delta.Valid && delta.String != "" {
			if err := json.Unmarshal([]byte(delta.String), &ev.StateDelta); err != nil {
				s.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("event state delta could not be decoded")
			}
		}
		if ev.Timestamp, err = database.ParseTime(ts); err != nil {
			s.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("event has malformed timestamp")
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	if opts.Limit > 0 {
		slices.Reverse(out)
	}
	return out, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, appName, userID, sessionID string, ev EventRecord, state map[string]any, updatedAt time.Time) error {
	stateJSON, err := marshalState(state)
	if err != nil {
		return err
	}
	contentJSON, err := content.Marshal(ev.Content)
	if err != nil {
		return err
	}
	var delta any
	if len(ev.StateDelta) > 0 {
		b, err := json.Marshal(ev.StateDelta)
		if err != nil {
			return fmt.Errorf("failed to marshal state delta: %w", err)
		}
		delta = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, updated_at = ?, event_count = event_count + 1
		WHERE app_name = ? AND user_id = ? AND session_id = ?
	`, string(stateJSON), database.FormatTime(updatedAt), appName, userID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (app_name, user_id, session_id, event_id, invocation_id, branch, author,
			content, state_delta, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, appName, userID, sessionID, ev.EventID, ev.InvocationID, ev.Branch, ev.Author,
		string(contentJSON), delta, database.FormatTime(ev.Timestamp), database.FormatTime(updatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Events are removed explicitly so the delete does not depend on the
	// foreign_keys pragma of the connection.
	events, err := tx.ExecContext(ctx, `DELETE FROM events WHERE app_name = ? AND user_id = ? AND session_id = ?`, appName, userID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	sessions, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE app_name = ? AND user_id = ? AND session_id = ?`, appName, userID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session delete: %w", err)
	}

	nEvents, _ := events.RowsAffected()
	nSessions, _ := sessions.RowsAffected()
	s.logger.Debug().Str("session_id", sessionID).Int64("sessions", nSessions).Int64("events", nEvents).Msg("deleted session rows")
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanSession(row rowScanner) (SessionRecord, error) {
	var (
		rec                  SessionRecord
		state                string
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.AppName, &rec.UserID, &rec.SessionID, &state, &rec.EventCount, &createdAt, &updatedAt); err != nil {
		return SessionRecord{}, err
	}
	var err error
	if rec.State, err = unmarshalState([]byte(state)); err != nil {
		s.logger.Warn().Err(err).Str("session_id", rec.SessionID).Msg("session state could not be decoded")
		rec.State = map[string]any{}
	}
	if rec.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		s.logger.Warn().Err(err).Str("session_id", rec.SessionID).Msg("session has malformed created_at")
	}
	if rec.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		s.logger.Warn().Err(err).Str("session_id", rec.SessionID).Msg("session has malformed updated_at")
	}
	return rec, nil
}

func marshalState(state map[string]any) ([]byte, error) {
	if state == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session state: %w", err)
	}
	return b, nil
}

func unmarshalState(b []byte) (map[string]any, error) {
	state := map[string]any{}
	if len(b) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(b, &state); err != nil {
		return map[string]any{}, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	if state == nil {
		state = map[string]any{}
	}
	return state, nil
}

var _ Store = (*SQLiteStore)(nil)
