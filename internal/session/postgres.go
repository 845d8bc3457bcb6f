package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/easeaico/adk-session-memory/internal/content"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore creates a store on an open pool. The caller owns the pool.
func NewPostgresStore(pool *pgxpool.Pool, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger.With().Str("component", "session_postgres").Logger()}
}

// InitSchema creates the sessions and events tables if they don't exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			app_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			state JSONB NOT NULL DEFAULT '{}',
			event_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (app_name, user_id, session_id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_app_user ON sessions(app_name, user_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);

		CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			app_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			invocation_id TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL,
			content JSONB NOT NULL,
			state_delta JSONB,
			timestamp TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (app_name, user_id, session_id)
				REFERENCES sessions(app_name, user_id, session_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_events_session ON events(app_name, user_id, session_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC);
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	state, err := marshalState(rec.State)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (app_name, user_id, session_id, state, event_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		ON CONFLICT (app_name, user_id, session_id) DO NOTHING
	`, rec.AppName, rec.UserID, rec.SessionID, state, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, rec.SessionID)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, appName, userID, sessionID string) (SessionRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT app_name, user_id, session_id, state, event_count, created_at, updated_at
		FROM sessions
		WHERE app_name = $1 AND user_id = $2 AND session_id = $3
	`, appName, userID, sessionID)

	rec, err := s.scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, appName, userID string) ([]SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT app_name, user_id, session_id, state, event_count, created_at, updated_at
		FROM sessions
		WHERE app_name = $1 AND user_id = $2
		ORDER BY updated_at DESC, session_id ASC
	`, appName, userID)
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

func (s *PostgresStore) ListEvents(ctx context.Context, appName, userID, sessionID string, opts ListEventsOptions) ([]EventRecord, error) {
	query := `
		SELECT event_id, invocation_id, branch, author, content, state_delta, timestamp
		FROM events
		WHERE app_name = $1 AND user_id = $2 AND session_id = $3`
	args := []any{appName, userID, sessionID}
	if !opts.After.IsZero() {
		args = append(args, opts.After)
		query += fmt.Sprintf(` AND timestamp > $%d`, len(args))
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` ORDER BY timestamp DESC, id DESC LIMIT $%d`, len(args))
	} else {
		query += ` ORDER BY timestamp ASC, id ASC`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			ev          EventRecord
			contentJSON []byte
			delta       []byte
		)
		if err := rows.Scan(&ev.EventID, &ev.InvocationID, &ev.Branch, &ev.Author, &contentJSON, &delta, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if ev.Content, err = content.Unmarshal(contentJSON); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Str("event_id", ev.EventID).Msg("event content could not be decoded")
		}
		if len(delta) > 0 {
			if err := json.Unmarshal(delta, &ev.StateDelta); err != nil {
				s.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("event state delta could not be decoded")
			}
		}
		ev.Timestamp = ev.Timestamp.UTC()
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

func (s *PostgresStore) AppendEvent(ctx context.Context, appName, userID, sessionID string, ev EventRecord, state map[string]any, updatedAt time.Time) error {
	stateJSON, err := marshalState(state)
	if err != nil {
		return err
	}
	contentJSON, err := content.Marshal(ev.Content)
	if err != nil {
		return err
	}
	var delta []byte
	if len(ev.StateDelta) > 0 {
		if delta, err = json.Marshal(ev.StateDelta); err != nil {
			return fmt.Errorf("failed to marshal state delta: %w", err)
		}
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sessions
			SET state = $1, updated_at = $2, event_count = event_count + 1
			WHERE app_name = $3 AND user_id = $4 AND session_id = $5
		`, stateJSON, updatedAt, appName, userID, sessionID)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO events (app_name, user_id, session_id, event_id, invocation_id, branch, author,
				content, state_delta, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, appName, userID, sessionID, ev.EventID, ev.InvocationID, ev.Branch, ev.Author,
			contentJSON, delta, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	})
}

// DeleteSession removes the session row; events follow through the
// cascading foreign key.
func (s *PostgresStore) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sessions WHERE app_name = $1 AND user_id = $2 AND session_id = $3
	`, appName, userID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.logger.Debug().Str("session_id", sessionID).Int64("sessions", tag.RowsAffected()).Msg("deleted session rows")
	return nil
}

func (s *PostgresStore) scanSession(row pgx.Row) (SessionRecord, error) {
	var (
		rec   SessionRecord
		state []byte
	)
	if err := row.Scan(&rec.AppName, &rec.UserID, &rec.SessionID, &state, &rec.EventCount, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return SessionRecord{}, err
	}
	var err error
	if rec.State, err = unmarshalState(state); err != nil {
		s.logger.Warn().Err(err).Str("session_id", rec.SessionID).Msg("session state could not be decoded")
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

var _ Store = (*PostgresStore)(nil)
