package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"

	"github.com/easeaico/adk-session-memory/internal/content"
)

// PostgresStore implements the Store interface using PostgreSQL with pgvector.
type PostgresStore struct {
	pool       *pgxpool.Pool
	dimensions int
	indexName  string
	logger     zerolog.Logger
}

// NewPostgresStore creates a store on an open pool. The embedding column
// and the HNSW index are sized and named from opts. The caller owns the pool.
func NewPostgresStore(pool *pgxpool.Pool, opts Options, logger zerolog.Logger) *PostgresStore {
	dims := opts.EmbeddingDimensions
	if dims <= 0 {
		dims = DefaultOptions(StrategyVector).EmbeddingDimensions
	}
	index := opts.VectorIndexName
	if index == "" {
		index = DefaultOptions(StrategyVector).VectorIndexName
	}
	return &PostgresStore{
		pool:       pool,
		dimensions: dims,
		indexName:  index,
		logger:     logger.With().Str("component", "memory_postgres").Logger(),
	}
}

// InitSchema creates the pgvector extension, both memory tables and their
// indexes if they don't exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS session_events (
			user_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			app_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			events JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_key, session_id)
		);

		CREATE INDEX IF NOT EXISTS idx_session_events_app_user ON session_events(app_name, user_id);
		CREATE INDEX IF NOT EXISTS idx_session_events_updated ON session_events(updated_at DESC);

		CREATE TABLE IF NOT EXISTS memory_entries (
			id BIGSERIAL PRIMARY KEY,
			user_key TEXT NOT NULL,
			app_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			content JSONB NOT NULL,
			author TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			text_content TEXT NOT NULL,
			keywords TEXT[],
			embedding vector(%d),
			event_timestamp TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_memory_entries_user_key ON memory_entries(user_key);
		CREATE INDEX IF NOT EXISTS idx_memory_entries_session ON memory_entries(user_key, session_id);
		CREATE INDEX IF NOT EXISTS idx_memory_entries_app_user ON memory_entries(app_name, user_id);
		CREATE INDEX IF NOT EXISTS idx_memory_entries_timestamp ON memory_entries(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_memory_entries_keywords ON memory_entries USING GIN (keywords);
		CREATE INDEX IF NOT EXISTS %s ON memory_entries USING hnsw (embedding vector_cosine_ops);
	`, s.dimensions, pgx.Identifier{s.indexName}.Sanitize())

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// UpsertSnapshot replaces the stored snapshot of a session.
func (s *PostgresStore) UpsertSnapshot(ctx context.Context, snap SessionSnapshot) error {
	events, err := marshalSnapshotEvents(snap.Events)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO session_events (user_key, session_id, app_name, user_id, events, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_key, session_id) DO UPDATE SET
			app_name = EXCLUDED.app_name,
			user_id = EXCLUDED.user_id,
			events = EXCLUDED.events,
			updated_at = EXCLUDED.updated_at
	`

	_, err = s.pool.Exec(ctx, query, snap.UserKey, snap.SessionID, snap.AppName, snap.UserID, events, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session snapshot: %w", err)
	}
	return nil
}

// ReplaceEntries deletes the session's entries and inserts the new batch in
// one transaction.
func (s *PostgresStore) ReplaceEntries(ctx context.Context, userKey, sessionID string, entries []Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM memory_entries WHERE user_key = $1 AND session_id = $2`, userKey, sessionID); err != nil {
		return fmt.Errorf("failed to delete memory entries: %w", err)
	}

	if len(entries) > 0 {
		batch := &pgx.Batch{}
		for _, e := range entries {
			contentJSON, err := content.Marshal(e.Content)
			if err != nil {
				return err
			}
			var kw, vec any
			switch key := e.Key.(type) {
			case Keywords:
				words := []string(key)
				if words == nil {
					words = []string{}
				}
				kw = words
			case Embedding:
				// pgvector cannot hold an empty vector; a failed embedding is NULL.
				if len(key) > 0 {
					vec = pgvector.NewVector(key)
				}
			}
			batch.Queue(`
				INSERT INTO memory_entries (user_key, app_name, user_id, session_id, content, author,
					timestamp, text_content, keywords, embedding, event_timestamp)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`, e.UserKey, e.AppName, e.UserID, e.SessionID, contentJSON, e.Author,
				e.IngestedAt, e.TextContent, kw, vec, e.EventTimestamp)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert memory entries: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit memory entries: %w", err)
	}
	return nil
}

// KeywordCandidates returns entries sharing a keyword with words, or whose
// text contains one of them case-insensitively.
func (s *PostgresStore) KeywordCandidates(ctx context.Context, userKey string, words []string, limit int) ([]Entry, error) {
	if len(words) == 0 {
		return nil, nil
	}

	patterns := make([]string, len(words))
	for i, w := range words {
		patterns[i] = likePattern(w)
	}

	query := `
		SELECT user_key, app_name, user_id, session_id, content, author, timestamp,
		       text_content, keywords, event_timestamp
		FROM memory_entries
		WHERE user_key = $1 AND (keywords && $2 OR text_content ILIKE ANY($3))
		ORDER BY timestamp DESC, event_timestamp DESC NULLS LAST, id ASC
	`
	args := []any{userKey, words, patterns}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query keyword candidates: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e           Entry
			contentJSON []byte
			kw          []string
		)
		if err := rows.Scan(&e.UserKey, &e.AppName, &e.UserID, &e.SessionID, &contentJSON, &e.Author,
			&e.IngestedAt, &e.TextContent, &kw, &e.EventTimestamp); err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		if !s.decodeContent(&e, contentJSON) {
			continue
		}
		e.Key = Keywords(kw)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memory entries: %w", err)
	}
	return entries, nil
}

// maxEFSearch is the largest hnsw.ef_search pgvector accepts.
const maxEFSearch = 1000

func efSearch(numCandidates int) int {
	return min(numCandidates, maxEFSearch)
}

// NearestEntries runs an approximate nearest-neighbour search on the HNSW
// index. numCandidates sets the search breadth of the index scan.
func (s *PostgresStore) NearestEntries(ctx context.Context, userKey string, vector []float32, numCandidates, limit int) ([]ScoredEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	vec := pgvector.NewVector(vector)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if numCandidates > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearch(numCandidates))); err != nil {
			return nil, fmt.Errorf("failed to set search breadth: %w", err)
		}
	}

	query := `
		SELECT user_key, app_name, user_id, session_id, content, author, timestamp,
		       text_content, embedding, event_timestamp, 1 - (embedding <=> $2) AS similarity
		FROM memory_entries
		WHERE user_key = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2
		LIMIT $3
	`

	rows, err := tx.Query(ctx, query, userKey, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search memory entries: %w", err)
	}
	defer rows.Close()

	var results []ScoredEntry
	for rows.Next() {
		var (
			e           Entry
			contentJSON []byte
			stored      pgvector.Vector
			score       float64
		)
		if err := rows.Scan(&e.UserKey, &e.AppName, &e.UserID, &e.SessionID, &contentJSON, &e.Author,
			&e.IngestedAt, &e.TextContent, &stored, &e.EventTimestamp, &score); err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		if !s.decodeContent(&e, contentJSON) {
			continue
		}
		e.Key = Embedding(stored.Slice())
		results = append(results, ScoredEntry{Entry: e, Score: score})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memory entries: %w", err)
	}
	return results, nil
}

// DeleteSession removes the snapshot and all entries of a session.
func (s *PostgresStore) DeleteSession(ctx context.Context, userKey, sessionID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM memory_entries WHERE user_key = $1 AND session_id = $2`, userKey, sessionID); err != nil {
			return fmt.Errorf("failed to delete memory entries: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM session_events WHERE user_key = $1 AND session_id = $2`, userKey, sessionID); err != nil {
			return fmt.Errorf("failed to delete session snapshot: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) decodeContent(e *Entry, raw []byte) bool {
	c, err := content.Unmarshal(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", e.SessionID).Msg("skipping undecodable memory entry")
		return false
	}
	e.Content = c
	if e.EventTimestamp != nil {
		t := e.EventTimestamp.UTC()
		e.EventTimestamp = &t
	}
	e.IngestedAt = e.IngestedAt.UTC()
	return true
}

var _ Store = (*PostgresStore)(nil)
