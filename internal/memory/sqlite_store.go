package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/easeaico/adk-session-memory/internal/content"
	"github.com/easeaico/adk-session-memory/internal/database"
)

// SQLiteStore implements the Store interface using SQLite.
// Embeddings are stored as BLOBs and vector similarity search is performed
// in application memory using cosine similarity.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore creates a store on an open SQLite handle. The caller owns
// the handle and closes it on shutdown.
func NewSQLiteStore(db *sql.DB, logger zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logger.With().Str("component", "memory_sqlite").Logger()}
}

// InitSchema creates the necessary tables if they don't exist.
// This should be called after creating a new SQLiteStore to ensure
// the database schema is properly set up.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	schema := `
		-- Denormalized session snapshots, one per ingested session
		CREATE TABLE IF NOT EXISTS session_events (
			user_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			app_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			events TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_key, session_id)
		);

		CREATE INDEX IF NOT EXISTS idx_session_events_app_user ON session_events(app_name, user_id);
		CREATE INDEX IF NOT EXISTS idx_session_events_updated ON session_events(updated_at DESC);

		-- Searchable memory entries
		CREATE TABLE IF NOT EXISTS memory_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_key TEXT NOT NULL,
			app_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			content TEXT NOT NULL,
			author TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			text_content TEXT NOT NULL,
			keywords TEXT,
			embedding BLOB,
			event_timestamp TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_memory_entries_user_key ON memory_entries(user_key);
		CREATE INDEX IF NOT EXISTS idx_memory_entries_session ON memory_entries(user_key, session_id);
		CREATE INDEX IF NOT EXISTS idx_memory_entries_app_user ON memory_entries(app_name, user_id);
		CREATE INDEX IF NOT EXISTS idx_memory_entries_timestamp ON memory_entries(timestamp DESC);
	`

	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// UpsertSnapshot replaces the stored snapshot of a session.
func (s *SQLiteStore) UpsertSnapshot(ctx context.Context, snap SessionSnapshot) error {
	events, err := marshalSnapshotEvents(snap.Events)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO session_events (user_key, session_id, app_name, user_id, events, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_key, session_id) DO UPDATE SET
			app_name = excluded.app_name,
			user_id = excluded.user_id,
			events = excluded.events,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query, snap.UserKey, snap.SessionID, snap.AppName, snap.UserID, string(events), database.FormatTime(snap.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert session snapshot: %w", err)
	}
	return nil
}

// ReplaceEntries deletes the session's entries and inserts the new batch in
// one transaction.
func (s *SQLiteStore) ReplaceEntries(ctx context.Context, userKey, sessionID string, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_entries WHERE user_key = ? AND session_id = ?`, userKey, sessionID); err != nil {
		return fmt.Errorf("failed to delete memory entries: %w", err)
	}

	if len(entries) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO memory_entries (user_key, app_name, user_id, session_id, content, author,
				timestamp, text_content, keywords, embedding, event_timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range entries {
			contentJSON, err := content.Marshal(e.Content)
			if err != nil {
				return err
			}
			var kw, blob, ets any
			switch key := e.Key.(type) {
			case Keywords:
				b, err := json.Marshal([]string(key))
				if err != nil {
					return fmt.Errorf("failed to marshal keywords: %w", err)
				}
				kw = string(b)
			case Embedding:
				if len(key) > 0 {
					blob = encodeVector(key)
				}
			}
			if e.EventTimestamp != nil {
				ets = database.FormatTime(*e.EventTimestamp)
			}

			_, err = stmt.ExecContext(ctx, e.UserKey, e.AppName, e.UserID, e.SessionID, string(contentJSON),
				e.Author, database.FormatTime(e.IngestedAt), e.TextContent, kw, blob, ets)
			if err != nil {
				return fmt.Errorf("failed to insert memory entry: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit memory entries: %w", err)
	}
	return nil
}

// KeywordCandidates returns entries whose text contains any of words.
// Every keyword is a lower-cased substring of text_content, so matching the
// text alone also covers the keyword set. LIKE folds ASCII case only.
func (s *SQLiteStore) KeywordCandidates(ctx context.Context, userKey string, words []string, limit int) ([]Entry, error) {
	if len(words) == 0 {
		return nil, nil
	}

	conds := make([]string, 0, len(words))
	args := []any{userKey}
	for _, w := range words {
		conds = append(conds, `text_content LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(w))
	}
	query := `
		SELECT user_key, app_name, user_id, session_id, content, author, timestamp,
		       text_content, keywords, event_timestamp
		FROM memory_entries
		WHERE user_key = ? AND (` + strings.Join(conds, " OR ") + `)
		ORDER BY timestamp DESC, event_timestamp DESC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query keyword candidates: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                        Entry
			contentJSON, ingestedAt  string
			keywordsJSON, eventStamp sql.NullString
		)
		if err := rows.Scan(&e.UserKey, &e.AppName, &e.UserID, &e.SessionID, &contentJSON, &e.Author,
			&ingestedAt, &e.TextContent, &keywordsJSON, &eventStamp); err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		if !s.decodeEntry(&e, contentJSON, ingestedAt, eventStamp) {
			continue
		}
		var kw []string
		if keywordsJSON.Valid {
			if err := json.Unmarshal([]byte(keywordsJSON.String), &kw); err != nil {
				s.logger.Warn().Err(err).Str("session_id", e.SessionID).Msg("skipping memory entry with malformed keywords")
				continue
			}
		}
		e.Key = Keywords(kw)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memory entries: %w", err)
	}
	return entries, nil
}

// NearestEntries finds entries similar to vector using cosine similarity.
// Unlike PostgreSQL with pgvector, this implementation loads all embeddings
// of the user into memory and computes similarity scores in the application
// layer, which suits smaller datasets.
func (s *SQLiteStore) NearestEntries(ctx context.Context, userKey string, vector []float32, numCandidates, limit int) ([]ScoredEntry, error) {
	query := `
		SELECT user_key, app_name, user_id, session_id, content, author, timestamp,
		       text_content, embedding, event_timestamp
		FROM memory_entries
		WHERE user_key = ? AND embedding IS NOT NULL
	`

	rows, err := s.db.QueryContext(ctx, query, userKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory entries: %w", err)
	}
	defer rows.Close()

	var results []ScoredEntry
	for rows.Next() {
		var (
			e                       Entry
			contentJSON, ingestedAt string
			blob                    []byte
			eventStamp              sql.NullString
		)
		if err := rows.Scan(&e.UserKey, &e.AppName, &e.UserID, &e.SessionID, &contentJSON, &e.Author,
			&ingestedAt, &e.TextContent, &blob, &eventStamp); err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}

		// Decode the embedding and calculate similarity
		stored := decodeVector(blob)
		if len(stored) == 0 || len(stored) != len(vector) {
			continue
		}
		if !s.decodeEntry(&e, contentJSON, ingestedAt, eventStamp) {
			continue
		}
		e.Key = Embedding(stored)
		results = append(results, ScoredEntry{
			Entry: e,
			Score: float64(cosineSimilarity(vector, stored)),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memory entries: %w", err)
	}

	// Sort by similarity score (highest first)
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if numCandidates > 0 && len(results) > numCandidates {
		results = results[:numCandidates]
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// DeleteSession removes the snapshot and all entries of a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userKey, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_entries WHERE user_key = ? AND session_id = ?`, userKey, sessionID); err != nil {
		return fmt.Errorf("failed to delete memory entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_events WHERE user_key = ? AND session_id = ?`, userKey, sessionID); err != nil {
		return fmt.Errorf("failed to delete session snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session delete: %w", err)
	}
	return nil
}

// decodeEntry fills the decoded columns of e. Malformed records are logged
// and reported as false so the caller skips them.
func (s *SQLiteStore) decodeEntry(e *Entry, contentJSON, ingestedAt string, eventStamp sql.NullString) bool {
	c, err := content.Unmarshal([]byte(contentJSON))
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", e.SessionID).Msg("skipping undecodable memory entry")
		return false
	}
	e.Content = c

	if e.IngestedAt, err = database.ParseTime(ingestedAt); err != nil {
		s.logger.Warn().Err(err).Str("session_id", e.SessionID).Msg("memory entry has malformed timestamp")
	}
	if eventStamp.Valid && eventStamp.String != "" {
		t, err := database.ParseTime(eventStamp.String)
		if err == nil {
			e.EventTimestamp = &t
		}
	}
	return true
}

// encodeVector converts a float32 slice to a byte slice for storage.
// Each float32 is encoded as 4 bytes in little-endian format. An empty
// vector is stored as NULL.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector converts a byte slice back to a float32 slice.
func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// cosineSimilarity calculates the cosine similarity between two vectors.
// The result is in range [-1, 1], where 1 means identical direction,
// 0 means orthogonal, and -1 means opposite direction.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

var _ Store = (*SQLiteStore)(nil)
