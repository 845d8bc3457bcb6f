package memory

import (
	"context"
	"errors"
)

// ErrStorageUnavailable wraps failures of the underlying store. Ingestion
// callers may retry; searches degrade to an empty result.
var ErrStorageUnavailable = errors.New("memory storage unavailable")

// Store defines the persistence contract of the memory index.
type Store interface {
	// InitSchema creates the session_events and memory_entries tables and
	// their indexes if they don't exist.
	InitSchema(ctx context.Context) error

	// UpsertSnapshot replaces the stored snapshot of a session.
	UpsertSnapshot(ctx context.Context, snap SessionSnapshot) error

	// ReplaceEntries deletes every entry of (userKey, sessionID) and inserts
	// entries in their place, in one transaction.
	ReplaceEntries(ctx context.Context, userKey, sessionID string, entries []Entry) error

	// KeywordCandidates returns entries of userKey whose keywords or text
	// contain any of words as a case-insensitive substring, newest first.
	// A non-positive limit returns all candidates.
	KeywordCandidates(ctx context.Context, userKey string, words []string, limit int) ([]Entry, error)

	// NearestEntries returns up to limit entries of userKey ordered from the
	// most to the least cosine-similar to vector, examining at most
	// numCandidates neighbours.
	NearestEntries(ctx context.Context, userKey string, vector []float32, numCandidates, limit int) ([]ScoredEntry, error)

	// DeleteSession removes the snapshot and all entries of a session.
	DeleteSession(ctx context.Context, userKey, sessionID string) error
}
