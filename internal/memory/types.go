// Package memory provides the searchable archive of past conversation turns.
//
// Sessions are ingested into memory entries carrying a relevance key, and
// queries are answered by one of two strategies chosen at construction:
// keyword overlap or vector similarity.
package memory

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Strategy selects how relevance keys are derived and compared.
type Strategy string

const (
	StrategyKeyword Strategy = "keyword"
	StrategyVector  Strategy = "vector"
)

// ParseStrategy converts a configuration value into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyKeyword:
		return StrategyKeyword, nil
	case StrategyVector:
		return StrategyVector, nil
	default:
		return "", fmt.Errorf("unknown memory strategy %q", s)
	}
}

// RelevanceKey is the per-entry representation a query is scored against.
// It is either Keywords or Embedding, never both.
type RelevanceKey interface {
	relevanceKey()
}

// Keywords is the keyword-strategy relevance key.
type Keywords []string

// Embedding is the vector-strategy relevance key. An empty Embedding marks
// an entry whose embedding could not be computed.
type Embedding []float32

func (Keywords) relevanceKey()  {}
func (Embedding) relevanceKey() {}

// Entry is one searchable memory record derived from a session event.
type Entry struct {
	UserKey        string
	AppName        string
	UserID         string
	SessionID      string
	Content        *genai.Content
	Author         string
	TextContent    string
	Key            RelevanceKey
	EventTimestamp *time.Time
	IngestedAt     time.Time
}

// Timestamp returns the original event time, or the ingestion time when the
// event carried none.
func (e Entry) Timestamp() time.Time {
	if e.EventTimestamp != nil && !e.EventTimestamp.IsZero() {
		return *e.EventTimestamp
	}
	return e.IngestedAt
}

// ScoredEntry is an Entry returned by a vector search with its cosine similarity.
type ScoredEntry struct {
	Entry
	Score float64
}

// SnapshotEvent is one event of a SessionSnapshot.
type SnapshotEvent struct {
	EventID   string         `json:"event_id,omitempty"`
	Author    string         `json:"author"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Content   *genai.Content `json:"-"`
}

// SessionSnapshot is the denormalized copy of a session written on every
// ingestion. It is the source of truth when memory entries must be rebuilt.
type SessionSnapshot struct {
	UserKey   string
	AppName   string
	UserID    string
	SessionID string
	Events    []SnapshotEvent
	UpdatedAt time.Time
}

// Options configures a Service.
type Options struct {
	Strategy Strategy
	// SimilarityTopK caps the number of memories returned per search.
	SimilarityTopK int
	// Threshold is the maximum keyword distance, or the minimum cosine
	// similarity for the vector strategy.
	Threshold float64
	// EmbeddingDimensions is the expected vector size.
	EmbeddingDimensions int
	// VectorIndexName names the vector index on memory_entries.
	VectorIndexName string
	// OperationTimeout bounds each embedding or storage call. Zero leaves
	// only the caller's deadline.
	OperationTimeout time.Duration
}

// DefaultOptions returns the documented defaults for strategy.
func DefaultOptions(strategy Strategy) Options {
	return Options{
		Strategy:            strategy,
		SimilarityTopK:      10,
		Threshold:           0.5,
		EmbeddingDimensions: 768,
		VectorIndexName:     "vector_index",
	}
}

// UserKey scopes memory to one user within one app.
func UserKey(appName, userID string) string {
	return appName + "/" + userID
}
