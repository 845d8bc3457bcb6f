package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	adkmemory "google.golang.org/adk/memory"
	"google.golang.org/adk/session"

	"github.com/easeaico/adk-session-memory/internal/content"
	"github.com/easeaico/adk-session-memory/internal/embedding"
	"github.com/easeaico/adk-session-memory/internal/keywords"
	"github.com/easeaico/adk-session-memory/internal/metrics"
)

var (
	// ErrInvalidOptions is returned by NewService for unusable options.
	ErrInvalidOptions = errors.New("invalid memory options")
	// ErrEmbedding marks a failed or unusable embedding call.
	ErrEmbedding = errors.New("embedding failed")
)

// Service is the memory index. It implements adk's memory.Service on top of
// a Store, and is stateless between calls.
type Service struct {
	store    Store
	embedder embedding.Embedder
	opts     Options
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService creates a memory service. The embedder is required for the
// vector strategy and ignored by the keyword strategy. m may be nil.
func NewService(store Store, embedder embedding.Embedder, opts Options, logger zerolog.Logger, m *metrics.Metrics) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidOptions)
	}
	switch opts.Strategy {
	case StrategyKeyword:
	case StrategyVector:
		if embedder == nil {
			return nil, fmt.Errorf("%w: vector strategy requires an embedder", ErrInvalidOptions)
		}
		if opts.EmbeddingDimensions <= 0 {
			return nil, fmt.Errorf("%w: embedding dimensions must be positive, got %d", ErrInvalidOptions, opts.EmbeddingDimensions)
		}
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidOptions, opts.Strategy)
	}
	if opts.SimilarityTopK <= 0 {
		opts.SimilarityTopK = 10
	}

	return &Service{
		store:    store,
		embedder: embedder,
		opts:     opts,
		logger:   logger.With().Str("component", "memory").Str("strategy", string(opts.Strategy)).Logger(),
		metrics:  m,
		tracer:   otel.Tracer("github.com/easeaico/adk-session-memory/internal/memory"),
		now:      time.Now,
	}, nil
}

// AddSession implements memory.Service interface.
// A session may be added many times during its lifetime; each call replaces
// the entries written by the previous one.
func (s *Service) AddSession(ctx context.Context, sess session.Session) error {
	_, err := s.Ingest(ctx, sess)
	return err
}

// Ingest converts the session's events into memory entries and returns how
// many were written. Storage failures wrap ErrStorageUnavailable.
func (s *Service) Ingest(ctx context.Context, sess session.Session) (int, error) {
	ctx, span := s.tracer.Start(ctx, "memory.Ingest", trace.WithAttributes(
		attribute.String("memory.strategy", string(s.opts.Strategy)),
		attribute.String("session.id", sess.ID()),
	))
	defer span.End()

	userKey := UserKey(sess.AppName(), sess.UserID())

	// Filter events with content and parts
	var events []*session.Event
	for ev := range sess.Events().All() {
		if ev != nil && content.HasParts(ev.Content) {
			events = append(events, ev)
		}
	}
	if len(events) == 0 {
		s.logger.Debug().Str("session_id", sess.ID()).Str("user_key", userKey).Msg("no events with content found for session")
		return 0, nil
	}

	now := s.now().UTC()
	snap := SessionSnapshot{
		UserKey:   userKey,
		AppName:   sess.AppName(),
		UserID:    sess.UserID(),
		SessionID: sess.ID(),
		UpdatedAt: now,
	}
	entries := make([]Entry, 0, len(events))
	for _, ev := range events {
		var ts *time.Time
		if !ev.Timestamp.IsZero() {
			t := ev.Timestamp.UTC()
			ts = &t
		}
		snap.Events = append(snap.Events, SnapshotEvent{
			EventID:   ev.ID,
			Author:    ev.Author,
			Timestamp: ts,
			Content:   ev.Content,
		})

		text := content.Text(ev.Content)
		if text == "" {
			continue
		}
		entries = append(entries, Entry{
			UserKey:        userKey,
			AppName:        sess.AppName(),
			UserID:         sess.UserID(),
			SessionID:      sess.ID(),
			Content:        ev.Content,
			Author:         ev.Author,
			TextContent:    text,
			Key:            s.relevanceKey(ctx, text),
			EventTimestamp: ts,
			IngestedAt:     now,
		})
	}

	if err := ctx.Err(); err != nil {
		return 0, s.ingestFailed(span, "context", fmt.Errorf("ingestion interrupted: %w", err))
	}

	// Snapshot before entries; it is the source for re-ingestion.
	if err := s.call(ctx, func(ctx context.Context) error {
		return s.store.UpsertSnapshot(ctx, snap)
	}); err != nil {
		return 0, s.ingestFailed(span, "snapshot", fmt.Errorf("failed to write session snapshot: %w: %w", ErrStorageUnavailable, err))
	}
	if err := s.call(ctx, func(ctx context.Context) error {
		return s.store.ReplaceEntries(ctx, userKey, sess.ID(), entries)
	}); err != nil {
		return 0, s.ingestFailed(span, "entries", fmt.Errorf("failed to replace memory entries: %w: %w", ErrStorageUnavailable, err))
	}

	span.SetAttributes(attribute.Int("memory.entries", len(entries)))
	s.metrics.ObserveIngest(string(s.opts.Strategy), len(entries))
	s.logger.Info().
		Str("session_id", sess.ID()).
		Str("user_key", userKey).
		Int("entries", len(entries)).
		Msg("added session to memory")
	return len(entries), nil
}

// Search implements memory.Service interface.
// It never returns an error: a failed lookup is logged and answered with an
// empty response so the conversation can proceed without history.
func (s *Service) Search(ctx context.Context, req *adkmemory.SearchRequest) (*adkmemory.SearchResponse, error) {
	resp := &adkmemory.SearchResponse{Memories: []adkmemory.Entry{}}
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return resp, nil
	}

	ctx, span := s.tracer.Start(ctx, "memory.Search", trace.WithAttributes(
		attribute.String("memory.strategy", string(s.opts.Strategy)),
	))
	defer span.End()

	start := time.Now()
	userKey := UserKey(req.AppName, req.UserID)

	var (
		entries []Entry
		stage   string
		err     error
	)
	switch s.opts.Strategy {
	case StrategyKeyword:
		entries, stage, err = s.searchKeywords(ctx, userKey, req.Query)
	default:
		entries, stage, err = s.searchVectors(ctx, userKey, req.Query)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		s.metrics.SearchFailed(stage)
		s.logger.Error().Err(err).Str("user_key", userKey).Str("stage", stage).Msg("error searching memory")
		return resp, nil
	}

	for _, e := range entries {
		if e.Content == nil {
			continue
		}
		resp.Memories = append(resp.Memories, adkmemory.Entry{
			Content:   e.Content,
			Author:    e.Author,
			Timestamp: e.Timestamp(),
		})
	}

	span.SetAttributes(attribute.Int("memory.results", len(resp.Memories)))
	s.metrics.ObserveSearch(string(s.opts.Strategy), len(resp.Memories), time.Since(start))
	s.logger.Info().
		Str("user_key", userKey).
		Str("query", req.Query).
		Int("results", len(resp.Memories)).
		Msg("searched memory")
	return resp, nil
}

// DeleteSession removes every memory entry and the snapshot of a session.
func (s *Service) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	userKey := UserKey(appName, userID)
	if err := s.call(ctx, func(ctx context.Context) error {
		return s.store.DeleteSession(ctx, userKey, sessionID)
	}); err != nil {
		return fmt.Errorf("failed to delete session memory: %w: %w", ErrStorageUnavailable, err)
	}
	s.logger.Info().Str("session_id", sessionID).Str("user_key", userKey).Msg("deleted session memory")
	return nil
}

// searchKeywords scores candidates by the share of query words found in
// their keyword set and keeps those within the distance threshold, newest
// first.
func (s *Service) searchKeywords(ctx context.Context, userKey, query string) ([]Entry, string, error) {
	words := keywords.QueryWords(query)
	if len(words) == 0 {
		return nil, "", nil
	}

	var candidates []Entry
	if err := s.call(ctx, func(ctx context.Context) error {
		var err error
		candidates, err = s.store.KeywordCandidates(ctx, userKey, words, 0)
		return err
	}); err != nil {
		return nil, "storage", fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	matched := make([]Entry, 0, len(candidates))
	for _, c := range candidates {
		kw, _ := c.Key.(Keywords)
		similarity := float64(keywords.Overlap(words, kw)) / float64(len(words))
		if distance := 1.0 - similarity; distance <= s.opts.Threshold {
			matched = append(matched, c)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].IngestedAt.Equal(matched[j].IngestedAt) {
			return matched[i].IngestedAt.After(matched[j].IngestedAt)
		}
		return matched[i].Timestamp().After(matched[j].Timestamp())
	})
	if len(matched) > s.opts.SimilarityTopK {
		matched = matched[:s.opts.SimilarityTopK]
	}
	return matched, "", nil
}

// searchVectors embeds the query and keeps the nearest entries whose cosine
// similarity reaches the threshold, best first.
func (s *Service) searchVectors(ctx context.Context, userKey, query string) ([]Entry, string, error) {
	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, "embed", err
	}

	topK := s.opts.SimilarityTopK
	var results []ScoredEntry
	if err := s.call(ctx, func(ctx context.Context) error {
		var err error
		// Oversample for better accuracy
		results, err = s.store.NearestEntries(ctx, userKey, vec, topK*10, topK)
		return err
	}); err != nil {
		return nil, "storage", fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	matched := make([]Entry, 0, len(results))
	for _, r := range results {
		if r.Score >= s.opts.Threshold {
			matched = append(matched, r.Entry)
		}
		if len(matched) == topK {
			break
		}
	}
	return matched, "", nil
}

// relevanceKey derives the key of text for the configured strategy. A failed
// embedding yields an empty Embedding so the remaining turns still ingest.
func (s *Service) relevanceKey(ctx context.Context, text string) RelevanceKey {
	if s.opts.Strategy == StrategyKeyword {
		return Keywords(keywords.Extract(text))
	}

	vec, err := s.embed(ctx, text)
	if err != nil {
		s.metrics.EmbeddingFailed()
		s.logger.Warn().Err(err).Msg("error generating embeddings")
		return Embedding(nil)
	}
	return Embedding(vec)
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		vec, err = s.embedder.Embed(ctx, text)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(vec) != s.opts.EmbeddingDimensions {
		return nil, fmt.Errorf("%w: got %d dimensions, expected %d", ErrEmbedding, len(vec), s.opts.EmbeddingDimensions)
	}
	return vec, nil
}

// call runs fn under the configured per-operation timeout.
func (s *Service) call(ctx context.Context, fn func(context.Context) error) error {
	if s.opts.OperationTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *Service) ingestFailed(span trace.Span, stage string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	s.metrics.IngestFailed(stage)
	s.logger.Error().Err(err).Str("stage", stage).Msg("error adding session to memory")
	return err
}

var _ adkmemory.Service = (*Service)(nil)
