package memory

import (
	"context"
	"errors"
	"iter"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	adkmemory "google.golang.org/adk/memory"
	"google.golang.org/adk/model"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/easeaico/adk-session-memory/internal/embedding"
	"github.com/easeaico/adk-session-memory/internal/metrics"
)

// mockStore is an in-memory Store with injectable failures.
type mockStore struct {
	mu         sync.Mutex
	snapshots  map[string]SessionSnapshot
	entries    []Entry
	queries    int
	replaceErr error
	searchErr  error
}

func newMockStore() *mockStore {
	return &mockStore{snapshots: make(map[string]SessionSnapshot)}
}

func (m *mockStore) InitSchema(ctx context.Context) error { return nil }

func (m *mockStore) UpsertSnapshot(ctx context.Context, snap SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.UserKey+"|"+snap.SessionID] = snap
	return nil
}

func (m *mockStore) ReplaceEntries(ctx context.Context, userKey, sessionID string, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replaceErr != nil {
		return m.replaceErr
	}
	kept := m.entries[:0:0]
	for _, e := range m.entries {
		if e.UserKey != userKey || e.SessionID != sessionID {
			kept = append(kept, e)
		}
	}
	m.entries = append(kept, entries...)
	return nil
}

func (m *mockStore) KeywordCandidates(ctx context.Context, userKey string, words []string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	var out []Entry
	for _, e := range m.entries {
		if e.UserKey != userKey {
			continue
		}
		text := strings.ToLower(e.TextContent)
		for _, w := range words {
			if strings.Contains(text, w) {
				out = append(out, e)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IngestedAt.After(out[j].IngestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) NearestEntries(ctx context.Context, userKey string, vector []float32, numCandidates, limit int) ([]ScoredEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	var out []ScoredEntry
	for _, e := range m.entries {
		vec, ok := e.Key.(Embedding)
		if e.UserKey != userKey || !ok || len(vec) == 0 {
			continue
		}
		out = append(out, ScoredEntry{Entry: e, Score: float64(cosineSimilarity(vector, vec))})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) DeleteSession(ctx context.Context, userKey, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, userKey+"|"+sessionID)
	kept := m.entries[:0:0]
	for _, e := range m.entries {
		if e.UserKey != userKey || e.SessionID != sessionID {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

// mockEmbedder maps known texts to fixed vectors.
type mockEmbedder struct {
	vectors    map[string][]float32
	fallback   []float32
	embedError error
	failOn     string
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.embedError != nil {
		return nil, m.embedError
	}
	if m.failOn != "" && strings.Contains(text, m.failOn) {
		return nil, errors.New("embedding quota exceeded")
	}
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	if m.fallback != nil {
		return m.fallback, nil
	}
	return []float32{0, 0, 1}, nil
}

// mockSession is a mock implementation of session.Session for testing
type mockSession struct {
	id       string
	appName  string
	userID   string
	events   []*session.Event
	lastTime time.Time
}

func (m *mockSession) ID() string                { return m.id }
func (m *mockSession) AppName() string           { return m.appName }
func (m *mockSession) UserID() string            { return m.userID }
func (m *mockSession) State() session.State      { return &mockState{} }
func (m *mockSession) Events() session.Events    { return &mockEvents{events: m.events} }
func (m *mockSession) LastUpdateTime() time.Time { return m.lastTime }

// mockState is a simple implementation of session.State for testing
type mockState struct{}

func (m *mockState) Get(key string) (any, error) {
	return nil, session.ErrStateKeyNotExist
}

func (m *mockState) Set(key string, value any) error {
	return nil
}

func (m *mockState) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {}
}

// mockEvents is a mock implementation of session.Events
type mockEvents struct {
	events []*session.Event
}

func (m *mockEvents) All() iter.Seq[*session.Event] {
	return func(yield func(*session.Event) bool) {
		for _, e := range m.events {
			if !yield(e) {
				return
			}
		}
	}
}

func (m *mockEvents) Len() int {
	return len(m.events)
}

func (m *mockEvents) At(i int) *session.Event {
	if i < 0 || i >= len(m.events) {
		return nil
	}
	return m.events[i]
}

func textEvent(author, text string) *session.Event {
	return &session.Event{
		ID:        author + ":" + text,
		Author:    author,
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		LLMResponse: model.LLMResponse{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		},
	}
}

// stepClock returns a clock advancing one second per call.
func stepClock() func() time.Time {
	t := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newKeywordService(t *testing.T, store Store, threshold float64) *Service {
	t.Helper()
	opts := DefaultOptions(StrategyKeyword)
	opts.Threshold = threshold
	svc, err := NewService(store, nil, opts, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	svc.now = stepClock()
	return svc
}

func newVectorService(t *testing.T, store Store, emb *mockEmbedder, threshold float64) *Service {
	t.Helper()
	opts := DefaultOptions(StrategyVector)
	opts.Threshold = threshold
	opts.EmbeddingDimensions = 3
	svc, err := NewService(store, emb, opts, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	svc.now = stepClock()
	return svc
}

func search(t *testing.T, svc *Service, app, user, query string) []string {
	t.Helper()
	resp, err := svc.Search(context.Background(), &adkmemory.SearchRequest{AppName: app, UserID: user, Query: query})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	var texts []string
	for _, m := range resp.Memories {
		texts = append(texts, m.Content.Parts[0].Text)
	}
	return texts
}

func TestNewService_InvalidOptions(t *testing.T) {
	store := newMockStore()

	tests := []struct {
		name     string
		store    Store
		embedder *mockEmbedder
		opts     Options
	}{
		{name: "nil store", store: nil, opts: DefaultOptions(StrategyKeyword)},
		{name: "vector without embedder", store: store, opts: DefaultOptions(StrategyVector)},
		{name: "unknown strategy", store: store, opts: Options{Strategy: "fuzzy"}},
		{
			name:     "non-positive dimensions",
			store:    store,
			embedder: &mockEmbedder{},
			opts:     Options{Strategy: StrategyVector},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var emb embedding.Embedder
			if tt.embedder != nil {
				emb = tt.embedder
			}
			_, err := NewService(tt.store, emb, tt.opts, zerolog.Nop(), nil)
			if !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("expected ErrInvalidOptions, got %v", err)
			}
		})
	}
}

func TestService_KeywordSearch(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	svc := newKeywordService(t, store, 0.5)

	hiking := &mockSession{id: "s1", appName: "app", userID: "alice", events: []*session.Event{
		textEvent("user", "I love hiking in the mountains"),
	}}
	skiing := &mockSession{id: "s2", appName: "app", userID: "alice", events: []*session.Event{
		textEvent("user", "Skiing is my favourite winter sport"),
	}}
	for _, s := range []*mockSession{hiking, skiing} {
		if err := svc.AddSession(ctx, s); err != nil {
			t.Fatalf("AddSession(%s) failed: %v", s.id, err)
		}
	}

	got := search(t, svc, "app", "alice", "hiking mountains")
	if len(got) != 1 || got[0] != "I love hiking in the mountains" {
		t.Errorf("expected only the hiking memory, got %v", got)
	}

	// Half of the query words match each entry, which sits on the threshold.
	got = search(t, svc, "app", "alice", "hiking skiing")
	if len(got) != 2 {
		t.Fatalf("expected 2 memories, got %v", got)
	}
	if got[0] != "Skiing is my favourite winter sport" {
		t.Errorf("expected newest ingestion first, got %v", got)
	}

	if got := search(t, svc, "app", "alice", "swimming"); len(got) != 0 {
		t.Errorf("expected no memories, got %v", got)
	}
}

func TestService_SearchIsScopedToUser(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	svc := newKeywordService(t, store, 0.5)

	sess := &mockSession{id: "s1", appName: "app", userID: "alice", events: []*session.Event{
		textEvent("user", "my passport number is secret"),
	}}
	if err := svc.AddSession(ctx, sess); err != nil {
		t.Fatalf("AddSession failed: %v", err)
	}

	if got := search(t, svc, "app", "bob", "passport"); len(got) != 0 {
		t.Errorf("expected no memories for another user, got %v", got)
	}
	if got := search(t, svc, "other-app", "alice", "passport"); len(got) != 0 {
		t.Errorf("expected no memories for another app, got %v", got)
	}
	if got := search(t, svc, "app", "alice", "passport"); len(got) != 1 {
		t.Errorf("expected the owner to find the memory, got %v", got)
	}
}

func TestService_ReingestionReplacesEntries(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	svc := newKeywordService(t, store, 0.5)

	sess := &mockSession{id: "s1", appName: "app", userID: "alice", events: []*session.Event{
		textEvent("user", "tell me about volcanoes"),
		textEvent("model", "volcanoes erupt molten rock"),
	}}
	if _, err := svc.Ingest(ctx, sess); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}

	sess.events = []*session.Event{textEvent("user", "now about glaciers")}
	n, err := svc.Ingest(ctx, sess)
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 entry written, got %d", n)
	}
	if len(store.entries) != 1 {
		t.Errorf("expected entries to be replaced, store has %d", len(store.entries))
	}
	if got := search(t, svc, "app", "alice", "volcanoes"); len(got) != 0 {
		t.Errorf("expected stale memories to be gone, got %v", got)
	}
	if got := search(t, svc, "app", "alice", "glaciers"); len(got) != 1 {
		t.Errorf("expected the new memory, got %v", got)
	}
}

func TestService_IngestSkipsEventsWithoutText(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	svc := newKeywordService(t, store, 0.5)

	sess := &mockSession{id: "s1", appName: "app", userID: "alice", events: []*session.Event{
		{Author: "user"},
		{
			Author: "model",
			LLMResponse: model.LLMResponse{Content: &genai.Content{Parts: []*genai.Part{{
				FunctionCall: &genai.FunctionCall{Name: "lookup", Args: map[string]any{"q": "x"}},
			}}}},
		},
		textEvent("user", "plain text turn"),
	}}

	n, err := svc.Ingest(ctx, sess)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 entry, got %d", n)
	}
	snap := store.snapshots[UserKey("app", "alice")+"|s1"]
	if len(snap.Events) != 2 {
		t.Errorf("expected 2 snapshot events with parts, got %d", len(snap.Events))
	}
}

func TestService_IngestWithoutContentIsNoop(t *testing.T) {
	store := newMockStore()
	svc := newKeywordService(t, store, 0.5)

	sess := &mockSession{id: "s1", appName: "app", userID: "alice", events: []*session.Event{{Author: "user"}}}
	n, err := svc.Ingest(context.Background(), sess)
	if err != nil || n != 0 {
		t.Fatalf("expected no-op, got n=%d err=%v", n, err)
	}
	if len(store.snapshots) != 0 {
		t.Errorf("expected no snapshot to be written")
	}
}

func TestService_KeywordThresholdIsMonotone(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	seed := newKeywordService(t, store, 0.5)

	sess := &mockSession{id: "s1", appName: "app", userID: "alice", events: []*session.Event{
		textEvent("user", "red apples and green pears"),
		textEvent("user", "red cars are fast"),
		textEvent("user", "a category of things"),
	}}
	if err := seed.AddSession(ctx, sess); err != nil {
		t.Fatalf("AddSession failed: %v", err)
	}

	query := "red apples cat"
	prev := -1
	for _, threshold := range []float64{0, 0.34, 0.5, 0.67, 1} {
		svc := newKeywordService(t, store, threshold)
		n := len(search(t, svc, "app", "alice", query))
		if n < prev {
			t.Errorf("threshold %.2f returned %d memories, fewer than %d at a lower threshold", threshold, n, prev)
		}
		prev = n
	}
	if prev != 3 {
		t.Errorf("expected every candidate at threshold 1, got %d", prev)
	}
}

func TestService_KeywordResultsCappedAtTopK(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	opts := DefaultOptions(StrategyKeyword)
	opts.SimilarityTopK = 2
	svc, err := NewService(store, nil, opts, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	var events []*session.Event
	for _, txt := range []string{"coffee one", "coffee two", "coffee three"} {
		events = append(events, textEvent("user", txt))
	}
	if err := svc.AddSession(ctx, &mockSession{id: "s1", appName: "app", userID: "alice", events: events}); err != nil {
		t.Fatalf("AddSession failed: %v", err)
	}
	if got := search(t, svc, "app", "alice", "coffee"); len(got) != 2 {
		t.Errorf("expected 2 memories, got %v", got)
	}
}

func TestService_EmptyQuery(t *testing.T) {
	store := newMockStore()
	svc := newKeywordService(t, store, 0.5)

	for _, q := range []string{"", "   ", "\t\n"} {
		if got := search(t, svc, "app", "alice", q); len(got) != 0 {
			t.Errorf("expected empty result for %q, got %v", q, got)
		}
	}
	if store.queries != 0 {
		t.Errorf("expected no store queries, got %d", store.queries)
	}

	resp, err := svc.Search(context.Background(), nil)
	if err != nil || len(resp.Memories) != 0 {
		t.Errorf("expected empty response for nil request, got %v, %v", resp, err)
	}
}

func TestService_SearchFailureReturnsEmpty(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)
	store := newMockStore()
	store.searchErr = errors.New("connection refused")
	svc, err := NewService(store, nil, DefaultOptions(StrategyKeyword), zerolog.Nop(), m)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	resp, err := svc.Search(context.Background(), &adkmemory.SearchRequest{AppName: "app", UserID: "alice", Query: "anything"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(resp.Memories) != 0 {
		t.Errorf("expected empty memories, got %d", len(resp.Memories))
	}
	if got := testutil.ToFloat64(m.SearchFailures.WithLabelValues("storage")); got != 1 {
		t.Errorf("expected 1 recorded search failure, got %v", got)
	}
}

func TestService_IngestStorageFailure(t *testing.T) {
	store := newMockStore()
	store.replaceErr = errors.New("disk full")
	svc := newKeywordService(t, store, 0.5)

	sess := &mockSession{id: "s1", appName: "app", userID: "alice", events: []*session.Event{textEvent("user", "hello there")}}
	err := svc.AddSession(context.Background(), sess)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestService_IngestCanceledContext(t *testing.T) {
	store := newMockStore()
	svc := newKeywordService(t, store, 0.5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess := &mockSession{id: "s1", appName: "app", userID: "alice", events: []*session.Event{textEvent("user", "hello there")}}
	if _, err := svc.Ingest(ctx, sess); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(store.entries) != 0 {
		t.Errorf("expected nothing written, got %d entries", len(store.entries))
	}
}

func TestService_VectorSearch(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	emb := &mockEmbedder{vectors: map[string][]float32{
		"exact match":      {1, 0, 0},
		"close match":      {0.8, 0.6, 0},
		"unrelated":        {0, 1, 0},
		"what do I match?": {1, 0, 0},
	}}
	svc := newVectorService(t, store, emb, 0.5)

	sess := &mockSession{id: "s1", appName: "app", userID: "alice", events: []*session.Event{
		textEvent("user", "unrelated"),
		textEvent("user", "close match"),
		textEvent("user", "exact match"),
	}}
	if err := svc.AddSession(ctx, sess); err != nil {
		t.Fatalf("AddSession failed: %v", err)
	}

	got := search(t, svc, "app", "alice", "what do I match?")
	want := []string{"exact match", "close match"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("result %d: expected %q, got %q", i, want[i], got[i])
		}
	}

	strict := newVectorService(t, store, emb, 0.99)
	if got := search(t, strict, "app", "alice", "what do I match?"); len(got) != 1 {
		t.Errorf("expected only the exact match above 0.99, got %v", got)
	}
}

func TestService_VectorIngestSurvivesEmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)
	store := newMockStore()
	emb := &mockEmbedder{failOn: "broken", fallback: []float32{1, 0, 0}}

	opts := DefaultOptions(StrategyVector)
	opts.EmbeddingDimensions = 3
	svc, err := NewService(store, emb, opts, zerolog.Nop(), m)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	sess := &mockSession{id: "s1", appName: "app", userID: "alice", events: []*session.Event{
		textEvent("user", "a broken turn"),
		textEvent("user", "a healthy turn"),
	}}
	n, err := svc.Ingest(ctx, sess)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected both entries written, got %d", n)
	}
	if got := testutil.ToFloat64(m.EmbeddingFailures); got != 1 {
		t.Errorf("expected 1 embedding failure, got %v", got)
	}

	got := search(t, svc, "app", "alice", "anything")
	if len(got) != 1 || got[0] != "a healthy turn" {
		t.Errorf("expected only the embedded entry to be searchable, got %v", got)
	}
}

func TestService_VectorQueryDimensionMismatch(t *testing.T) {
	store := newMockStore()
	emb := &mockEmbedder{vectors: map[string][]float32{"query": {1, 0}}}
	svc := newVectorService(t, store, emb, 0.5)

	if got := search(t, svc, "app", "alice", "query"); len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
	if store.queries != 0 {
		t.Errorf("expected the store not to be queried, got %d", store.queries)
	}
}

func TestService_DeleteSession(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	svc := newKeywordService(t, store, 0.5)

	sess := &mockSession{id: "s1", appName: "app", userID: "alice", events: []*session.Event{textEvent("user", "remember the milk")}}
	if err := svc.AddSession(ctx, sess); err != nil {
		t.Fatalf("AddSession failed: %v", err)
	}
	if err := svc.DeleteSession(ctx, "app", "alice", "s1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if got := search(t, svc, "app", "alice", "milk"); len(got) != 0 {
		t.Errorf("expected no memories after delete, got %v", got)
	}
	if len(store.snapshots) != 0 {
		t.Errorf("expected snapshot to be deleted")
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{in: "keyword", want: StrategyKeyword},
		{in: " Vector ", want: StrategyVector},
		{in: "hybrid", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStrategy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
