package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	adksession "google.golang.org/adk/session"

	"github.com/easeaico/adk-session-memory/internal/metrics"
)

// previewEvents is the number of latest events carried by each listed session.
const previewEvents = 100

// ErrInvalidRequest is returned for requests missing a required field.
var ErrInvalidRequest = errors.New("invalid session request")

// Ingester receives sessions for long-term memory. memory.Service
// satisfies it.
type Ingester interface {
	AddSession(ctx context.Context, sess adksession.Session) error
	DeleteSession(ctx context.Context, appName, userID, sessionID string) error
}

// Options configures a Service.
type Options struct {
	// IngestOnAppend forwards the session to the ingester after every
	// stored event.
	IngestOnAppend bool
}

// Service implements adk's session.Service on top of a Store.
type Service struct {
	store    Store
	ingester Ingester
	opts     Options
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewService creates a session service. ingester and m may be nil.
func NewService(store Store, ingester Ingester, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:    store,
		ingester: ingester,
		opts:     opts,
		logger:   logger.With().Str("component", "session").Logger(),
		metrics:  m,
		now:      time.Now,
	}
}

// Create implements session.Service interface.
func (s *Service) Create(ctx context.Context, req *adksession.CreateRequest) (*adksession.CreateResponse, error) {
	if req == nil || req.AppName == "" || req.UserID == "" {
		return nil, fmt.Errorf("%w: app name and user id are required", ErrInvalidRequest)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := s.now().UTC()
	state := make(map[string]any, len(req.State))
	for k, v := range req.State {
		if !strings.HasPrefix(k, tempPrefix) {
			state[k] = v
		}
	}

	rec := SessionRecord{
		AppName:   req.AppName,
		UserID:    req.UserID,
		SessionID: sessionID,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Str("app_name", req.AppName).Str("user_id", req.UserID).Msg("error creating session")
		return nil, err
	}

	s.metrics.SessionOp("create")
	s.logger.Info().Str("session_id", sessionID).Str("app_name", req.AppName).Str("user_id", req.UserID).Msg("created session")
	return &adksession.CreateResponse{Session: newSession(rec, nil)}, nil
}

// Get implements session.Service interface. Events come back oldest first;
// NumRecentEvents keeps only the latest ones and After only the newer ones.
func (s *Service) Get(ctx context.Context, req *adksession.GetRequest) (*adksession.GetResponse, error) {
	if req == nil || req.AppName == "" || req.UserID == "" || req.SessionID == "" {
		return nil, fmt.Errorf("%w: app name, user id and session id are required", ErrInvalidRequest)
	}

	rec, err := s.store.GetSession(ctx, req.AppName, req.UserID, req.SessionID)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			s.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("error getting session")
		}
		return nil, err
	}
	events, err := s.loadEvents(ctx, rec, ListEventsOptions{After: req.After, Limit: req.NumRecentEvents})
	if err != nil {
		return nil, err
	}

	s.metrics.SessionOp("get")
	s.logger.Debug().Str("session_id", req.SessionID).Int("events", len(events)).Msg("retrieved session")
	return &adksession.GetResponse{Session: newSession(rec, events)}, nil
}

// List implements session.Service interface. Sessions come most recently
// updated first, each with a preview of its latest events.
func (s *Service) List(ctx context.Context, req *adksession.ListRequest) (*adksession.ListResponse, error) {
	if req == nil || req.AppName == "" || req.UserID == "" {
		return nil, fmt.Errorf("%w: app name and user id are required", ErrInvalidRequest)
	}

	recs, err := s.store.ListSessions(ctx, req.AppName, req.UserID)
	if err != nil {
		s.logger.Error().Err(err).Str("app_name", req.AppName).Str("user_id", req.UserID).Msg("error listing sessions")
		return nil, err
	}

	sessions := make([]adksession.Session, 0, len(recs))
	for _, rec := range recs {
		events, err := s.loadEvents(ctx, rec, ListEventsOptions{Limit: previewEvents})
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, newSession(rec, events))
	}

	s.metrics.SessionOp("list")
	s.logger.Info().Str("app_name", req.AppName).Str("user_id", req.UserID).Int("sessions", len(sessions)).Msg("listed sessions")
	return &adksession.ListResponse{Sessions: sessions}, nil
}

// Delete implements session.Service interface. The session's memory records
// are removed after its log.
func (s *Service) Delete(ctx context.Context, req *adksession.DeleteRequest) error {
	if req == nil || req.AppName == "" || req.UserID == "" || req.SessionID == "" {
		return fmt.Errorf("%w: app name, user id and session id are required", ErrInvalidRequest)
	}

	if err := s.store.DeleteSession(ctx, req.AppName, req.UserID, req.SessionID); err != nil {
		s.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("error deleting session")
		return err
	}
	if s.ingester != nil {
		if err := s.ingester.DeleteSession(ctx, req.AppName, req.UserID, req.SessionID); err != nil {
			return fmt.Errorf("failed to delete session memory: %w", err)
		}
	}

	s.metrics.SessionOp("delete")
	s.logger.Info().Str("session_id", req.SessionID).Str("app_name", req.AppName).Str("user_id", req.UserID).Msg("deleted session")
	return nil
}

// AppendEvent implements session.Service interface. Partial events are
// dropped. A stored event is appended to sess before AppendEvent returns.
func (s *Service) AppendEvent(ctx context.Context, sess adksession.Session, ev *adksession.Event) error {
	if ev == nil {
		return fmt.Errorf("%w: event is required", ErrInvalidRequest)
	}
	if ev.Partial {
		return nil
	}
	ours, ok := sess.(*Session)
	if !ok {
		return fmt.Errorf("%w: unexpected session type %T", ErrInvalidRequest, sess)
	}

	now := s.now().UTC()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	delta := persistentDelta(ev.Actions.StateDelta)
	rec := EventRecord{
		EventID:      ev.ID,
		InvocationID: ev.InvocationID,
		Branch:       ev.Branch,
		Author:       ev.Author,
		Content:      ev.Content,
		StateDelta:   delta,
		Timestamp:    ev.Timestamp.UTC(),
	}
	if err := s.store.AppendEvent(ctx, ours.AppName(), ours.UserID(), ours.ID(), rec, ours.persistentState(delta), now); err != nil {
		s.logger.Error().Err(err).Str("session_id", ours.ID()).Msg("error appending event")
		return err
	}
	ours.appendEvent(ev, ev.Actions.StateDelta, now)
	s.metrics.SessionOp("append")
	s.logger.Debug().Str("session_id", ours.ID()).Str("event_id", ev.ID).Str("author", ev.Author).Msg("appended event to session")

	if s.opts.IngestOnAppend && s.ingester != nil {
		if err := s.ingest(ctx, ours, now); err != nil {
			return fmt.Errorf("failed to ingest session into memory: %w", err)
		}
	}
	return nil
}

// ingest hands the full stored history of sess to the ingester. The caller's
// value may hold only a window of the events (NumRecentEvents, After or a
// List preview) and ingestion replaces all of a session's memory.
func (s *Service) ingest(ctx context.Context, sess *Session, updatedAt time.Time) error {
	rec := SessionRecord{
		AppName:   sess.AppName(),
		UserID:    sess.UserID(),
		SessionID: sess.ID(),
		State:     sess.persistentState(nil),
		UpdatedAt: updatedAt,
	}
	events, err := s.loadEvents(ctx, rec, ListEventsOptions{})
	if err != nil {
		return err
	}
	return s.ingester.AddSession(ctx, newSession(rec, events))
}

func (s *Service) loadEvents(ctx context.Context, rec SessionRecord, opts ListEventsOptions) ([]*adksession.Event, error) {
	recs, err := s.store.ListEvents(ctx, rec.AppName, rec.UserID, rec.SessionID, opts)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", rec.SessionID).Msg("error loading session events")
		return nil, err
	}
	events := make([]*adksession.Event, 0, len(recs))
	for _, r := range recs {
		ev := &adksession.Event{
			ID:           r.EventID,
			InvocationID: r.InvocationID,
			Branch:       r.Branch,
			Author:       r.Author,
			Timestamp:    r.Timestamp,
		}
		ev.Content = r.Content
		if len(r.StateDelta) > 0 {
			ev.Actions.StateDelta = maps.Clone(r.StateDelta)
		}
		events = append(events, ev)
	}
	return events, nil
}

func persistentDelta(delta map[string]any) map[string]any {
	if len(delta) == 0 {
		return nil
	}
	out := make(map[string]any, len(delta))
	for k, v := range delta {
		if !strings.HasPrefix(k, tempPrefix) {
			out[k] = v
		}
	}
	return out
}

var _ adksession.Service = (*Service)(nil)
