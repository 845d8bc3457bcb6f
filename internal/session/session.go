// Package session persists the ordered log of conversation turns behind
// adk's session.Service, on PostgreSQL or SQLite.
package session

import (
	"iter"
	"maps"
	"strings"
	"sync"
	"time"

	adksession "google.golang.org/adk/session"
)

// tempPrefix marks state keys that live for one invocation only.
const tempPrefix = "temp:"

// Session implements adk's session.Session. Appends made through the
// Service are visible on the value immediately.
type Session struct {
	id      string
	appName string
	userID  string

	mu        sync.RWMutex
	state     map[string]any
	events    []*adksession.Event
	updatedAt time.Time
}

func newSession(rec SessionRecord, events []*adksession.Event) *Session {
	state := make(map[string]any, len(rec.State))
	maps.Copy(state, rec.State)
	return &Session{
		id:        rec.SessionID,
		appName:   rec.AppName,
		userID:    rec.UserID,
		state:     state,
		events:    events,
		updatedAt: rec.UpdatedAt,
	}
}

func (s *Session) ID() string      { return s.id }
func (s *Session) AppName() string { return s.appName }
func (s *Session) UserID() string  { return s.userID }

func (s *Session) State() adksession.State {
	return &State{s: s}
}

// Events returns a snapshot of the session's events in chronological order.
func (s *Session) Events() adksession.Events {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Events(append([]*adksession.Event(nil), s.events...))
}

func (s *Session) LastUpdateTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// persistentState returns a copy of the state with delta applied, leaving
// out temporary keys.
func (s *Session) persistentState(delta map[string]any) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.state)+len(delta))
	for k, v := range s.state {
		if !strings.HasPrefix(k, tempPrefix) {
			out[k] = v
		}
	}
	for k, v := range delta {
		if !strings.HasPrefix(k, tempPrefix) {
			out[k] = v
		}
	}
	return out
}

func (s *Session) appendEvent(ev *adksession.Event, delta map[string]any, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.state, delta)
	s.events = append(s.events, ev)
	s.updatedAt = updatedAt
}

// State implements adk's session.State over a Session.
type State struct {
	s *Session
}

func (st *State) Get(key string) (any, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	v, ok := st.s.state[key]
	if !ok {
		return nil, adksession.ErrStateKeyNotExist
	}
	return v, nil
}

// Set changes the in-memory state only. State reaches storage through the
// state delta of an appended event.
func (st *State) Set(key string, value any) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	st.s.state[key] = value
	return nil
}

func (st *State) All() iter.Seq2[string, any] {
	st.s.mu.RLock()
	snapshot := maps.Clone(st.s.state)
	st.s.mu.RUnlock()
	return func(yield func(string, any) bool) {
		for k, v := range snapshot {
			if !yield(k, v) {
				return
			}
		}
	}
}

// Events implements adk's session.Events.
type Events []*adksession.Event

func (e Events) All() iter.Seq[*adksession.Event] {
	return func(yield func(*adksession.Event) bool) {
		for _, ev := range e {
			if !yield(ev) {
				return
			}
		}
	}
}

func (e Events) Len() int { return len(e) }

func (e Events) At(i int) *adksession.Event {
	if i < 0 || i >= len(e) {
		return nil
	}
	return e[i]
}

var (
	_ adksession.Session = (*Session)(nil)
	_ adksession.State   = (*State)(nil)
	_ adksession.Events  = Events(nil)
)
