package session

import (
	"context"
	"errors"
	"time"

	"google.golang.org/genai"
)

var (
	// ErrSessionNotFound is returned when no session matches the
	// (app, user, session) tuple.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned when creating a session whose tuple
	// already exists.
	ErrDuplicateSession = errors.New("session already exists")
)

// SessionRecord is the stored header of a session.
type SessionRecord struct {
	AppName    string
	UserID     string
	SessionID  string
	State      map[string]any
	EventCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EventRecord is one stored turn of a session.
type EventRecord struct {
	EventID      string
	InvocationID string
	Branch       string
	Author       string
	Content      *genai.Content
	StateDelta   map[string]any
	Timestamp    time.Time
}

// ListEventsOptions narrows a history read.
type ListEventsOptions struct {
	// After keeps only events strictly newer than it when non-zero.
	After time.Time
	// Limit keeps the most recent Limit events when positive.
	Limit int
}

// Store defines the persistence contract of the session log. Every read
// returns events in chronological order.
type Store interface {
	// InitSchema creates the sessions and events tables if they don't exist.
	InitSchema(ctx context.Context) error

	// CreateSession inserts a new session. An existing tuple yields
	// ErrDuplicateSession.
	CreateSession(ctx context.Context, rec SessionRecord) error

	// GetSession loads a session header or returns ErrSessionNotFound.
	GetSession(ctx context.Context, appName, userID, sessionID string) (SessionRecord, error)

	// ListSessions returns the user's sessions, most recently updated first.
	ListSessions(ctx context.Context, appName, userID string) ([]SessionRecord, error)

	// ListEvents returns the session's events oldest first.
	ListEvents(ctx context.Context, appName, userID, sessionID string, opts ListEventsOptions) ([]EventRecord, error)

	// AppendEvent stores ev, replaces the persisted state and bumps the
	// session's updated_at and event count, atomically.
	AppendEvent(ctx context.Context, appName, userID, sessionID string, ev EventRecord, state map[string]any, updatedAt time.Time) error

	// DeleteSession removes the session and its events.
	DeleteSession(ctx context.Context, appName, userID, sessionID string) error
}
