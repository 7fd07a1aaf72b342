package domain

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned by stores for an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore persists per-user chat sessions. The backend owns storage and
// mints session ids: SaveMessage with an empty id creates a session and
// returns its id.
type SessionStore interface {
	ListSessions(ctx context.Context, email string) ([]SessionSummary, error)
	LoadHistory(ctx context.Context, sessionID string) (History, error)
	SaveMessage(ctx context.Context, sessionID, email string, msg PersistedMessage) (string, error)
	CloseSession(ctx context.Context, sessionID string) error
	RenameSession(ctx context.Context, sessionID, title string) error
	DeleteSession(ctx context.Context, sessionID string) error
}
