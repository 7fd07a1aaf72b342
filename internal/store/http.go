// Package store implements domain.SessionStore over the chat backend's REST
// API and over a local SQLite database.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"deskchat/internal/domain"
	"deskchat/internal/transport"
)

// HTTPStore talks to the session backend:
//
//	GET    /sessions/{email}
//	GET    /sessions/{id}/messages
//	POST   /sessions/{id}/messages   (empty id creates the session)
//	POST   /sessions/{id}/close
//	PUT    /sessions/{id}/title
//	DELETE /sessions/{id}
type HTTPStore struct {
	baseURL string
	client  *transport.Client
	logger  *slog.Logger
}

type HTTPConfig struct {
	BaseURL string
	Client  *http.Client // optional
	Retry   transport.RetryPolicy
	Logger  *slog.Logger
}

func NewHTTPStore(cfg HTTPConfig) *HTTPStore {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "store.http")
	return &HTTPStore{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  transport.NewClient(cfg.Client, cfg.Retry, logger),
		logger:  logger,
	}
}

func (s *HTTPStore) sessionURL(id string, rest ...string) string {
	parts := append([]string{s.baseURL, "sessions", url.PathEscape(id)}, rest...)
	return strings.Join(parts, "/")
}

func (s *HTTPStore) ListSessions(ctx context.Context, email string) ([]domain.SessionSummary, error) {
	var out []domain.SessionSummary
	if err := s.client.DoJSON(ctx, http.MethodGet, s.sessionURL(email), nil, &out); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (s *HTTPStore) LoadHistory(ctx context.Context, id string) (domain.History, error) {
	var h domain.History
	if err := s.client.DoJSON(ctx, http.MethodGet, s.sessionURL(id, "messages"), nil, &h); err != nil {
		return domain.History{}, s.mapErr("load history", err)
	}
	return h, nil
}

type saveResponse struct {
	SessionID string `json:"session_id"`
}

// SaveMessage appends msg, creating the session when id is empty. The POST
// is not resent once it may have reached the backend.
func (s *HTTPStore) SaveMessage(ctx context.Context, id, email string, msg domain.PersistedMessage) (string, error) {
	msg.UserEmail = email
	var resp saveResponse
	if err := s.client.DoJSON(ctx, http.MethodPost, s.sessionURL(id, "messages"), msg, &resp); err != nil {
		return "", s.mapErr("save message", err)
	}
	if resp.SessionID == "" {
		resp.SessionID = id
	}
	if id == "" {
		s.logger.Debug("session created", "session", resp.SessionID)
	}
	return resp.SessionID, nil
}

func (s *HTTPStore) CloseSession(ctx context.Context, id string) error {
	if err := s.client.DoJSON(ctx, http.MethodPost, s.sessionURL(id, "close"), nil, nil, transport.Idempotent()); err != nil {
		return s.mapErr("close session", err)
	}
	return nil
}

type renameRequest struct {
	NewTitle string `json:"new_title"`
}

func (s *HTTPStore) RenameSession(ctx context.Context, id, title string) error {
	if err := s.client.DoJSON(ctx, http.MethodPut, s.sessionURL(id, "title"), renameRequest{NewTitle: title}, nil); err != nil {
		return s.mapErr("rename session", err)
	}
	return nil
}

func (s *HTTPStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.DoJSON(ctx, http.MethodDelete, s.sessionURL(id), nil, nil); err != nil {
		return s.mapErr("delete session", err)
	}
	return nil
}

func (s *HTTPStore) mapErr(op string, err error) error {
	if transport.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%s: %w", op, domain.ErrSessionNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
