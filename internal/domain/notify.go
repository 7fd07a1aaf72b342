package domain

import (
	"context"
	"time"
)

type NotificationType string

const (
	NotifyHandoff       NotificationType = "handoff.requested"
	NotifySessionClosed NotificationType = "session.closed"
)

// Notification is published outward when a conversation needs a human
// operator or ends.
type Notification struct {
	Type      NotificationType `json:"type"`
	SessionID string           `json:"session_id"`
	UserEmail string           `json:"user_email"`
	Text      string           `json:"text,omitempty"`
	At        time.Time        `json:"at"`
}

// Notifier delivers notifications to an operator-facing system.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
