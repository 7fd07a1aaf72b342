package domain

import (
	"strings"
	"time"
)

// SessionSummary is one row of a user's session listing.
type SessionSummary struct {
	ID             string     `json:"id"`
	Title          *string    `json:"title"`
	OwnerEmail     string     `json:"user_email"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt *time.Time `json:"last_activity"`
	Active         bool       `json:"active"`
}

// DisplayTitle returns the title, falling back to the id when unset.
func (s SessionSummary) DisplayTitle() string {
	if s.Title != nil && strings.TrimSpace(*s.Title) != "" {
		return *s.Title
	}
	return s.ID
}

// MatchesQuery reports whether the title or id contains query, ignoring case.
func (s SessionSummary) MatchesQuery(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	title := ""
	if s.Title != nil {
		title = strings.ToLower(*s.Title)
	}
	return strings.Contains(title, q) || strings.Contains(strings.ToLower(s.ID), q)
}

// MessageContent is the payload block of a persisted message.
type MessageContent struct {
	Text       string         `json:"text"`
	Buttons    []Button       `json:"buttons"`
	Image      string         `json:"image"`
	Custom     map[string]any `json:"custom"`
	Attachment *Attachment    `json:"attachment"`
}

// PersistedMessage is the record shape exchanged with the session backend.
type PersistedMessage struct {
	UserEmail string         `json:"user_email"`
	Sender    Role           `json:"sender"`
	Type      string         `json:"type"`
	Content   MessageContent `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewPersistedMessage builds the backend record for msg.
func NewPersistedMessage(email string, msg Message) PersistedMessage {
	buttons := msg.Buttons
	if buttons == nil {
		buttons = []Button{}
	}
	return PersistedMessage{
		UserEmail: email,
		Sender:    msg.Role,
		Type:      msg.PersistedType(),
		Content: MessageContent{
			Text:       msg.Text,
			Buttons:    buttons,
			Image:      msg.Image,
			Custom:     msg.Custom,
			Attachment: msg.Attachment,
		},
		Timestamp: msg.SentAt,
	}
}

// ToMessage rebuilds an in-memory message from a stored record.
func (p PersistedMessage) ToMessage() Message {
	msg := NewMessage(p.Sender, p.Content.Text, p.Timestamp)
	msg.Image = p.Content.Image
	if len(p.Content.Buttons) > 0 {
		msg.Buttons = append(msg.Buttons, p.Content.Buttons...)
	}
	msg.Custom = p.Content.Custom
	msg.Attachment = p.Content.Attachment
	return msg
}

// History is a session's stored messages plus its open/closed flag.
type History struct {
	Messages []PersistedMessage `json:"messages"`
	Active   bool               `json:"active"`
}
