package domain

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// TimestampLayout is the display format stamped on every message.
const TimestampLayout = "15:04"

// Button is a quick-action shortcut attached to a bot reply.
type Button struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Attachment describes a file the bot offers for download.
type Attachment struct {
	Type      string  `json:"type"`
	URL       string  `json:"url"`
	Name      string  `json:"name,omitempty"`
	Size      float64 `json:"size,omitempty"`  // megabytes
	PageCount int     `json:"pages,omitempty"` // 0 when unknown
}

// Message is one turn of a conversation, authored by the user or the bot.
// Messages are appended to a session and never edited, except for
// ElapsedSeconds and Disabled which are attached after creation.
type Message struct {
	Role       Role           `json:"role"`
	Text       string         `json:"text,omitempty"`
	Image      string         `json:"image,omitempty"`
	Buttons    []Button       `json:"buttons"`
	Attachment *Attachment    `json:"attachment,omitempty"`
	Custom     map[string]any `json:"custom,omitempty"`
	Timestamp  string         `json:"time"`
	SentAt     time.Time      `json:"sent_at"`

	ElapsedSeconds *int `json:"elapsed_seconds,omitempty"`
	Disabled       bool `json:"disabled,omitempty"`

	// Bot replies only: classification from the NLU parse call.
	Intent     string  `json:"intent,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// NewMessage stamps the given time and defaults the optional containers.
func NewMessage(role Role, text string, now time.Time) Message {
	return Message{
		Role:      role,
		Text:      text,
		Buttons:   []Button{},
		Timestamp: now.Format(TimestampLayout),
		SentAt:    now,
	}
}

// CustomType returns custom["type"] when it is a string, or "".
func (m Message) CustomType() string {
	if m.Custom == nil {
		return ""
	}
	t, _ := m.Custom["type"].(string)
	return t
}

// HasButtons reports whether the message waits for a quick-action answer.
func (m Message) HasButtons() bool { return len(m.Buttons) > 0 }

// PersistedType is the record type stored by the session backend:
// buttons, then file, then the custom type, then text.
func (m Message) PersistedType() string {
	switch {
	case m.HasButtons():
		return "buttons"
	case m.Attachment != nil:
		return "file"
	case m.CustomType() != "":
		return m.CustomType()
	default:
		return "text"
	}
}

// BotReply is one structured reply returned by the NLU backend.
type BotReply struct {
	Text       string
	Image      string
	Buttons    []Button
	Attachment *Attachment
	Custom     map[string]any
	Intent     string
	Confidence float64
}

// ToMessage converts a reply into a bot message stamped at now.
// Missing fields default to empty values.
func (r BotReply) ToMessage(now time.Time) Message {
	msg := NewMessage(RoleBot, r.Text, now)
	msg.Image = r.Image
	if len(r.Buttons) > 0 {
		msg.Buttons = append(msg.Buttons, r.Buttons...)
	}
	msg.Attachment = r.Attachment
	msg.Custom = r.Custom
	msg.Intent = r.Intent
	msg.Confidence = r.Confidence
	return msg
}
