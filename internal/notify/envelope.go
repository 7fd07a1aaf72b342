// Package notify publishes handoff and session-closed notifications to an
// operator-facing message broker.
package notify

import (
	"time"

	"github.com/google/uuid"

	"deskchat/internal/domain"
)

const producer = "deskchat"

// Meta identifies one published event.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      *string   `json:"producer,omitempty"`
}

// Envelope is the wire shape of every notification.
type Envelope struct {
	Meta Meta                `json:"meta"`
	Data domain.Notification `json:"data"`
}

// NewEnvelope wraps n. Events of one session share its id as correlation
// id; a session without an id yet gets a fresh one.
func NewEnvelope(n domain.Notification) Envelope {
	cid := n.SessionID
	if cid == "" {
		cid = uuid.NewString()
	}
	p := producer
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	return Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			Type:          string(n.Type) + ".v1",
			Time:          at.UTC(),
			CorrelationID: &cid,
			Producer:      &p,
		},
		Data: n,
	}
}

// RoutingKey is the topic key n is published under.
func RoutingKey(n domain.Notification) string {
	return producer + "." + string(n.Type)
}
