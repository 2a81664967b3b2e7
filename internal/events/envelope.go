// Package events publishes domain events for downstream consumers
// (analytics jobs, quick-reply usage counters, satisfaction records).
// This core only emits; it never consumes.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys on the topic exchange.
const (
	TypeSessionAssigned    = "session.assigned"
	TypeSessionTransferred = "session.transferred"
	TypeSessionClosed      = "session.closed"
	TypeSessionRated       = "session.rated"
	TypeQuickReplyUsed     = "message.quick_reply_used"
)

// Meta identifies one emitted event.
type Meta struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Producer string    `json:"producer,omitempty"`
	Time     time.Time `json:"time"`
}

// Envelope is the wire shape of every published event.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope builds an envelope with a fresh event id.
func NewEnvelope(eventType string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     eventType,
			Producer: "livechat",
			Time:     time.Now().UTC(),
		},
		Data: data,
	}
}
