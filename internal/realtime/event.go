package realtime

import (
	"time"

	"github.com/google/uuid"

	"github.com/123ashny/KENYASHIP/internal/access"
)

// Audience is the recipient set for an event: any non-empty combination of a
// delivery room, explicit user ids, and roles.
type Audience struct {
	DeliveryID string        `json:"deliveryId,omitempty"`
	UserIDs    []string      `json:"userIds,omitempty"`
	Roles      []access.Role `json:"roles,omitempty"`
}

// Event is a realtime push. Payloads must already be privacy-filtered — only
// the emergency path may place raw coordinates here.
type Event struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Audience Audience               `json:"-"`
	At       time.Time              `json:"timestamp"`
}

// NewEvent stamps id and time on a push.
func NewEvent(eventType string, payload map[string]interface{}, audience Audience) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Payload:  payload,
		Audience: audience,
		At:       time.Now().UTC(),
	}
}

// EventSink receives a copy of every broadcast event. Implemented by the
// JetStream relay; nil in tests.
type EventSink interface {
	Publish(ev Event) error
}
