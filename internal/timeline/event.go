// Package timeline is the append-only audit log of order changes.
package timeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/orderdesk/orderdesk/internal/shared"
	"github.com/orderdesk/orderdesk/internal/users"
)

// EventType names the kind of change an event records.
type EventType string

const (
	EventCreated        EventType = "created"
	EventAssigned       EventType = "assigned"
	EventStatusUpdated  EventType = "status_updated"
	EventPaymentUpdated EventType = "payment_updated"
)

// IsValid reports whether t is a known event type.
func (t EventType) IsValid() bool {
	switch t {
	case EventCreated, EventAssigned, EventStatusUpdated, EventPaymentUpdated:
		return true
	default:
		return false
	}
}

// Event is one immutable audit record. Seq increases by one per appended
// event of an order; CreatedAt is assigned by the database.
type Event struct {
	ID        string     `json:"id"`
	OrderID   string     `json:"order_id"`
	Seq       int        `json:"seq"`
	Type      EventType  `json:"type"`
	Message   string     `json:"message"`
	ActorID   string     `json:"actor_id"`
	ActorRole users.Role `json:"actor_role"`
	CreatedAt time.Time  `json:"created_at"`
}

// Entry is an event joined with the actor's current directory profile.
type Entry struct {
	Event
	ActorName  string `json:"actor_name,omitempty"`
	ActorEmail string `json:"actor_email,omitempty"`
}

// AppendInput describes an event to append. There is no timestamp field:
// append time is always assigned by the store.
type AppendInput struct {
	OrderID   string
	Type      EventType
	ActorID   string
	ActorRole users.Role
	Message   string
}

// Validate checks the input before it reaches the store.
func (in AppendInput) Validate() error {
	fields := map[string]string{}
	if strings.TrimSpace(in.OrderID) == "" {
		fields["order_id"] = "required"
	}
	if !in.Type.IsValid() {
		fields["type"] = fmt.Sprintf("unknown event type %q", in.Type)
	}
	if strings.TrimSpace(in.ActorID) == "" {
		fields["actor_id"] = "required"
	}
	if !in.ActorRole.IsValid() {
		fields["actor_role"] = fmt.Sprintf("unknown role %q", in.ActorRole)
	}
	if strings.TrimSpace(in.Message) == "" {
		fields["message"] = "required"
	}
	if len(fields) > 0 {
		return &shared.ValidationError{Fields: fields}
	}
	return nil
}
