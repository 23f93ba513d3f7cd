package models

import "time"

// EventType enumerates the external signals that can activate workflows.
type EventType string

const (
	EventContactAddedToList EventType = "contact_added_to_list"
	EventFormSubmission     EventType = "form_submission"
	EventEmailOpened        EventType = "email_opened"
	EventEmailClicked       EventType = "email_clicked"
	EventContactCreated     EventType = "contact_created"
	EventPurchaseCompleted  EventType = "purchase_completed"
	EventAbandonedCart      EventType = "abandoned_cart"
	EventTagAdded           EventType = "tag_added"
	EventScheduledTrigger   EventType = "scheduled_trigger"
)

// IsValid reports whether the event type is a known trigger signal.
func (t EventType) IsValid() bool {
	switch t {
	case EventContactAddedToList, EventFormSubmission, EventEmailOpened,
		EventEmailClicked, EventContactCreated, EventPurchaseCompleted,
		EventAbandonedCart, EventTagAdded, EventScheduledTrigger:
		return true
	default:
		return false
	}
}

// TriggerEvent is one record in the append-only event store. Events are
// persisted before any matching happens, flipped to processed exactly once
// after activation, and never deleted. Consumers must tolerate re-delivery:
// the store gives an at-least-once contract, not exactly-once.
type TriggerEvent struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id" validate:"required"`
	Type           EventType      `json:"type"            validate:"required"`
	ContactID      *string        `json:"contact_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Processed      bool           `json:"processed"`
	CreatedAt      time.Time      `json:"created_at"`
}
