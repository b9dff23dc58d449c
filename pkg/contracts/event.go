package contracts

import "time"

// EventType names a lifecycle event. One event is appended per successful
// status transition, and only then.
type EventType string

const (
	EventIntentCreated        EventType = "payment_intent.created"
	EventIntentRequiresAction EventType = "payment_intent.requires_action"
	EventIntentProcessing     EventType = "payment_intent.processing"
	EventIntentSucceeded      EventType = "payment_intent.succeeded"
	EventIntentFailed         EventType = "payment_intent.failed"
	EventIntentCanceled       EventType = "payment_intent.canceled"
)

// EventForStatus maps a resulting status to its event type.
func EventForStatus(s IntentStatus) EventType {
	switch s {
	case StatusCreated:
		return EventIntentCreated
	case StatusRequiresAction:
		return EventIntentRequiresAction
	case StatusProcessing:
		return EventIntentProcessing
	case StatusSucceeded:
		return EventIntentSucceeded
	case StatusFailed:
		return EventIntentFailed
	case StatusCanceled:
		return EventIntentCanceled
	}
	return ""
}

// LifecycleEvent is the immutable record of one status transition.
//
// Sequence is per-intent, 1-based and gapless: consumers can detect a
// missed event by a hole in the sequence. PayloadHash is the SHA-256 of
// the canonicalized intent snapshot, so two consumers can agree on what
// they saw without comparing full payloads.
type LifecycleEvent struct {
	ID       string    `json:"id"` // "evt_" + uuid
	IntentID string    `json:"intent_id"`
	Type     EventType `json:"type"`

	// Status is the intent status that resulted from the transition.
	Status IntentStatus `json:"status"`

	// Sequence orders this event among the intent's events.
	Sequence int64 `json:"sequence"`

	// Intent is the full snapshot at transition time.
	Intent *PaymentIntent `json:"intent"`

	PayloadHash string    `json:"payload_hash"`
	CreatedAt   time.Time `json:"created_at"`
}
