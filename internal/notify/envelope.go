package notify

import "time"

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type Meta struct {
	// Request correlation ID, when the event came from an HTTP request.
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID string `json:"id"`
	// Emitting service
	Producer *string `json:"producer,omitempty"`
	// Time the event was recorded
	Time time.Time `json:"time"`
	// Event name, e.g. conversation.claimed
	Type string `json:"type"`
}
