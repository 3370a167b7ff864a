package model

import (
	"encoding/json"
	"time"
)

// DeadLetterEnvelope is the payload published to the dead-letter topic when
// the queue gives up on a message.
type DeadLetterEnvelope struct {
	MessageID    string    `json:"message_id"`
	OwnerID      string    `json:"owner_id"`
	EventID      string    `json:"event_id"`
	ReceiveCount int       `json:"receive_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	DeadAt       time.Time `json:"dead_at"`
}

// Notification is the body sent to downstream endpoints.
type Notification struct {
	EventID   string          `json:"eventId"`
	OwnerID   string          `json:"ownerId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	Attempt   int             `json:"attempt"`
}
