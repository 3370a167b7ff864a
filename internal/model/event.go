package model

import "time"

// Event is the unit of work persisted in the events table.
type Event struct {
	ID             string      `db:"id"`
	OwnerID        string      `db:"owner_id"`
	Type           string      `db:"type"`
	Payload        []byte      `db:"payload"`
	Status         EventStatus `db:"status"`
	CreatedAt      time.Time   `db:"created_at"`
	ExpiresAt      time.Time   `db:"expires_at"`
	AttemptCount   int         `db:"attempt_count"`
	FirstAttemptAt *time.Time  `db:"first_attempt_at"`
	LastAttemptAt  *time.Time  `db:"last_attempt_at"`
	NextAttemptAt  *time.Time  `db:"next_attempt_at"`
	DeliveredAt    *time.Time  `db:"delivered_at"`
	FailedAt       *time.Time  `db:"failed_at"`
	LastError      *string     `db:"last_error"`
}

// Ref returns the queue reference of the event.
func (e Event) Ref() EventRef {
	return EventRef{OwnerID: e.OwnerID, EventID: e.ID}
}

// Expired reports whether the retention window has passed at now.
func (e Event) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Pending reports whether the event still waits for delivery.
func (e Event) Pending() bool {
	return e.Status == StatusReceived || e.Status == StatusQueued || e.Status == StatusDelivering
}

// Clone returns a deep copy so callers can mutate freely.
func (e Event) Clone() Event {
	c := e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	c.FirstAttemptAt = cloneTime(e.FirstAttemptAt)
	c.LastAttemptAt = cloneTime(e.LastAttemptAt)
	c.NextAttemptAt = cloneTime(e.NextAttemptAt)
	c.DeliveredAt = cloneTime(e.DeliveredAt)
	c.FailedAt = cloneTime(e.FailedAt)
	if e.LastError != nil {
		s := *e.LastError
		c.LastError = &s
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EventRef addresses one event inside its owner partition.
type EventRef struct {
	OwnerID string `json:"owner_id"`
	EventID string `json:"event_id"`
}

type DeadLetterSource string

const (
	DeadLetterFromCoordinator DeadLetterSource = "coordinator"
	DeadLetterFromQueue       DeadLetterSource = "queue"
)

// DeadLetter is an audit copy of an event that exhausted its retry budget.
// It lives independently of the live record.
type DeadLetter struct {
	Event          Event
	Reason         string
	Source         DeadLetterSource
	DeadLetteredAt time.Time
}
