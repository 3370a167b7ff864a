package model

import "time"

type OutcomeResult string

const (
	OutcomeDelivered      OutcomeResult = "delivered"
	OutcomeRetryScheduled OutcomeResult = "retry_scheduled"
	OutcomeExhausted      OutcomeResult = "exhausted"
	OutcomeDeadLettered   OutcomeResult = "dead_lettered"
	OutcomeDiscarded      OutcomeResult = "discarded"
)

func (r OutcomeResult) String() string { return string(r) }

func (r OutcomeResult) Valid() bool {
	switch r {
	case OutcomeDelivered, OutcomeRetryScheduled, OutcomeExhausted, OutcomeDeadLettered, OutcomeDiscarded:
		return true
	}
	return false
}

// Outcome is one delivery decision, shipped to the outcome sinks.
type Outcome struct {
	EventID   string        `db:"event_id"`
	OwnerID   string        `db:"owner_id"`
	Type      string        `db:"type"`
	Attempt   int           `db:"attempt"`
	Result    OutcomeResult `db:"result"`
	Error     string        `db:"error"`
	LatencyMs int64         `db:"latency_ms"`
	At        time.Time     `db:"at"`
}
