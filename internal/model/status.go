package model

import "strings"

type EventStatus string

const (
	StatusReceived   EventStatus = "received"
	StatusQueued     EventStatus = "queued"
	StatusDelivering EventStatus = "delivering"
	StatusDelivered  EventStatus = "delivered"
	StatusFailed     EventStatus = "failed"
)

func (s EventStatus) String() string { return string(s) }

func (s EventStatus) Valid() bool {
	switch s {
	case StatusReceived, StatusQueued, StatusDelivering, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// ParseEventStatus normalizes user input. Returns ("", false) for unknown values.
func ParseEventStatus(raw string) (EventStatus, bool) {
	s := EventStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", false
	}
	return s, true
}

// PendingStatuses are the statuses the inbox surfaces by default.
var PendingStatuses = []EventStatus{StatusReceived, StatusQueued, StatusDelivering}

// transitions lists every allowed from → to pair. delivering → delivering is
// the reclaim of a claim whose worker went away.
var transitions = map[EventStatus][]EventStatus{
	StatusReceived:   {StatusQueued, StatusDelivering, StatusDelivered, StatusFailed},
	StatusQueued:     {StatusDelivering, StatusDelivered, StatusFailed},
	StatusDelivering: {StatusDelivered, StatusQueued, StatusFailed, StatusDelivering},
	StatusFailed:     {StatusQueued, StatusDelivered},
	StatusDelivered:  nil,
}

// CanTransition reports whether a status change from → to is allowed.
func CanTransition(from, to EventStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
