package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to EventStatus
		ok       bool
	}{
		{StatusReceived, StatusQueued, true},
		{StatusQueued, StatusDelivering, true},
		{StatusDelivering, StatusDelivered, true},
		{StatusDelivering, StatusQueued, true},
		{StatusDelivering, StatusFailed, true},
		{StatusFailed, StatusQueued, true},
		{StatusDelivered, StatusQueued, false},
		{StatusDelivered, StatusFailed, false},
		{StatusDelivered, StatusDelivered, false},
		{StatusQueued, StatusReceived, false},
		{StatusFailed, StatusDelivering, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestParseEventStatus(t *testing.T) {
	s, ok := ParseEventStatus(" Queued ")
	assert.True(t, ok)
	assert.Equal(t, StatusQueued, s)

	_, ok = ParseEventStatus("sent")
	assert.False(t, ok)
}

func TestEventExpiredAndClone(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := "boom"
	ev := Event{ID: "e1", Payload: []byte(`{"a":1}`), ExpiresAt: now, LastError: &msg}

	assert.True(t, ev.Expired(now))
	assert.False(t, ev.Expired(now.Add(-time.Second)))

	c := ev.Clone()
	c.Payload[0] = 'x'
	*c.LastError = "changed"
	assert.Equal(t, byte('{'), ev.Payload[0])
	assert.Equal(t, "boom", *ev.LastError)
}
