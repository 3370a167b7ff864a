package retry

import (
	"time"

	"github.com/jmehdipour/event-gateway/internal/model"
)

// Policy is the delivery retry budget.
type Policy struct {
	MaxAttempts int
	// Schedule[i] is the wait after the (i+1)-th failed attempt; the last entry repeats.
	Schedule          []time.Duration
	Window            time.Duration
	VisibilityTimeout time.Duration
	NotifyTimeout     time.Duration

	// bounded retries of store/queue calls
	OpAttempts  int
	OpBaseDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		Schedule:          []time.Duration{5 * time.Minute, 30 * time.Minute, 2 * time.Hour},
		Window:            24 * time.Hour,
		VisibilityTimeout: 30 * time.Second,
		NotifyTimeout:     10 * time.Second,
		OpAttempts:        3,
		OpBaseDelay:       50 * time.Millisecond,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if len(p.Schedule) == 0 {
		p.Schedule = d.Schedule
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.VisibilityTimeout <= 0 {
		p.VisibilityTimeout = d.VisibilityTimeout
	}
	if p.NotifyTimeout <= 0 {
		p.NotifyTimeout = d.NotifyTimeout
	}
	if p.OpAttempts <= 0 {
		p.OpAttempts = d.OpAttempts
	}
	if p.OpBaseDelay <= 0 {
		p.OpBaseDelay = d.OpBaseDelay
	}
	return p
}

// Delay is the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Schedule) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Schedule) {
		i = len(p.Schedule) - 1
	}
	return p.Schedule[i]
}

// Exhausted reports whether the event may not be attempted again at now.
func (p Policy) Exhausted(ev model.Event, now time.Time) (bool, string) {
	if ev.AttemptCount >= p.MaxAttempts {
		return true, "max attempts reached"
	}
	if ev.FirstAttemptAt != nil && now.Sub(*ev.FirstAttemptAt) >= p.Window {
		return true, "retry window elapsed"
	}
	return false, ""
}

// Stale reports whether a delivering claim outlived any worker that could still hold it.
func (p Policy) Stale(ev model.Event, now time.Time) bool {
	if ev.LastAttemptAt == nil {
		return true
	}
	return now.Sub(*ev.LastAttemptAt) > p.VisibilityTimeout+p.NotifyTimeout
}
