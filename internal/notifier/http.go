package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// HTTPNotifier POSTs a JSON notification to a single URL.
type HTTPNotifier struct {
	name   string
	url    string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

var _ Endpoint = (*HTTPNotifier)(nil)

func NewHTTPNotifier(name, url string, timeoutMs, failThreshold, openForMs int, log *zap.Logger) *HTTPNotifier {
	if timeoutMs <= 0 {
		timeoutMs = 3000
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	if openForMs <= 0 {
		openForMs = 15000
	}
	if log == nil {
		log = zap.NewNop()
	}

	threshold := uint32(failThreshold)
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     time.Duration(openForMs) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("notifier breaker state changed",
				zap.String("endpoint", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &HTTPNotifier{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		cb:     gobreaker.NewCircuitBreaker(settings),
	}
}

func (n *HTTPNotifier) Name() string { return n.name }

func (n *HTTPNotifier) Ready() bool { return n.cb.State() != gobreaker.StateOpen }

func (n *HTTPNotifier) Notify(ctx context.Context, ev model.Event) error {
	_, err := n.cb.Execute(func() (interface{}, error) {
		return nil, n.post(ctx, ev)
	})
	return err
}

func (n *HTTPNotifier) post(ctx context.Context, ev model.Event) error {
	body, err := json.Marshal(model.Notification{
		EventID:   ev.ID,
		OwnerID:   ev.OwnerID,
		Type:      ev.Type,
		Payload:   json.RawMessage(ev.Payload),
		CreatedAt: ev.CreatedAt,
		Attempt:   ev.AttemptCount,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", ev.ID)

	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("endpoint=%s status=%d", n.name, res.StatusCode)
	}
	return nil
}
