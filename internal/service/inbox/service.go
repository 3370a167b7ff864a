package inbox

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/store"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

type Filter struct {
	Type   string
	Status string
}

type Page struct {
	Events     []model.Event
	NextCursor string
	HasMore    bool
	Limit      int
}

type Service struct {
	store        store.EventStore
	cursors      CursorCodec
	defaultLimit int
	maxLimit     int
}

func NewService(st store.EventStore, cursors CursorCodec, defaultLimit, maxLimit int) *Service {
	if maxLimit <= 0 {
		maxLimit = MaxLimit
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = min(DefaultLimit, maxLimit)
	}
	return &Service{store: st, cursors: cursors, defaultLimit: defaultLimit, maxLimit: maxLimit}
}

// ParseLimit reads the raw limit query value: empty means the default, larger
// values are clamped to the maximum.
func (s *Service) ParseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return s.defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, model.Invalid("limit", "limit must be a positive integer")
	}
	return min(n, s.maxLimit), nil
}

// List returns the owner's pending events in (createdAt, id) order.
func (s *Service) List(ctx context.Context, ownerID string, f Filter, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = s.defaultLimit
	}
	limit = min(limit, s.maxLimit)
	page := Page{Limit: limit, Events: []model.Event{}}

	statuses := model.PendingStatuses
	if f.Status != "" {
		st, ok := model.ParseEventStatus(f.Status)
		if !ok {
			return Page{}, model.Invalid("status", "unknown status "+strconv.Quote(f.Status))
		}
		statuses = []model.EventStatus{st}
	}

	var after *store.Key
	if cursor != "" {
		k, err := s.cursors.Decode(ownerID, cursor)
		if err != nil {
			return Page{}, err
		}
		after = &k
	}

	if err := ctx.Err(); err != nil {
		return Page{}, err
	}

	// delivered events are never surfaced
	allowed := make(map[model.EventStatus]bool, len(statuses))
	for _, st := range statuses {
		if st != model.StatusDelivered {
			allowed[st] = true
		}
	}
	if len(allowed) == 0 {
		return page, nil
	}

	var (
		found []model.Event
		err   error
	)
	if t := strings.TrimSpace(f.Type); t != "" {
		found, err = s.byType(ctx, ownerID, t, allowed, after, limit+1)
	} else {
		found, err = s.byStatus(ctx, ownerID, statuses, allowed, after, limit+1)
	}
	if err != nil {
		return Page{}, err
	}

	if len(found) > limit {
		found = found[:limit]
		page.HasMore = true
		page.NextCursor = s.cursors.Encode(ownerID, store.KeyOf(found[len(found)-1]))
	}
	page.Events = found
	return page, nil
}

// byType walks the type index and keeps events whose status is allowed.
func (s *Service) byType(ctx context.Context, ownerID, eventType string, allowed map[model.EventStatus]bool, after *store.Key, want int) ([]model.Event, error) {
	out := make([]model.Event, 0, want)
	for len(out) < want {
		batch, next, err := s.store.QueryByType(ctx, ownerID, eventType, after, want)
		if err != nil {
			return nil, err
		}
		for _, ev := range batch {
			if allowed[ev.Status] {
				out = append(out, ev)
				if len(out) == want {
					break
				}
			}
		}
		if next == nil {
			break
		}
		after = next
	}
	return out, nil
}

// byStatus merges the per-status indexes. The first `want` events overall are
// among the first `want` of each index.
func (s *Service) byStatus(ctx context.Context, ownerID string, statuses []model.EventStatus, allowed map[model.EventStatus]bool, after *store.Key, want int) ([]model.Event, error) {
	seen := make(map[string]bool)
	var merged []model.Event
	for _, st := range statuses {
		if !allowed[st] {
			continue
		}
		batch, _, err := s.store.QueryByStatus(ctx, ownerID, st, after, want)
		if err != nil {
			return nil, err
		}
		for _, ev := range batch {
			// an event can move between indexes while we read them
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			merged = append(merged, ev)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return store.KeyOf(merged[i]).Less(store.KeyOf(merged[j])) })
	if len(merged) > want {
		merged = merged[:want]
	}
	return merged, nil
}
