package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/event-gateway/internal/model"
)

type partition struct {
	byType   map[string][]Key
	byStatus map[model.EventStatus][]Key
}

// MemoryStore keeps events in process. Each owner partition holds one sorted key
// slice per type and per status, mirroring the MySQL secondary indexes.
type MemoryStore struct {
	mu          sync.RWMutex
	events      map[string]model.Event // by id
	owners      map[string]*partition
	tombstones  map[string]time.Time // owner/id -> deleted at
	deadLetters map[string]model.DeadLetter
	now         func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		events:      make(map[string]model.Event),
		owners:      make(map[string]*partition),
		tombstones:  make(map[string]time.Time),
		deadLetters: make(map[string]model.DeadLetter),
		now:         now,
	}
}

func ownerKey(ownerID, id string) string { return ownerID + "/" + id }

func (s *MemoryStore) Put(ctx context.Context, ev model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.tombstones[ownerKey(ev.OwnerID, ev.ID)]; ok {
		return ErrAlreadyExists
	}
	ev = ev.Clone()
	s.events[ev.ID] = ev
	p := s.partition(ev.OwnerID)
	k := KeyOf(ev)
	p.byType[ev.Type] = insertKey(p.byType[ev.Type], k)
	p.byStatus[ev.Status] = insertKey(p.byStatus[ev.Status], k)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, ownerID, id string) (model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.Event{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok || ev.OwnerID != ownerID {
		return model.Event{}, ErrNotFound
	}
	return ev.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, ownerID, id string, expected, next model.EventStatus, mutate Mutator) (model.Event, error) {
	return s.UpdateClaim(ctx, ownerID, id, expected, AnyAttempt, next, mutate)
}

func (s *MemoryStore) UpdateClaim(ctx context.Context, ownerID, id string, expected model.EventStatus, attempt int, next model.EventStatus, mutate Mutator) (model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.events[id]
	if !ok || cur.OwnerID != ownerID {
		return model.Event{}, ErrNotFound
	}
	upd, err := applyUpdate(cur, expected, attempt, next, mutate)
	if err != nil {
		return model.Event{}, err
	}
	s.events[id] = upd
	if cur.Status != upd.Status {
		p := s.partition(ownerID)
		k := KeyOf(cur)
		p.byStatus[cur.Status] = removeKey(p.byStatus[cur.Status], k)
		p.byStatus[upd.Status] = insertKey(p.byStatus[upd.Status], k)
	}
	return upd.Clone(), nil
}

func (s *MemoryStore) QueryByType(ctx context.Context, ownerID, eventType string, after *Key, limit int) ([]model.Event, *Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.owners[ownerID]
	if !ok {
		return nil, nil, nil
	}
	out := s.collect(p.byType[eventType], after, limit)
	return out, nextKey(out, limit), nil
}

func (s *MemoryStore) QueryByStatus(ctx context.Context, ownerID string, status model.EventStatus, after *Key, limit int) ([]model.Event, *Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.owners[ownerID]
	if !ok {
		return nil, nil, nil
	}
	out := s.collect(p.byStatus[status], after, limit)
	return out, nextKey(out, limit), nil
}

func (s *MemoryStore) Delete(ctx context.Context, ownerID, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok || ev.OwnerID != ownerID {
		if _, gone := s.tombstones[ownerKey(ownerID, id)]; gone {
			return true, nil
		}
		return false, ErrNotFound
	}
	s.drop(ev)
	s.tombstones[ownerKey(ownerID, id)] = s.now()
	return false, nil
}

func (s *MemoryStore) ScanStatus(ctx context.Context, status model.EventStatus, createdBefore time.Time, limit int) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Event
	for _, p := range s.owners {
		for _, k := range p.byStatus[status] {
			if !k.CreatedAt.Before(createdBefore) {
				break
			}
			out = append(out, s.events[k.ID].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return KeyOf(out[i]).Less(KeyOf(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ReclaimExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ev := range s.events {
		if limit > 0 && n >= limit {
			break
		}
		if ev.Expired(now) {
			s.drop(ev)
			n++
		}
	}
	for k, at := range s.tombstones {
		// tombstones only need to outlive any client retry of a delete
		if now.Sub(at) > 24*time.Hour {
			delete(s.tombstones, k)
		}
	}
	return n, nil
}

func (s *MemoryStore) PutDeadLetter(ctx context.Context, dl model.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := ownerKey(dl.Event.OwnerID, dl.Event.ID)
	if _, ok := s.deadLetters[k]; ok {
		return nil
	}
	dl.Event = dl.Event.Clone()
	s.deadLetters[k] = dl
	return nil
}

func (s *MemoryStore) GetDeadLetter(ctx context.Context, ownerID, eventID string) (model.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return model.DeadLetter{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	dl, ok := s.deadLetters[ownerKey(ownerID, eventID)]
	if !ok {
		return model.DeadLetter{}, ErrNotFound
	}
	dl.Event = dl.Event.Clone()
	return dl, nil
}

func (s *MemoryStore) partition(ownerID string) *partition {
	p, ok := s.owners[ownerID]
	if !ok {
		p = &partition{
			byType:   make(map[string][]Key),
			byStatus: make(map[model.EventStatus][]Key),
		}
		s.owners[ownerID] = p
	}
	return p
}

// drop removes an event from every index. Caller holds the write lock.
func (s *MemoryStore) drop(ev model.Event) {
	delete(s.events, ev.ID)
	p := s.partition(ev.OwnerID)
	k := KeyOf(ev)
	p.byType[ev.Type] = removeKey(p.byType[ev.Type], k)
	p.byStatus[ev.Status] = removeKey(p.byStatus[ev.Status], k)
}

// collect walks keys strictly after `after`, skipping expired events.
func (s *MemoryStore) collect(keys []Key, after *Key, limit int) []model.Event {
	start := 0
	if after != nil {
		start = sort.Search(len(keys), func(i int) bool { return after.Less(keys[i]) })
	}
	now := s.now()
	size := len(keys) - start
	if limit > 0 && limit < size {
		size = limit
	}
	out := make([]model.Event, 0, size)
	for _, k := range keys[start:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		ev := s.events[k.ID]
		if ev.Expired(now) {
			continue
		}
		out = append(out, ev.Clone())
	}
	return out
}

func insertKey(keys []Key, k Key) []Key {
	i := sort.Search(len(keys), func(i int) bool { return k.Less(keys[i]) })
	keys = append(keys, Key{})
	copy(keys[i+1:], keys[i:])
	keys[i] = k
	return keys
}

func removeKey(keys []Key, k Key) []Key {
	i := sort.Search(len(keys), func(i int) bool { return !keys[i].Less(k) })
	if i < len(keys) && keys[i].ID == k.ID && keys[i].CreatedAt.Equal(k.CreatedAt) {
		return append(keys[:i], keys[i+1:]...)
	}
	return keys
}
