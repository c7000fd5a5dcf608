package session

import (
	"container/list"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process store bounded by session count (least
// recently used sessions are evicted first), idle TTL and turns per session.
type MemoryStore struct {
	mu          sync.Mutex
	order       *list.List
	items       map[string]*list.Element
	maxSessions int
	maxTurns    int
	ttl         time.Duration
	now         func() time.Time
}

type memoryEntry struct {
	id       string
	turns    []Turn
	lastSeen time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(maxSessions, maxTurns int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		order:       list.New(),
		items:       make(map[string]*list.Element),
		maxSessions: maxSessions,
		maxTurns:    maxTurns,
		ttl:         ttl,
		now:         time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context) (string, error) {
	id := NewID()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked(id)
	return id, nil
}

func (s *MemoryStore) History(ctx context.Context, id string) ([]Turn, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	entry := el.Value.(*memoryEntry)
	if s.expiredLocked(entry) {
		s.removeLocked(el)
		return nil, nil
	}
	entry.lastSeen = s.now()
	s.order.MoveToFront(el)
	return slices.Clone(entry.turns), nil
}

func (s *MemoryStore) Append(ctx context.Context, id string, turns ...Turn) error {
	if err := validateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.touchLocked(id)
	entry.turns = append(entry.turns, turns...)
	if s.maxTurns > 0 && len(entry.turns) > s.maxTurns {
		entry.turns = slices.Clone(entry.turns[len(entry.turns)-s.maxTurns:])
	}
	return nil
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	return s.order.Len()
}

func (s *MemoryStore) Close() error { return nil }

// touchLocked returns the entry for id, creating it if needed, marks it as
// most recently used and evicts sessions beyond the bounds.
func (s *MemoryStore) touchLocked(id string) *memoryEntry {
	if el, ok := s.items[id]; ok {
		entry := el.Value.(*memoryEntry)
		if s.expiredLocked(entry) {
			entry.turns = nil
		}
		entry.lastSeen = s.now()
		s.order.MoveToFront(el)
		return entry
	}
	entry := &memoryEntry{id: id, lastSeen: s.now()}
	s.items[id] = s.order.PushFront(entry)
	s.sweepLocked()
	for s.maxSessions > 0 && s.order.Len() > s.maxSessions {
		s.removeLocked(s.order.Back())
	}
	return entry
}

// sweepLocked drops expired sessions from the cold end of the list.
func (s *MemoryStore) sweepLocked() {
	for el := s.order.Back(); el != nil; {
		entry := el.Value.(*memoryEntry)
		if !s.expiredLocked(entry) {
			return
		}
		prev := el.Prev()
		s.removeLocked(el)
		el = prev
	}
}

func (s *MemoryStore) expiredLocked(entry *memoryEntry) bool {
	return s.ttl > 0 && s.now().Sub(entry.lastSeen) > s.ttl
}

func (s *MemoryStore) removeLocked(el *list.Element) {
	entry := s.order.Remove(el).(*memoryEntry)
	delete(s.items, entry.id)
}
