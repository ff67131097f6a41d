package requestlog

import (
	"sync"
	"time"
)

// DefaultCapacity is the capacity of a MemoryStore created with a
// non-positive size.
const DefaultCapacity = 1000

// MemoryStore is a bounded in-memory Store. The oldest entries are evicted
// first.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    []*Entry
	maxEntries int

	subMu       sync.RWMutex
	subscribers map[Subscriber]struct{}
}

// NewMemoryStore creates a store holding at most maxEntries entries.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultCapacity
	}
	return &MemoryStore{
		entries:     make([]*Entry, 0, maxEntries),
		maxEntries:  maxEntries,
		subscribers: make(map[Subscriber]struct{}),
	}
}

// Log records an entry.
func (s *MemoryStore) Log(entry *Entry) {
	if entry == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	s.mu.Lock()
	if len(s.entries) >= s.maxEntries {
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, entry)
	snapshot := entry.clone()
	s.mu.Unlock()

	s.notify(snapshot)
}

// Update applies fn to the entry with the given ID.
func (s *MemoryStore) Update(id string, fn func(*Entry)) bool {
	s.mu.Lock()
	var snapshot *Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].ID == id {
			fn(s.entries[i])
			snapshot = s.entries[i].clone()
			break
		}
	}
	s.mu.Unlock()

	if snapshot == nil {
		return false
	}
	s.notify(snapshot)
	return true
}

func (s *MemoryStore) notify(e *Entry) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for sub := range s.subscribers {
		select {
		case sub <- e:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Get retrieves a copy of an entry by ID.
func (s *MemoryStore) Get(id string) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e.clone()
		}
	}
	return nil
}

// List returns copies of the matching entries, newest first.
func (s *MemoryStore) List(filter *Filter) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Entry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		if filter.Matches(s.entries[i]) {
			result = append(result, s.entries[i].clone())
		}
	}

	if filter != nil {
		if filter.Offset > 0 {
			if filter.Offset >= len(result) {
				return []*Entry{}
			}
			result = result[filter.Offset:]
		}
		if filter.Limit > 0 && filter.Limit < len(result) {
			result = result[:filter.Limit]
		}
	}
	return result
}

// Clear removes all entries.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
}

// Count returns the number of entries.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribe registers a buffered subscriber.
func (s *MemoryStore) Subscribe() (Subscriber, func()) {
	sub := make(Subscriber, 100)
	s.subMu.Lock()
	s.subscribers[sub] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, sub)
			s.subMu.Unlock()
			close(sub)
		})
	}
}

var (
	_ Store             = (*MemoryStore)(nil)
	_ SubscribableStore = (*MemoryStore)(nil)
)
