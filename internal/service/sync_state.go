package service

import (
	"sort"
	"sync"
)

const defaultDedupCapacity = 100

// DedupCache remembers recently seen push keys. Once it grows past capacity the oldest
// half is evicted in insertion order.
type DedupCache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

// NewDedupCache builds a cache holding roughly capacity keys.
func NewDedupCache(capacity int) *DedupCache {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &DedupCache{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity+1),
	}
}

// Add records key and reports whether it was new.
func (c *DedupCache) Add(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = struct{}{}
	c.order = append(c.order, key)

	if len(c.order) > c.capacity {
		evict := c.capacity / 2
		if evict == 0 {
			evict = 1
		}
		for _, old := range c.order[:evict] {
			delete(c.seen, old)
		}
		c.order = append([]string(nil), c.order[evict:]...)
	}
	return true
}

// Contains reports whether key is currently remembered.
func (c *DedupCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[key]
	return ok
}

// Len returns the number of remembered keys.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Reset forgets every key.
func (c *DedupCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.seen = make(map[string]struct{}, c.capacity+1)
}

// ActiveConversationSet holds the conversations currently open in the UI.
// The engine facade is its only writer.
type ActiveConversationSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewActiveConversationSet returns an empty set.
func NewActiveConversationSet() *ActiveConversationSet {
	return &ActiveConversationSet{ids: make(map[string]struct{})}
}

// Set marks id active or inactive and reports whether the state changed.
func (s *ActiveConversationSet) Set(id string, active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, was := s.ids[id]
	if active {
		s.ids[id] = struct{}{}
	} else {
		delete(s.ids, id)
	}
	return was != active
}

// Contains reports whether id is active.
func (s *ActiveConversationSet) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// List returns the active ids in lexical order.
func (s *ActiveConversationSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clear deactivates every conversation.
func (s *ActiveConversationSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = make(map[string]struct{})
}
