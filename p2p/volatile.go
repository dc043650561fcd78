package p2p

import (
	"time"
)

// sweepInterval is the minimum spacing between expiry sweeps of one set.
const sweepInterval = 30 * time.Second

// volatileSet remembers items for ttl after their last insertion. It is not
// safe for concurrent use; PeerState guards its sets with one mutex.
type volatileSet struct {
	ttl       time.Duration
	capacity  int
	items     map[string]time.Time
	lastSweep time.Time
}

func newVolatileSet(ttl time.Duration, capacity int) *volatileSet {
	return &volatileSet{ttl: ttl, capacity: capacity, items: make(map[string]time.Time)}
}

// Add inserts or refreshes id. When full, the oldest item gives way.
func (s *volatileSet) Add(id string, now time.Time) {
	s.maybeSweep(now)
	if _, ok := s.items[id]; !ok && s.capacity > 0 && len(s.items) >= s.capacity {
		s.evictOldest()
	}
	s.items[id] = now
}

func (s *volatileSet) Contains(id string, now time.Time) bool {
	s.maybeSweep(now)
	at, ok := s.items[id]
	return ok && now.Sub(at) < s.ttl
}

func (s *volatileSet) Remove(id string) {
	delete(s.items, id)
}

func (s *volatileSet) Len(now time.Time) int {
	s.maybeSweep(now)
	return len(s.items)
}

// Items lists live ids in no particular order.
func (s *volatileSet) Items(now time.Time) []string {
	s.maybeSweep(now)
	out := make([]string, 0, len(s.items))
	for id, at := range s.items {
		if now.Sub(at) < s.ttl {
			out = append(out, id)
		}
	}
	return out
}

func (s *volatileSet) maybeSweep(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	live := make(map[string]time.Time, len(s.items))
	for id, at := range s.items {
		if now.Sub(at) < s.ttl {
			live[id] = at
		}
	}
	s.items = live
}

func (s *volatileSet) evictOldest() {
	var oldestID string
	var oldest time.Time
	first := true
	for id, at := range s.items {
		if first || at.Before(oldest) {
			oldestID, oldest, first = id, at, false
		}
	}
	if !first {
		delete(s.items, oldestID)
	}
}
