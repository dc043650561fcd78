// Package headers keeps the in-memory index of signed headers, partitioned by
// Link and header type, and trims it with trust-weighted garbage collection.
package headers

import (
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"veilnet/core/types"
)

// MaxStreamAge is the oldest a stream header may be when inserted.
const MaxStreamAge = 64 * 24 * time.Hour

var (
	ErrInvalidHeader = errors.New("headers: invalid header")
	ErrExpired       = errors.New("headers: header older than retention window")
)

// TrustCriteriaProvider supplies the policy consulted by Collect.
type TrustCriteriaProvider interface {
	GetCriteria() []types.TrustCriterion
}

type headerID = [32]byte

type linkEntry struct {
	link    types.Link
	singles map[types.HeaderType]map[string]*types.Header
	streams map[types.HeaderType]map[string]map[headerID]*types.Header
}

func newLinkEntry(link types.Link) *linkEntry {
	return &linkEntry{
		link:    link,
		singles: make(map[types.HeaderType]map[string]*types.Header),
		streams: make(map[types.HeaderType]map[string]map[headerID]*types.Header),
	}
}

func (e *linkEntry) empty() bool {
	return len(e.singles) == 0 && len(e.streams) == 0
}

// Store is safe for concurrent use. All state sits behind one mutex.
type Store struct {
	mu       sync.Mutex
	clock    clock.Clock
	rng      *mrand.Rand
	links    map[string]*linkEntry
	lastUsed map[string]time.Time
	count    int

	logger *slog.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithRand replaces the sampler used for untrusted eviction.
func WithRand(r *mrand.Rand) Option {
	return func(s *Store) { s.rng = r }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:    clock.New(),
		links:    make(map[string]*linkEntry),
		lastUsed: make(map[string]time.Time),
		logger:   slog.Default().With(slog.String("component", "header_store")),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = mrand.New(mrand.NewPCG(mrand.Uint64(), mrand.Uint64()))
	}
	return s
}

// SetHeader validates and files h. It reports whether the store changed.
func (s *Store) SetHeader(h *types.Header) (bool, error) {
	now := s.clock.Now()
	if err := h.Validate(now); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	singleton := types.IsSingleton(h.Link.Type, h.Type)
	if !singleton && h.CreationTime.Before(now.Add(-MaxStreamAge)) {
		return false, ErrExpired
	}
	signer := h.Signer()
	linkID := h.Link.ID()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.links[linkID]
	if entry == nil {
		entry = newLinkEntry(h.Link)
		s.links[linkID] = entry
	}
	if _, ok := s.lastUsed[linkID]; !ok {
		s.lastUsed[linkID] = now
	}

	if singleton {
		bySigner := entry.singles[h.Type]
		if bySigner == nil {
			bySigner = make(map[string]*types.Header)
			entry.singles[h.Type] = bySigner
		}
		current, ok := bySigner[signer]
		if ok && !h.CreationTime.After(current.CreationTime) {
			return false, nil
		}
		bySigner[signer] = h.Clone()
		if !ok {
			s.count++
		}
		return true, nil
	}

	bySigner := entry.streams[h.Type]
	if bySigner == nil {
		bySigner = make(map[string]map[headerID]*types.Header)
		entry.streams[h.Type] = bySigner
	}
	set := bySigner[signer]
	if set == nil {
		set = make(map[headerID]*types.Header)
		bySigner[signer] = set
	}
	id := h.Identity()
	if _, ok := set[id]; ok {
		return false, nil
	}
	set[id] = h.Clone()
	s.count++
	return true, nil
}

// RemoveHeader deletes h if present.
func (s *Store) RemoveHeader(h *types.Header) bool {
	if h == nil {
		return false
	}
	signer := h.Signer()
	linkID := h.Link.ID()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.links[linkID]
	if entry == nil {
		return false
	}
	removed := false
	if types.IsSingleton(h.Link.Type, h.Type) {
		if bySigner := entry.singles[h.Type]; bySigner != nil {
			if cur, ok := bySigner[signer]; ok && cur.Identity() == h.Identity() {
				delete(bySigner, signer)
				if len(bySigner) == 0 {
					delete(entry.singles, h.Type)
				}
				removed = true
			}
		}
	} else if bySigner := entry.streams[h.Type]; bySigner != nil {
		if set := bySigner[signer]; set != nil {
			id := h.Identity()
			if _, ok := set[id]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(bySigner, signer)
				}
				if len(bySigner) == 0 {
					delete(entry.streams, h.Type)
				}
				removed = true
			}
		}
	}
	if removed {
		s.count--
		if entry.empty() {
			delete(s.links, linkID)
		}
	}
	return removed
}

// GetHeaders returns every header filed under link.
func (s *Store) GetHeaders(link types.Link) []*types.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.links[link.ID()]
	if entry == nil {
		return nil
	}
	var out []*types.Header
	for ht := range entry.singles {
		out = appendSingles(out, entry, ht)
	}
	for ht := range entry.streams {
		out = appendStreams(out, entry, ht)
	}
	return out
}

// GetHeadersByType returns the headers of one type filed under link.
func (s *Store) GetHeadersByType(link types.Link, ht types.HeaderType) []*types.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.links[link.ID()]
	if entry == nil {
		return nil
	}
	if types.IsSingleton(link.Type, ht) {
		return appendSingles(nil, entry, ht)
	}
	return appendStreams(nil, entry, ht)
}

func appendSingles(out []*types.Header, entry *linkEntry, ht types.HeaderType) []*types.Header {
	for _, h := range entry.singles[ht] {
		out = append(out, h.Clone())
	}
	return out
}

func appendStreams(out []*types.Header, entry *linkEntry, ht types.HeaderType) []*types.Header {
	for _, set := range entry.streams[ht] {
		for _, h := range set {
			out = append(out, h.Clone())
		}
	}
	return out
}

// Links lists every link with at least one header.
func (s *Store) Links() []types.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Link, 0, len(s.links))
	for _, entry := range s.links {
		out = append(out, entry.link)
	}
	return out
}

// Keys lists the distinct block keys referenced by stored headers.
func (s *Store) Keys() []types.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []types.Key
	add := func(h *types.Header) {
		id := h.Key.ID()
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, h.Key)
	}
	for _, entry := range s.links {
		for _, bySigner := range entry.singles {
			for _, h := range bySigner {
				add(h)
			}
		}
		for _, bySigner := range entry.streams {
			for _, set := range bySigner {
				for _, h := range set {
					add(h)
				}
			}
		}
	}
	return out
}

// Len returns the number of stored headers.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Touch marks link as used now. Collect keeps the most recently used
// uncovered links.
func (s *Store) Touch(link types.Link) {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastUsed[link.ID()] = now
	s.mu.Unlock()
}

// LastUsed reports the tracked use time of link.
func (s *Store) LastUsed(link types.Link) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastUsed[link.ID()]
	return t, ok
}
