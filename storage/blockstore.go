// Package storage holds content-addressed block stores.
package storage

import (
	"errors"
	"fmt"
	"sync"

	"veilnet/core/types"
)

// MaxBlockSize bounds a single stored block.
const MaxBlockSize = 4 << 20

var (
	ErrNotFound    = errors.New("storage: block not found")
	ErrKeyMismatch = errors.New("storage: block does not hash to key")
	ErrBlockTooBig = errors.New("storage: block too large")
	ErrInvalidKey  = errors.New("storage: invalid key")
	ErrStoreClosed = errors.New("storage: store closed")
)

// BlockStore is a content-addressed store of immutable blocks. Locked blocks
// are pinned against eviction until every Lock is matched by an Unlock.
type BlockStore interface {
	Contains(key types.Key) bool
	Get(key types.Key) ([]byte, error)
	Put(key types.Key, data []byte) error
	Lock(key types.Key)
	Unlock(key types.Key)
}

func checkBlock(key types.Key, data []byte) error {
	if !key.Valid() {
		return ErrInvalidKey
	}
	if len(data) > MaxBlockSize {
		return fmt.Errorf("%w: %d bytes", ErrBlockTooBig, len(data))
	}
	if !key.Matches(data) {
		return ErrKeyMismatch
	}
	return nil
}

// pins counts outstanding locks per key.
type pins struct {
	mu     sync.Mutex
	counts map[string]int
}

func newPins() *pins {
	return &pins{counts: make(map[string]int)}
}

func (p *pins) lock(key types.Key) {
	p.mu.Lock()
	p.counts[key.ID()]++
	p.mu.Unlock()
}

func (p *pins) unlock(key types.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := key.ID()
	if p.counts[id] <= 1 {
		delete(p.counts, id)
		return
	}
	p.counts[id]--
}

func (p *pins) locked(key types.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[key.ID()] > 0
}

// --- In-Memory store (for tests and ephemeral nodes) ---

// MemBlockStore keeps blocks in a map.
type MemBlockStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	pins *pins
}

func NewMemBlockStore() *MemBlockStore {
	return &MemBlockStore{
		data: make(map[string][]byte),
		pins: newPins(),
	}
}

func (s *MemBlockStore) Contains(key types.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key.ID()]
	return ok
}

func (s *MemBlockStore) Get(key types.Key) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key.ID()]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *MemBlockStore) Put(key types.Key, data []byte) error {
	if err := checkBlock(key, data); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key.ID()] = append([]byte(nil), data...)
	return nil
}

// Delete removes an unpinned block. It reports whether the block was removed.
func (s *MemBlockStore) Delete(key types.Key) bool {
	if s.pins.locked(key) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key.ID()]; !ok {
		return false
	}
	delete(s.data, key.ID())
	return true
}

func (s *MemBlockStore) Lock(key types.Key)   { s.pins.lock(key) }
func (s *MemBlockStore) Unlock(key types.Key) { s.pins.unlock(key) }

// Locked reports whether key is pinned.
func (s *MemBlockStore) Locked(key types.Key) bool { return s.pins.locked(key) }

func (s *MemBlockStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
