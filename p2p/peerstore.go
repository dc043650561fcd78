package p2p

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"veilnet/core/types"
)

const (
	defaultBaseBackoff   = time.Second
	defaultMaxBackoff    = 30 * time.Minute
	defaultPeerstoreSize = 4096
	defaultStaleAfter    = 30 * 24 * time.Hour
)

// Records live under "n/" followed by the raw 64-byte NodeID.
var peerstorePrefix = []byte("n/")

var ErrPeerstoreClosed = errors.New("p2p: peerstore closed")

// PeerstoreEntry is what we persist about each node we have heard of.
type PeerstoreEntry struct {
	Addresses   []string  `json:"addresses"`
	LastSeen    time.Time `json:"lastSeen"`
	LastSuccess time.Time `json:"lastSuccess,omitempty"`
	Fails       int       `json:"fails,omitempty"`
	BannedUntil time.Time `json:"bannedUntil,omitempty"`

	id types.NodeID
}

// ID is the node the entry describes.
func (e PeerstoreEntry) ID() types.NodeID { return e.id }

// Node converts the entry back into a descriptor.
func (e PeerstoreEntry) Node() (types.Node, error) {
	n := types.Node{ID: e.id, Addresses: append([]string(nil), e.Addresses...)}
	return n, n.Validate()
}

// PeerstoreOption tunes NewPeerstore.
type PeerstoreOption func(*Peerstore)

// WithPeerstoreLimit caps the number of remembered nodes kept by Prune.
func WithPeerstoreLimit(n int) PeerstoreOption {
	return func(ps *Peerstore) {
		if n > 0 {
			ps.limit = n
		}
	}
}

// WithStaleAfter forgets nodes not seen for d during Prune.
func WithStaleAfter(d time.Duration) PeerstoreOption {
	return func(ps *Peerstore) {
		if d > 0 {
			ps.staleAfter = d
		}
	}
}

// Peerstore remembers known nodes in LevelDB together with failure strikes,
// bans and the exponential dial backoff derived from them. The whole table is
// mirrored in memory; the database is only read at open.
type Peerstore struct {
	mu      sync.RWMutex
	db      *leveldb.DB
	entries map[types.NodeID]*PeerstoreEntry

	baseBackoff time.Duration
	maxBackoff  time.Duration
	limit       int
	staleAfter  time.Duration
}

// NewPeerstore opens (or creates) the database at path.
func NewPeerstore(path string, baseBackoff, maxBackoff time.Duration, opts ...PeerstoreOption) (*Peerstore, error) {
	if path == "" {
		return nil, errors.New("peerstore path required")
	}
	ps := &Peerstore{
		entries:     make(map[types.NodeID]*PeerstoreEntry),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		limit:       defaultPeerstoreSize,
		staleAfter:  defaultStaleAfter,
	}
	if ps.baseBackoff <= 0 {
		ps.baseBackoff = defaultBaseBackoff
	}
	if ps.maxBackoff <= 0 {
		ps.maxBackoff = defaultMaxBackoff
	}
	for _, opt := range opts {
		opt(ps)
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}
	ps.db = db
	if err := ps.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ps, nil
}

func (ps *Peerstore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil
	}
	err := ps.db.Close()
	ps.db, ps.entries = nil, nil
	return err
}

// Put records n, replacing its addresses and keeping counters.
func (ps *Peerstore) Put(n types.Node, now time.Time) error {
	if err := n.Validate(); err != nil {
		return err
	}
	return ps.update(n.ID, true, func(rec *PeerstoreEntry) {
		rec.Addresses = append(rec.Addresses[:0], n.Addresses...)
		rec.LastSeen = now
	})
}

func (ps *Peerstore) Get(id types.NodeID) (PeerstoreEntry, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if rec, ok := ps.entries[id]; ok {
		return rec.snapshot(), true
	}
	return PeerstoreEntry{}, false
}

// Len is the number of remembered nodes.
func (ps *Peerstore) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.entries)
}

// Nodes returns every stored node that is not banned at now.
func (ps *Peerstore) Nodes(now time.Time) []types.Node {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]types.Node, 0, len(ps.entries))
	for _, rec := range ps.entries {
		if rec.BannedUntil.After(now) {
			continue
		}
		if n, err := rec.Node(); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// Remove forgets a node.
func (ps *Peerstore) Remove(id types.NodeID) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return ErrPeerstoreClosed
	}
	delete(ps.entries, id)
	return ps.db.Delete(recordKey(id), nil)
}

// RecordSuccess clears failure strikes after an admitted connection.
func (ps *Peerstore) RecordSuccess(id types.NodeID, now time.Time) (PeerstoreEntry, error) {
	var out PeerstoreEntry
	err := ps.update(id, false, func(rec *PeerstoreEntry) {
		rec.LastSeen, rec.LastSuccess = now, now
		rec.Fails = 0
		out = rec.snapshot()
	})
	return out, err
}

// RecordFail adds a strike after every address of the node failed.
func (ps *Peerstore) RecordFail(id types.NodeID, now time.Time) (PeerstoreEntry, error) {
	var out PeerstoreEntry
	err := ps.update(id, false, func(rec *PeerstoreEntry) {
		rec.Fails++
		rec.LastSeen = now
		out = rec.snapshot()
	})
	return out, err
}

func (ps *Peerstore) SetBan(id types.NodeID, until time.Time) error {
	return ps.update(id, false, func(rec *PeerstoreEntry) { rec.BannedUntil = until })
}

func (ps *Peerstore) IsBanned(id types.NodeID, now time.Time) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec, ok := ps.entries[id]
	return ok && rec.BannedUntil.After(now)
}

// NextDialAt returns the earliest time the node should be dialled again:
// the ban expiry, or LastSeen plus base*2^(fails-1) capped at the maximum.
func (ps *Peerstore) NextDialAt(id types.NodeID, now time.Time) time.Time {
	ps.mu.RLock()
	rec, ok := ps.entries[id]
	var fails int
	var lastSeen, banned time.Time
	if ok {
		fails, lastSeen, banned = rec.Fails, rec.LastSeen, rec.BannedUntil
	}
	ps.mu.RUnlock()
	if banned.After(now) {
		return banned
	}
	if fails <= 0 {
		return now
	}
	backoff := ps.maxBackoff
	if shift := fails - 1; shift < 30 {
		if d := ps.baseBackoff << uint(shift); d > 0 && d < backoff {
			backoff = d
		}
	}
	if next := lastSeen.Add(backoff); next.After(now) {
		return next
	}
	return now
}

// Prune forgets unbanned nodes not seen within the stale window, then drops
// the stalest remaining ones until the store fits its limit. It returns the
// number of removed entries.
func (ps *Peerstore) Prune(now time.Time) (int, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return 0, ErrPeerstoreClosed
	}
	cutoff := now.Add(-ps.staleAfter)
	var doomed []types.NodeID
	live := make([]*PeerstoreEntry, 0, len(ps.entries))
	for id, rec := range ps.entries {
		switch {
		case rec.BannedUntil.After(now):
			continue
		case rec.LastSeen.Before(cutoff):
			doomed = append(doomed, id)
		default:
			live = append(live, rec)
		}
	}
	if over := len(ps.entries) - len(doomed) - ps.limit; over > 0 {
		sort.Slice(live, func(i, j int) bool {
			if !live[i].LastSuccess.Equal(live[j].LastSuccess) {
				return live[i].LastSuccess.Before(live[j].LastSuccess)
			}
			return live[i].LastSeen.Before(live[j].LastSeen)
		})
		for _, rec := range live[:min(over, len(live))] {
			doomed = append(doomed, rec.id)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	batch := new(leveldb.Batch)
	for _, id := range doomed {
		batch.Delete(recordKey(id))
	}
	if err := ps.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("prune peerstore: %w", err)
	}
	for _, id := range doomed {
		delete(ps.entries, id)
	}
	return len(doomed), nil
}

// update applies fn to the record for id and persists it. Missing records
// are created only when create is set.
func (ps *Peerstore) update(id types.NodeID, create bool, fn func(*PeerstoreEntry)) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return ErrPeerstoreClosed
	}
	rec, ok := ps.entries[id]
	if !ok {
		if !create {
			return fmt.Errorf("peerstore %s: %w", id.Short(), leveldb.ErrNotFound)
		}
		rec = &PeerstoreEntry{id: id}
	}
	fn(rec)
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := ps.db.Put(recordKey(id), blob, nil); err != nil {
		return err
	}
	ps.entries[id] = rec
	return nil
}

func (ps *Peerstore) load() error {
	iter := ps.db.NewIterator(util.BytesPrefix(peerstorePrefix), nil)
	defer iter.Release()
	for iter.Next() {
		raw := bytes.TrimPrefix(iter.Key(), peerstorePrefix)
		if len(raw) != types.NodeIDSize {
			continue
		}
		rec := &PeerstoreEntry{}
		if err := json.Unmarshal(iter.Value(), rec); err != nil {
			return fmt.Errorf("decode peer %x: %w", raw[:4], err)
		}
		copy(rec.id[:], raw)
		ps.entries[rec.id] = rec
	}
	return iter.Error()
}

func (e *PeerstoreEntry) snapshot() PeerstoreEntry {
	out := *e
	out.Addresses = append([]string(nil), e.Addresses...)
	return out
}

func recordKey(id types.NodeID) []byte {
	return append(append(make([]byte, 0, len(peerstorePrefix)+len(id)), peerstorePrefix...), id[:]...)
}
