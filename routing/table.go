// Package routing ranks overlay nodes by XOR distance over 64-byte ids.
package routing

import (
	"bytes"
	"container/list"
	"sort"
	"sync"

	"veilnet/core/types"
)

const (
	// BucketSize is the number of live nodes kept per bucket.
	BucketSize = 20

	replacementCap = 32
	bucketCount    = types.NodeIDSize * 8
)

// Table is the routing view consumed by the overlay engine.
type Table interface {
	BaseID() types.NodeID
	// Add admits n when its bucket has room, otherwise parks it as a replacement.
	Add(n types.Node) bool
	// Live marks n as recently seen, refreshing its addresses.
	Live(n types.Node)
	Remove(id types.NodeID) bool
	Count() int
	Nodes() []types.Node
	Closest(target types.NodeID, count int) []types.Node
	SortByDistance(target types.NodeID, candidates []types.Node) []types.Node
}

// Distance returns a XOR b.
func Distance(a, b types.NodeID) types.NodeID {
	var out types.NodeID
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// SortByDistance orders candidates by ascending XOR distance to target,
// breaking ties by id so the result is deterministic.
func SortByDistance(target types.NodeID, candidates []types.Node) []types.Node {
	out := make([]types.Node, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		di := Distance(out[i].ID, target)
		dj := Distance(out[j].ID, target)
		if c := bytes.Compare(di[:], dj[:]); c != 0 {
			return c < 0
		}
		return out[i].ID.Compare(out[j].ID) < 0
	})
	return out
}

type bucket struct {
	list *list.List // front is most recently seen
	repl []types.Node
}

func newBucket() *bucket {
	return &bucket{list: list.New()}
}

func (b *bucket) find(id types.NodeID) *list.Element {
	for e := b.list.Front(); e != nil; e = e.Next() {
		if e.Value.(types.Node).ID == id {
			return e
		}
	}
	return nil
}

func (b *bucket) addReplacement(n types.Node) {
	for i := range b.repl {
		if b.repl[i].ID == n.ID {
			b.repl[i] = n
			return
		}
	}
	if len(b.repl) >= replacementCap {
		copy(b.repl, b.repl[1:])
		b.repl = b.repl[:replacementCap-1]
	}
	b.repl = append(b.repl, n)
}

func (b *bucket) popReplacement() (types.Node, bool) {
	n := len(b.repl)
	if n == 0 {
		return types.Node{}, false
	}
	node := b.repl[n-1]
	b.repl = b.repl[:n-1]
	return node, true
}

// KBucketTable is a Kademlia-style table. It is safe for concurrent use.
type KBucketTable struct {
	base    types.NodeID
	mu      sync.RWMutex
	buckets [bucketCount]*bucket
	count   int
}

var _ Table = (*KBucketTable)(nil)

// NewKBucketTable returns an empty table centred on base.
func NewKBucketTable(base types.NodeID) *KBucketTable {
	t := &KBucketTable{base: base}
	for i := range t.buckets {
		t.buckets[i] = newBucket()
	}
	return t
}

func (t *KBucketTable) BaseID() types.NodeID { return t.base }

func (t *KBucketTable) bucketIndex(id types.NodeID) int {
	distance := Distance(id, t.base)
	for i := 0; i < types.NodeIDSize; i++ {
		for j := 0; j < 8; j++ {
			if (distance[i]>>uint8(7-j))&0x1 != 0 {
				return i*8 + j
			}
		}
	}
	return bucketCount - 1
}

func (t *KBucketTable) Add(n types.Node) bool {
	if n.ID == t.base || n.Validate() != nil {
		return false
	}
	n = n.Clone()
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[t.bucketIndex(n.ID)]
	if e := b.find(n.ID); e != nil {
		if len(n.Addresses) > 0 {
			e.Value = n
		}
		return true
	}
	if b.list.Len() < BucketSize {
		b.list.PushFront(n)
		t.count++
		return true
	}
	b.addReplacement(n)
	return false
}

func (t *KBucketTable) Live(n types.Node) {
	if n.ID == t.base || n.Validate() != nil {
		return
	}
	n = n.Clone()
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[t.bucketIndex(n.ID)]
	e := b.find(n.ID)
	if e == nil {
		if b.list.Len() < BucketSize {
			b.list.PushFront(n)
			t.count++
			return
		}
		// A full bucket yields its least recently seen entry to a node that just proved live.
		back := b.list.Back()
		b.addReplacement(back.Value.(types.Node))
		b.list.Remove(back)
		b.list.PushFront(n)
		return
	}
	if len(n.Addresses) > 0 {
		e.Value = n
	}
	b.list.MoveToFront(e)
}

func (t *KBucketTable) Remove(id types.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[t.bucketIndex(id)]
	e := b.find(id)
	if e == nil {
		for i := range b.repl {
			if b.repl[i].ID == id {
				b.repl = append(b.repl[:i], b.repl[i+1:]...)
				break
			}
		}
		return false
	}
	b.list.Remove(e)
	t.count--
	if repl, ok := b.popReplacement(); ok {
		b.list.PushBack(repl)
		t.count++
	}
	return true
}

func (t *KBucketTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

func (t *KBucketTable) Nodes() []types.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Node, 0, t.count)
	for _, b := range t.buckets {
		for e := b.list.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(types.Node).Clone())
		}
	}
	return out
}

// Get returns the stored descriptor for id.
func (t *KBucketTable) Get(id types.NodeID) (types.Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e := t.buckets[t.bucketIndex(id)].find(id); e != nil {
		return e.Value.(types.Node).Clone(), true
	}
	return types.Node{}, false
}

func (t *KBucketTable) Closest(target types.NodeID, count int) []types.Node {
	sorted := SortByDistance(target, t.Nodes())
	if count < len(sorted) {
		sorted = sorted[:count]
	}
	return sorted
}

func (t *KBucketTable) SortByDistance(target types.NodeID, candidates []types.Node) []types.Node {
	return SortByDistance(target, candidates)
}
