package p2p

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"veilnet/core/types"
)

// Direction says whether we sent an item to the peer or received it from them.
type Direction int

const (
	Push Direction = iota
	Pull
)

// SetKind names what a volatile set remembers.
type SetKind int

const (
	KindBlocksLink SetKind = iota
	KindBlocksRequest
	KindSectionsRequest
	KindDocumentsRequest
	KindChatsRequest
	KindSignaturesRequest
	numSetKinds
)

const (
	// MaxPeerStates caps the registry; least recently touched unlocked entries go first.
	MaxPeerStates = 128

	maxSurroundingNodes = 12
	minPriority         = -64
	maxPriority         = 64

	blockSetCapacity  = 8192
	headerSetCapacity = 2048
	sentHeadersTTL    = time.Hour
)

// setTTL is indexed by [Direction][SetKind].
var setTTL = [2][numSetKinds]time.Duration{
	Push: {
		KindBlocksLink:        time.Hour,
		KindBlocksRequest:     30 * time.Minute,
		KindSectionsRequest:   30 * time.Minute,
		KindDocumentsRequest:  30 * time.Minute,
		KindChatsRequest:      30 * time.Minute,
		KindSignaturesRequest: 30 * time.Minute,
	},
	Pull: {
		KindBlocksLink:        time.Hour,
		KindBlocksRequest:     30 * time.Minute,
		KindSectionsRequest:   time.Hour,
		KindDocumentsRequest:  time.Hour,
		KindChatsRequest:      time.Hour,
		KindSignaturesRequest: time.Hour,
	},
}

// headerSetKind maps a link type to its header-request set.
func headerSetKind(t types.LinkType) (SetKind, bool) {
	switch t {
	case types.LinkSection:
		return KindSectionsRequest, true
	case types.LinkDocument:
		return KindDocumentsRequest, true
	case types.LinkChat:
		return KindChatsRequest, true
	case types.LinkMail:
		return KindSignaturesRequest, true
	}
	return 0, false
}

// PeerState is the engine's memory of one peer. It outlives individual links
// so a reconnecting peer keeps its priority and push/pull history.
type PeerState struct {
	mu    sync.Mutex
	id    types.NodeID
	clock clock.Clock

	sessionID     []byte
	priority      int
	sentBytes     uint64
	receivedBytes uint64
	lastPull      time.Time
	responseTime  time.Duration
	surrounding   []types.Node

	sets        [2][numSetKinds]*volatileSet
	sentHeaders *volatileSet

	stagedLinks    map[string]types.Key
	stagedRequests map[string]types.Key
	stagedHeaders  map[string]types.Link
	stagedUploads  map[string]types.Key

	requested map[string]types.Link
}

func newPeerState(id types.NodeID, clk clock.Clock) *PeerState {
	ps := &PeerState{
		id:             id,
		clock:          clk,
		sentHeaders:    newVolatileSet(sentHeadersTTL, 4*headerSetCapacity),
		stagedLinks:    make(map[string]types.Key),
		stagedRequests: make(map[string]types.Key),
		stagedHeaders:  make(map[string]types.Link),
		stagedUploads:  make(map[string]types.Key),
		requested:      make(map[string]types.Link),
	}
	for dir := Push; dir <= Pull; dir++ {
		for kind := SetKind(0); kind < numSetKinds; kind++ {
			capacity := headerSetCapacity
			if kind == KindBlocksLink || kind == KindBlocksRequest {
				capacity = blockSetCapacity
			}
			ps.sets[dir][kind] = newVolatileSet(setTTL[dir][kind], capacity)
		}
	}
	return ps
}

func (ps *PeerState) ID() types.NodeID { return ps.id }

// Connected resets the per-session fields for a new link.
func (ps *PeerState) Connected(sessionID []byte) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.sessionID = append([]byte(nil), sessionID...)
	ps.lastPull = ps.clock.Now()
	ps.responseTime = 0
}

func (ps *PeerState) SessionID() []byte {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.sessionID
}

func (ps *PeerState) Priority() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.priority
}

// AdjustPriority moves the tit-for-tat score, clamped to [-64, 64].
func (ps *PeerState) AdjustPriority(delta int) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.priority = max(minPriority, min(maxPriority, ps.priority+delta))
	return ps.priority
}

// MarkPulled records that the peer just delivered something.
func (ps *PeerState) MarkPulled(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.lastPull = ps.clock.Now()
	ps.receivedBytes += uint64(bytes)
}

func (ps *PeerState) AddSent(bytes int) {
	ps.mu.Lock()
	ps.sentBytes += uint64(bytes)
	ps.mu.Unlock()
}

func (ps *PeerState) LastPull() time.Time {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.lastPull
}

func (ps *PeerState) Traffic() (sent, received uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.sentBytes, ps.receivedBytes
}

func (ps *PeerState) SetResponseTime(d time.Duration) {
	ps.mu.Lock()
	ps.responseTime = d
	ps.mu.Unlock()
}

// ResponseTime returns zero until measured.
func (ps *PeerState) ResponseTime() time.Duration {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.responseTime
}

// SetSurrounding keeps the first twelve nodes the peer announced.
func (ps *PeerState) SetSurrounding(nodes []types.Node) {
	n := min(len(nodes), maxSurroundingNodes)
	snapshot := make([]types.Node, n)
	for i := range snapshot {
		snapshot[i] = nodes[i].Clone()
	}
	ps.mu.Lock()
	ps.surrounding = snapshot
	ps.mu.Unlock()
}

func (ps *PeerState) Surrounding() []types.Node {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]types.Node(nil), ps.surrounding...)
}

func (ps *PeerState) Add(dir Direction, kind SetKind, id string) {
	ps.mu.Lock()
	ps.sets[dir][kind].Add(id, ps.clock.Now())
	ps.mu.Unlock()
}

func (ps *PeerState) Contains(dir Direction, kind SetKind, id string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.sets[dir][kind].Contains(id, ps.clock.Now())
}

func (ps *PeerState) Remove(dir Direction, kind SetKind, id string) {
	ps.mu.Lock()
	ps.sets[dir][kind].Remove(id)
	ps.mu.Unlock()
}

func (ps *PeerState) Items(dir Direction, kind SetKind) []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.sets[dir][kind].Items(ps.clock.Now())
}

func (ps *PeerState) Len(dir Direction, kind SetKind) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.sets[dir][kind].Len(ps.clock.Now())
}

// RecordInterest notes that the peer asked for headers filed under link.
func (ps *PeerState) RecordInterest(link types.Link) {
	kind, ok := headerSetKind(link.Type)
	if !ok {
		return
	}
	id := link.ID()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.sets[Pull][kind].Add(id, ps.clock.Now())
	ps.requested[id] = link
}

// Interest lists the links the peer asked headers for and that have not expired.
func (ps *PeerState) Interest() []types.Link {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	now := ps.clock.Now()
	out := make([]types.Link, 0, len(ps.requested))
	for id, link := range ps.requested {
		kind, _ := headerSetKind(link.Type)
		if !ps.sets[Pull][kind].Contains(id, now) {
			delete(ps.requested, id)
			continue
		}
		out = append(out, link)
	}
	return out
}

func (ps *PeerState) HeaderSent(id string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.sentHeaders.Contains(id, ps.clock.Now())
}

func (ps *PeerState) MarkHeaderSent(id string) {
	ps.mu.Lock()
	ps.sentHeaders.Add(id, ps.clock.Now())
	ps.mu.Unlock()
}

// StageBlocksLink queues key for the next advertisement drain unless already sent.
func (ps *PeerState) StageBlocksLink(key types.Key) bool {
	return ps.stageKey(ps.stagedLinks, KindBlocksLink, key)
}

func (ps *PeerState) StageBlocksRequest(key types.Key) bool {
	return ps.stageKey(ps.stagedRequests, KindBlocksRequest, key)
}

func (ps *PeerState) stageKey(staged map[string]types.Key, kind SetKind, key types.Key) bool {
	id := key.ID()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := staged[id]; ok || ps.sets[Push][kind].Contains(id, ps.clock.Now()) {
		return false
	}
	staged[id] = key
	return true
}

func (ps *PeerState) StageHeadersRequest(link types.Link) bool {
	kind, ok := headerSetKind(link.Type)
	if !ok {
		return false
	}
	id := link.ID()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.stagedHeaders[id]; ok || ps.sets[Push][kind].Contains(id, ps.clock.Now()) {
		return false
	}
	ps.stagedHeaders[id] = link
	return true
}

// StageUpload queues key for an opportunistic block push to this peer.
func (ps *PeerState) StageUpload(key types.Key) bool {
	id := key.ID()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.stagedUploads[id]; ok {
		return false
	}
	ps.stagedUploads[id] = key
	return true
}

// Drained is one drain of the staged push sets.
type Drained struct {
	BlocksLink    []types.Key
	BlocksRequest []types.Key
	Headers       []types.Link
}

func (d Drained) Empty() bool {
	return len(d.BlocksLink) == 0 && len(d.BlocksRequest) == 0 && len(d.Headers) == 0
}

// Drain removes up to limit items of each staged kind and records them as pushed.
func (ps *PeerState) Drain(limit int) Drained {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	now := ps.clock.Now()
	var d Drained
	for id, key := range ps.stagedLinks {
		if len(d.BlocksLink) >= limit {
			break
		}
		delete(ps.stagedLinks, id)
		ps.sets[Push][KindBlocksLink].Add(id, now)
		d.BlocksLink = append(d.BlocksLink, key)
	}
	for id, key := range ps.stagedRequests {
		if len(d.BlocksRequest) >= limit {
			break
		}
		delete(ps.stagedRequests, id)
		ps.sets[Push][KindBlocksRequest].Add(id, now)
		d.BlocksRequest = append(d.BlocksRequest, key)
	}
	for id, link := range ps.stagedHeaders {
		if len(d.Headers) >= limit {
			break
		}
		delete(ps.stagedHeaders, id)
		kind, _ := headerSetKind(link.Type)
		ps.sets[Push][kind].Add(id, now)
		d.Headers = append(d.Headers, link)
	}
	return d
}

// TakeUpload removes one staged upload.
func (ps *PeerState) TakeUpload() (types.Key, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for id, key := range ps.stagedUploads {
		delete(ps.stagedUploads, id)
		return key, true
	}
	return types.Key{}, false
}

// DropUpload forgets a staged upload, e.g. after the upload was cancelled.
func (ps *PeerState) DropUpload(key types.Key) bool {
	id := key.ID()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.stagedUploads[id]; !ok {
		return false
	}
	delete(ps.stagedUploads, id)
	return true
}

func (ps *PeerState) ClearStaged() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	clear(ps.stagedLinks)
	clear(ps.stagedRequests)
	clear(ps.stagedHeaders)
	clear(ps.stagedUploads)
}

// LockedPredicate reports peers that must not be evicted from the registry.
type LockedPredicate func(types.NodeID) bool

// peerRegistry owns every PeerState, keyed by NodeID, in recency order.
type peerRegistry struct {
	mu     sync.Mutex
	clock  clock.Clock
	limit  int
	lru    *simplelru.LRU[types.NodeID, *PeerState]
	locked []LockedPredicate
}

func newPeerRegistry(limit int, clk clock.Clock) *peerRegistry {
	if limit <= 0 {
		limit = MaxPeerStates
	}
	// The hard ceiling only matters if locked peers pile up far beyond limit.
	cache, err := simplelru.NewLRU[types.NodeID, *PeerState](limit*16, nil)
	if err != nil {
		panic(err)
	}
	return &peerRegistry{clock: clk, limit: limit, lru: cache}
}

func (r *peerRegistry) addLocked(pred LockedPredicate) {
	if pred == nil {
		return
	}
	r.mu.Lock()
	r.locked = append(r.locked, pred)
	r.mu.Unlock()
}

func (r *peerRegistry) isLockedLocked(id types.NodeID) bool {
	for _, pred := range r.locked {
		if pred(id) {
			return true
		}
	}
	return false
}

// Get returns the state for id, creating it, and marks it most recently used.
func (r *peerRegistry) Get(id types.NodeID) *PeerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok := r.lru.Get(id); ok {
		return ps
	}
	ps := newPeerState(id, r.clock)
	r.lru.Add(id, ps)
	r.trimLocked()
	return ps
}

// Touch marks id most recently used without creating a state.
func (r *peerRegistry) Touch(id types.NodeID) {
	r.mu.Lock()
	r.lru.Get(id)
	r.mu.Unlock()
}

// Peek returns the state without touching recency.
func (r *peerRegistry) Peek(id types.NodeID) (*PeerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Peek(id)
}

func (r *peerRegistry) Remove(id types.NodeID) {
	r.mu.Lock()
	r.lru.Remove(id)
	r.mu.Unlock()
}

func (r *peerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len()
}

func (r *peerRegistry) Purge() {
	r.mu.Lock()
	r.lru.Purge()
	r.mu.Unlock()
}

// trimLocked evicts from the least recently used end, skipping locked peers.
func (r *peerRegistry) trimLocked() {
	excess := r.lru.Len() - r.limit
	if excess <= 0 {
		return
	}
	for _, id := range r.lru.Keys() {
		if excess == 0 {
			return
		}
		if r.isLockedLocked(id) {
			continue
		}
		r.lru.Remove(id)
		excess--
	}
}
