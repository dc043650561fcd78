package p2p

import (
	"sort"
	"time"

	"veilnet/core/types"
)

const searchCacheTTL = 10 * time.Second

// searchSnapshot is the cached view node-search ranks over.
type searchSnapshot struct {
	takenAt    time.Time
	connected  map[types.NodeID]types.Node
	candidates []types.Node
	// reporters lists, per surrounding node, the connected peers that
	// announced it, fastest first.
	reporters map[types.NodeID][]types.NodeID
}

func (e *Engine) invalidateSearch() {
	e.searchMu.Lock()
	e.searchCache = nil
	e.searchMu.Unlock()
}

func (e *Engine) searchSnapshot() *searchSnapshot {
	now := e.clock.Now()
	e.searchMu.Lock()
	defer e.searchMu.Unlock()
	if s := e.searchCache; s != nil && now.Sub(s.takenAt) < searchCacheTTL {
		return s
	}
	peers := make([]searchPeer, 0)
	for _, h := range e.handles() {
		peers = append(peers, searchPeer{
			node:         h.link.Remote(),
			responseTime: h.state.ResponseTime(),
			surrounding:  h.state.Surrounding(),
		})
	}
	s := buildSearchSnapshot(peers)
	s.takenAt = now
	e.searchCache = s
	return s
}

type searchPeer struct {
	node         types.Node
	responseTime time.Duration
	surrounding  []types.Node
}

func buildSearchSnapshot(peers []searchPeer) *searchSnapshot {
	sort.SliceStable(peers, func(i, j int) bool {
		return responseLess(peers[i].responseTime, peers[j].responseTime)
	})
	s := &searchSnapshot{
		connected: make(map[types.NodeID]types.Node, len(peers)),
		reporters: make(map[types.NodeID][]types.NodeID),
	}
	seen := make(map[types.NodeID]struct{})
	for _, p := range peers {
		s.connected[p.node.ID] = p.node
		if _, ok := seen[p.node.ID]; !ok {
			seen[p.node.ID] = struct{}{}
			s.candidates = append(s.candidates, p.node)
		}
	}
	for _, p := range peers {
		for _, n := range p.surrounding {
			s.reporters[n.ID] = append(s.reporters[n.ID], p.node.ID)
			if _, ok := seen[n.ID]; !ok {
				seen[n.ID] = struct{}{}
				s.candidates = append(s.candidates, n)
			}
		}
	}
	return s
}

// rank walks candidates by distance to target and returns up to count
// connected peers: a connected candidate is taken directly, otherwise the
// peers that reported it are taken fastest first.
func (s *searchSnapshot) rank(sortByDistance func(types.NodeID, []types.Node) []types.Node, target types.NodeID, count int) []types.Node {
	if count <= 0 || len(s.connected) == 0 {
		return nil
	}
	out := make([]types.Node, 0, count)
	taken := make(map[types.NodeID]struct{}, count)
	take := func(id types.NodeID) bool {
		if _, ok := taken[id]; ok {
			return false
		}
		n, ok := s.connected[id]
		if !ok {
			return false
		}
		taken[id] = struct{}{}
		out = append(out, n)
		return len(out) == count
	}
	for _, cand := range sortByDistance(target, s.candidates) {
		if _, direct := s.connected[cand.ID]; direct {
			if take(cand.ID) {
				return out
			}
			continue
		}
		for _, via := range s.reporters[cand.ID] {
			if take(via) {
				return out
			}
		}
	}
	return out
}

// GetSearchNode returns up to count connected peers best placed to reach target.
func (e *Engine) GetSearchNode(target types.NodeID, count int) []types.Node {
	return e.searchSnapshot().rank(e.routing.SortByDistance, target, count)
}
