package p2p

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"veilnet/core/types"
)

const (
	maintenanceTick     = time.Second
	nodesPushInterval   = time.Minute
	drainInterval       = time.Minute
	headersPushInterval = time.Minute
	unresponsiveTimeout = 30 * time.Minute

	maxNodesPushed   = 12
	maxDrain         = 256
	maxHeadersPushed = 256
	// attachBudget bounds block bytes attached to one header push.
	attachBudget = 4 << 20
	// attachLimit is the largest block attached inline to a header.
	attachLimit = 64 << 10
)

// peerSchedule holds the next due time of each per-peer cadence.
type peerSchedule struct {
	nodesAt   time.Time
	drainAt   time.Time
	headersAt time.Time
}

// peerLoop consumes a link's events and runs its maintenance ticks until the
// link closes or the engine stops.
func (e *Engine) peerLoop(ctx context.Context, h *linkHandle) {
	defer e.peerWG.Done()
	defer e.onLinkClosed(h)

	ticker := e.clock.Ticker(maintenanceTick)
	defer ticker.Stop()
	var sched peerSchedule
	events := h.link.Events()
	for {
		select {
		case <-ctx.Done():
			h.link.Close(ErrEngineClosed)
			for range events {
			}
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handleEvent(h, ev)
		case <-ticker.C:
			e.maintain(h, &sched)
		}
	}
}

func headerKey(h *types.Header) string {
	id := h.Identity()
	return string(id[:])
}

func (e *Engine) handleEvent(h *linkHandle, ev Event) {
	now := e.clock.Now()
	state := h.state
	remote := h.link.Remote().ID
	e.states.Touch(remote)
	switch ev := ev.(type) {
	case NodesReceived:
		e.counters.pulledNodes.Add(uint64(len(ev.Nodes)))
		surrounding := make([]types.Node, 0, len(ev.Nodes))
		for _, n := range ev.Nodes {
			if n.ID == e.identity.NodeID {
				continue
			}
			e.addNode(n, now)
			surrounding = append(surrounding, n)
		}
		state.SetSurrounding(surrounding)
		state.MarkPulled(0)

	case BlocksLinkReceived:
		e.counters.pulledBlocksLink.Add(uint64(len(ev.Keys)))
		for _, k := range ev.Keys {
			state.Add(Pull, KindBlocksLink, k.ID())
		}
		state.MarkPulled(0)

	case BlocksRequestReceived:
		e.counters.pulledBlocksRequest.Add(uint64(len(ev.Keys)))
		for _, k := range ev.Keys {
			state.Add(Pull, KindBlocksRequest, k.ID())
		}

	case BlockReceived:
		e.counters.pulledBlocks.Add(1)
		e.metrics.recordBlock("in")
		state.MarkPulled(len(ev.Data))
		if !e.blocks.Contains(ev.Key) {
			if err := e.blocks.Put(ev.Key, ev.Data); err != nil {
				e.logger.Debug("Dropping received block", slog.Any("error", err))
				return
			}
		}
		id := ev.Key.ID()
		if state.Contains(Push, KindBlocksRequest, id) {
			state.Remove(Push, KindBlocksRequest, id)
			state.AdjustPriority(1)
			e.reputation.MarkUseful(remote, now)
		}
		e.workMu.Lock()
		delete(e.downloads, id)
		e.workMu.Unlock()

	case HeadersRequestReceived:
		e.counters.pulledHeadersRequest.Add(uint64(len(ev.Links)))
		for _, link := range ev.Links {
			state.RecordInterest(link)
		}

	case HeadersReceived:
		e.counters.pulledHeaders.Add(uint64(len(ev.Headers)))
		size := 0
		for _, b := range ev.Headers {
			if _, err := e.headers.SetHeader(b.Header); err != nil {
				continue
			}
			state.MarkHeaderSent(headerKey(b.Header))
			size += len(b.Content)
			switch {
			case e.blocks.Contains(b.Header.Key):
			case len(b.Content) > 0:
				if err := e.blocks.Put(b.Header.Key, b.Content); err != nil {
					e.logger.Debug("Dropping attached content", slog.Any("error", err))
				}
			case e.cfg.FetchHeaderContent:
				e.Download(b.Header.Key)
			}
		}
		state.MarkPulled(size)
	}
}

// maintain runs one 1s tick of per-peer upkeep.
func (e *Engine) maintain(h *linkHandle, s *peerSchedule) {
	now := e.clock.Now()
	link, state := h.link, h.state
	if link.State() != LinkOpen {
		return
	}

	if rt, ok := link.ResponseTime(); ok && state.ResponseTime() != rt {
		state.SetResponseTime(rt)
		e.metrics.observeResponseTime(float64(rt) / float64(time.Millisecond))
	}

	active := h.connectedAt
	if last := state.LastPull(); last.After(active) {
		active = last
	}
	if now.Sub(active) >= unresponsiveTimeout {
		e.reputation.PenalizeUnresponsive(link.Remote().ID, now)
		link.Close(errUnresponsive)
		return
	}

	if !now.Before(s.nodesAt) {
		s.nodesAt = now.Add(nodesPushInterval)
		e.pushGoodNodes(h)
	}

	weight := e.peerWeight(link.Remote().ID)
	if !now.Before(s.drainAt) {
		s.drainAt = now.Add(drainInterval)
		e.drainStaged(h, weight)
	}
	if e.float64() < weight {
		e.uploadOne(h)
	}
	if e.float64() < serveProbability(state.Priority()) {
		e.serveOne(h)
	}
	if !now.Before(s.headersAt) {
		s.headersAt = now.Add(headersPushInterval)
		e.pushInterestingHeaders(h)
	}
}

// serveProbability maps a priority in [minPriority, maxPriority] onto [0.05, 1].
func serveProbability(priority int) float64 {
	priority = min(max(priority, minPriority), maxPriority)
	frac := float64(priority-minPriority) / float64(maxPriority-minPriority)
	return 0.05 + 0.95*frac
}

// peerWeight ranks a peer among connected peers by response time; the fastest
// gets 1 and unmeasured peers rank last.
func (e *Engine) peerWeight(id types.NodeID) float64 {
	handles := e.handles()
	if len(handles) <= 1 {
		return 1
	}
	sort.Slice(handles, func(i, j int) bool {
		return responseLess(handles[i].state.ResponseTime(), handles[j].state.ResponseTime())
	})
	for rank, h := range handles {
		if h.link.Remote().ID == id {
			return 1 - float64(rank)/float64(len(handles))
		}
	}
	return 0
}

// responseLess orders measured response times ascending, unmeasured last.
func responseLess(a, b time.Duration) bool {
	switch {
	case a <= 0:
		return false
	case b <= 0:
		return true
	}
	return a < b
}

func (e *Engine) pushGoodNodes(h *linkHandle) {
	handles := e.handles()
	sort.Slice(handles, func(i, j int) bool {
		return responseLess(handles[i].state.ResponseTime(), handles[j].state.ResponseTime())
	})
	remote := h.link.Remote().ID
	nodes := make([]types.Node, 0, maxNodesPushed)
	for _, other := range handles {
		if len(nodes) == maxNodesPushed {
			break
		}
		n := other.link.Remote()
		if n.ID == remote || len(n.Addresses) == 0 {
			continue
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 0 {
		return
	}
	if err := h.link.PushNodes(nodes); err == nil {
		e.counters.pushedNodes.Add(uint64(len(nodes)))
	}
}

func (e *Engine) drainStaged(h *linkHandle, weight float64) {
	limit := max(1, int(float64(maxDrain)*weight))
	d := h.state.Drain(limit)
	if d.Empty() {
		return
	}
	if len(d.BlocksLink) > 0 {
		if err := h.link.PushBlocksLink(d.BlocksLink); err != nil {
			return
		}
		e.counters.pushedBlocksLink.Add(uint64(len(d.BlocksLink)))
	}
	if len(d.BlocksRequest) > 0 {
		if err := h.link.PushBlocksRequest(d.BlocksRequest); err != nil {
			return
		}
		e.counters.pushedBlocksRequest.Add(uint64(len(d.BlocksRequest)))
	}
	if len(d.Headers) > 0 {
		if err := h.link.PushHeadersRequest(d.Headers); err != nil {
			return
		}
		e.counters.pushedHeadersRequest.Add(uint64(len(d.Headers)))
	}
}

func (e *Engine) uploadOne(h *linkHandle) {
	key, ok := h.state.TakeUpload()
	if !ok {
		return
	}
	data, err := e.blocks.Get(key)
	if err != nil {
		e.uploadServed(key, h.link.Remote().ID, false)
		return
	}
	if err := e.pushBlock(h, key, data); err != nil {
		return
	}
	e.uploadServed(key, h.link.Remote().ID, true)
}

// serveOne answers one outstanding block request we can satisfy.
func (e *Engine) serveOne(h *linkHandle) {
	for _, id := range h.state.Items(Pull, KindBlocksRequest) {
		key := types.KeyFromID(id)
		if !key.Valid() {
			h.state.Remove(Pull, KindBlocksRequest, id)
			continue
		}
		if !e.blocks.Contains(key) {
			continue
		}
		data, err := e.blocks.Get(key)
		if err != nil {
			continue
		}
		h.state.Remove(Pull, KindBlocksRequest, id)
		if err := e.pushBlock(h, key, data); err != nil {
			return
		}
		h.state.AdjustPriority(-1)
		return
	}
}

func (e *Engine) pushBlock(h *linkHandle, key types.Key, data []byte) error {
	if err := h.link.PushBlock(key, data); err != nil {
		return err
	}
	h.state.AddSent(len(data))
	e.counters.pushedBlocks.Add(1)
	e.metrics.recordBlock("out")
	return nil
}

// pushInterestingHeaders sends headers the peer asked for and has not seen,
// attaching small blocks inline while the budget lasts.
func (e *Engine) pushInterestingHeaders(h *linkHandle) {
	state := h.state
	var bundles []HeaderBundle
	var sent []string
	budget := attachBudget
	for _, link := range state.Interest() {
		for _, hdr := range e.headers.GetHeaders(link) {
			if len(bundles) == maxHeadersPushed {
				break
			}
			id := headerKey(hdr)
			if state.HeaderSent(id) {
				continue
			}
			b := HeaderBundle{Header: hdr}
			if data, err := e.blocks.Get(hdr.Key); err == nil && len(data) <= attachLimit && len(data) <= budget {
				b.Content = data
				budget -= len(data)
			}
			bundles = append(bundles, b)
			sent = append(sent, id)
		}
	}
	if len(bundles) == 0 {
		return
	}
	if err := h.link.PushHeaders(bundles); err != nil {
		return
	}
	for _, id := range sent {
		state.MarkHeaderSent(id)
	}
	e.counters.pushedHeaders.Add(uint64(len(bundles)))
}
