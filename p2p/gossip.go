package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"veilnet/core/types"
)

const (
	gossipTick            = time.Second
	uploadInterval        = time.Minute
	downloadInterval      = time.Minute
	headerRequestInterval = 3 * time.Minute
	evictInterval         = 30 * time.Minute
	collectInterval       = 3 * time.Minute

	uploadReplicas   = 2
	maxAdvertiseKeys = 1024
)

// gossipSchedule holds the next due time of each global cadence.
type gossipSchedule struct {
	uploadAt   time.Time
	downloadAt time.Time
	headersAt  time.Time
	evictAt    time.Time
	collectAt  time.Time
	seedAt     time.Time
}

// gossipLoop drives the global cadences from a single 1s tick.
func (e *Engine) gossipLoop(ctx context.Context) {
	defer e.bgWG.Wait()
	ticker := e.clock.Ticker(gossipTick)
	defer ticker.Stop()
	now := e.clock.Now()
	s := gossipSchedule{evictAt: now.Add(evictInterval), collectAt: now.Add(collectInterval)}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		e.gossipTick(ctx, &s)
	}
}

func (e *Engine) gossipTick(ctx context.Context, s *gossipSchedule) {
	now := e.clock.Now()
	if fn, every := e.seedSource(); fn != nil && !now.Before(s.seedAt) {
		s.seedAt = now.Add(every)
		e.background(func() { e.refreshSeeds(ctx, fn) })
	}

	e.gcMu.Lock()
	if !now.Before(s.uploadAt) {
		s.uploadAt = now.Add(uploadInterval)
		e.runPass("upload", e.stageUploads)
	}
	if !now.Before(s.downloadAt) {
		s.downloadAt = now.Add(downloadInterval)
		e.runPass("download", e.stageDownloads)
	}
	if !now.Before(s.headersAt) {
		s.headersAt = now.Add(headerRequestInterval)
		e.runPass("header_request", e.stageHeaderRequests)
	}
	if !now.Before(s.evictAt) {
		s.evictAt = now.Add(evictInterval)
		e.runPass("evict", e.evictWorst)
		if e.peerstore != nil {
			e.runPass("peerstore_prune", func() { e.prunePeerstore(now) })
		}
	}
	e.gcMu.Unlock()

	if !now.Before(s.collectAt) {
		s.collectAt = now.Add(collectInterval)
		e.background(e.collect)
	}
}

func (e *Engine) prunePeerstore(now time.Time) {
	removed, err := e.peerstore.Prune(now)
	if err != nil {
		e.logger.Warn("Peerstore prune failed", slog.Any("error", err))
		return
	}
	if removed > 0 {
		e.logger.Debug("Peerstore pruned", slog.Int("removed", removed))
	}
}

// background runs fn on a goroutine joined when the gossip loop exits.
func (e *Engine) background(fn func()) {
	e.bgWG.Add(1)
	go func() {
		defer e.bgWG.Done()
		fn()
	}()
}

// runPass isolates a scheduled pass; a panic skips it until its next cadence.
func (e *Engine) runPass(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Gossip pass failed",
				slog.String("pass", name),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

func (e *Engine) enoughPeers() bool {
	return e.connectedCount() >= e.cfg.MinGossipPeers
}

func (e *Engine) stageUploads() {
	if !e.enoughPeers() {
		return
	}
	e.workMu.Lock()
	uploads := make([]types.Key, 0, len(e.uploads))
	for _, task := range e.uploads {
		uploads = append(uploads, task.key)
	}
	diffusions := make([]types.Key, 0, len(e.diffusions))
	for _, key := range e.diffusions {
		diffusions = append(diffusions, key)
	}
	e.workMu.Unlock()

	for _, key := range uploads {
		for _, n := range e.GetSearchNode(types.TargetID(key.Hash), uploadReplicas) {
			h := e.handleFor(n.ID)
			if h == nil || !e.claimUploadTarget(key, n.ID) {
				continue
			}
			h.state.StageUpload(key)
		}
	}
	for _, key := range diffusions {
		if !e.blocks.Contains(key) {
			e.workMu.Lock()
			delete(e.diffusions, key.ID())
			e.workMu.Unlock()
			continue
		}
		staged := false
		for _, n := range e.GetSearchNode(types.TargetID(key.Hash), uploadReplicas) {
			if h := e.handleFor(n.ID); h != nil {
				h.state.StageUpload(key)
				staged = true
			}
		}
		if staged {
			e.workMu.Lock()
			delete(e.diffusions, key.ID())
			e.workMu.Unlock()
		}
	}
}

// claimUploadTarget records id as a target of the pending upload of key. It
// reports false once the upload is gone or id has already been served.
func (e *Engine) claimUploadTarget(key types.Key, id types.NodeID) bool {
	e.workMu.Lock()
	defer e.workMu.Unlock()
	task, ok := e.uploads[key.ID()]
	if !ok || task.targets[id] {
		return false
	}
	task.targets[id] = false
	return true
}

// uploadServed settles one staged upload; the pin is released once every
// target has been served.
func (e *Engine) uploadServed(key types.Key, id types.NodeID, ok bool) {
	e.workMu.Lock()
	defer e.workMu.Unlock()
	task, found := e.uploads[key.ID()]
	if !found {
		return
	}
	if !ok {
		delete(task.targets, id)
		return
	}
	task.targets[id] = true
	task.served++
	e.finishUploadLocked(task)
}

// forgetUploadTarget drops a disconnected peer from every pending upload.
func (e *Engine) forgetUploadTarget(id types.NodeID) {
	e.workMu.Lock()
	defer e.workMu.Unlock()
	for _, task := range e.uploads {
		if served, ok := task.targets[id]; ok && !served {
			delete(task.targets, id)
			e.finishUploadLocked(task)
		}
	}
}

func (e *Engine) finishUploadLocked(task *uploadTask) {
	if task.served == 0 {
		return
	}
	for _, served := range task.targets {
		if !served {
			return
		}
	}
	delete(e.uploads, task.key.ID())
	e.blocks.Unlock(task.key)
}

// stageDownloads advertises held blocks and requests wanted ones, skipping
// peers known to hold the block already.
func (e *Engine) stageDownloads() {
	if !e.enoughPeers() {
		return
	}
	var held []types.Key
	for _, key := range e.headers.Keys() {
		if e.blocks.Contains(key) {
			held = append(held, key)
		}
	}
	if len(held) > maxAdvertiseKeys {
		e.randMu.Lock()
		e.rand.Shuffle(len(held), func(i, j int) { held[i], held[j] = held[j], held[i] })
		e.randMu.Unlock()
		held = held[:maxAdvertiseKeys]
	}
	for _, key := range held {
		id := key.ID()
		for _, n := range e.GetSearchNode(types.TargetID(key.Hash), uploadReplicas) {
			h := e.handleFor(n.ID)
			if h == nil || h.state.Contains(Pull, KindBlocksLink, id) {
				continue
			}
			h.state.StageBlocksLink(key)
		}
	}

	e.workMu.Lock()
	wanted := make([]types.Key, 0, len(e.downloads))
	for id, key := range e.downloads {
		if e.blocks.Contains(key) {
			delete(e.downloads, id)
			continue
		}
		wanted = append(wanted, key)
	}
	e.workMu.Unlock()
	if len(wanted) == 0 {
		return
	}
	handles := e.handles()
	for _, key := range wanted {
		id := key.ID()
		staged := 0
		for _, h := range handles {
			if h.state.Contains(Pull, KindBlocksLink, id) && h.state.StageBlocksRequest(key) {
				staged++
			}
		}
		if staged > 0 {
			continue
		}
		for _, n := range e.GetSearchNode(types.TargetID(key.Hash), uploadReplicas) {
			if h := e.handleFor(n.ID); h != nil {
				h.state.StageBlocksRequest(key)
			}
		}
	}
}

// stageHeaderRequests asks the best peer for every held link and for every
// link the host registered interest in.
func (e *Engine) stageHeaderRequests() {
	if e.connectedCount() == 0 {
		return
	}
	for _, link := range e.headers.Links() {
		e.stageHeaderRequest(link)
	}
	e.workMu.Lock()
	pending := make([]types.Link, 0, len(e.interest))
	for _, link := range e.interest {
		pending = append(pending, link)
	}
	e.workMu.Unlock()
	for _, link := range pending {
		if e.stageHeaderRequest(link) {
			e.workMu.Lock()
			delete(e.interest, link.ID())
			e.workMu.Unlock()
		}
	}
}

func (e *Engine) stageHeaderRequest(link types.Link) bool {
	for _, n := range e.GetSearchNode(link.Target(), 1) {
		if h := e.handleFor(n.ID); h != nil {
			h.state.StageHeadersRequest(link)
			return true
		}
	}
	return false
}

// evictWorst drops the least useful outbound peer when outbound slots have
// been full and unchanged for a whole interval.
func (e *Engine) evictWorst() {
	now := e.clock.Now()
	e.mu.Lock()
	full := e.outbound >= e.cfg.outboundLimit()
	stable := now.Sub(e.outboundChange) >= evictInterval
	var outbound []*linkHandle
	for _, h := range e.links {
		if !h.inbound {
			outbound = append(outbound, h)
		}
	}
	e.mu.Unlock()
	if !full || !stable || len(outbound) == 0 {
		return
	}
	sort.Slice(outbound, func(i, j int) bool {
		pi, pj := outbound[i].state.LastPull(), outbound[j].state.LastPull()
		if !pi.Equal(pj) {
			return pi.Before(pj)
		}
		return responseLess(outbound[j].state.ResponseTime(), outbound[i].state.ResponseTime())
	})
	worst := outbound[0]
	e.logPeer("Evicting worst outbound peer", worst)
	worst.link.Close(errEvicted)
}

// collect runs header GC unless a collection or gossip pass is in progress.
func (e *Engine) collect() {
	if !e.gcMu.TryLock() {
		return
	}
	defer e.gcMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Header collection failed", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	e.trustMu.RLock()
	provider := e.trust
	e.trustMu.RUnlock()
	var criteria []types.TrustCriterion
	if provider != nil {
		criteria = provider.GetCriteria()
	}
	stats := e.headers.Collect(criteria)
	e.reputation.Prune(e.clock.Now())
	e.metrics.recordCollection(stats.HeadersDropped, stats.Remaining)
	e.logger.Debug("Header collection finished",
		slog.Int("links_dropped", stats.LinksDropped),
		slog.Int("headers_dropped", stats.HeadersDropped),
		slog.Int("remaining", stats.Remaining))
}

func (e *Engine) seedSource() (SeedFunc, time.Duration) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.seedFn, e.seedEvery
}

func (e *Engine) refreshSeeds(ctx context.Context, fn SeedFunc) {
	if !e.seedMu.TryLock() {
		return
	}
	defer e.seedMu.Unlock()
	nodes, err := fn(ctx)
	if err != nil {
		e.logger.Warn("Seed refresh failed", slog.Any("error", err))
	}
	if len(nodes) > 0 {
		e.AddSeeds(nodes)
	}
}
