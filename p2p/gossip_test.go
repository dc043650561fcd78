package p2p

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"veilnet/core/types"
	"veilnet/headers"
	"veilnet/routing"
	"veilnet/storage"
	"veilnet/transport"
)

// newIdleEngine builds an engine that is never started; tests drive its
// passes directly.
func newIdleEngine(t *testing.T, mock *clock.Mock, limit int) (*Engine, *storage.MemBlockStore) {
	t.Helper()
	id := newIdentity(t)
	blocks := storage.NewMemBlockStore()
	e := NewEngine(EngineConfig{Clock: mock, ConnectionCountLimit: limit}, id, routing.NewKBucketTable(id.NodeID),
		blocks, headers.New(headers.WithClock(mock)), transport.NewMemoryNetwork())
	return e, blocks
}

// attachHandle registers a link to node without a handshake or peer loop.
func attachHandle(t *testing.T, e *Engine, node types.Node, inbound bool) *linkHandle {
	t.Helper()
	tr, _ := transport.Pipe()
	link := NewPeerLink(tr, inbound, testLinkOptions())
	link.remote = node
	t.Cleanup(func() { link.Close(nil) })
	h := &linkHandle{
		id:          uuid.New(),
		link:        link,
		state:       e.states.Get(node.ID),
		inbound:     inbound,
		connectedAt: e.clock.Now(),
	}
	e.mu.Lock()
	e.links[h.id] = h
	e.byNode[node.ID] = h.id
	if inbound {
		e.inbound++
	} else {
		e.outbound++
	}
	e.mu.Unlock()
	e.invalidateSearch()
	return h
}

func TestEngineExchangesLargeBlockOnRequest(t *testing.T) {
	mock := newMockClock()
	mock.Set(time.Now())
	network := transport.NewMemoryNetwork()
	a := newTestEngine(t, network, mock, "mem://a:1", 12)
	b := newTestEngine(t, network, mock, "mem://b:1", 12)

	body := bytes.Repeat([]byte("veil"), 25<<10)
	if len(body) <= attachLimit {
		t.Fatalf("body of %d bytes would be attached inline", len(body))
	}
	lobby := testLink(types.LinkChat, "lobby")
	h := signedHeader(t, lobby, types.HeaderMessage, mock.Now().Add(-time.Minute), body)
	if err := a.blocks.Put(h.Key, body); err != nil {
		t.Fatalf("put block: %v", err)
	}
	if _, err := a.headers.SetHeader(h); err != nil {
		t.Fatalf("set header: %v", err)
	}

	b.AddSeeds([]types.Node{a.BaseNode()})
	b.RequestHeaders(lobby)
	advanceUntil(t, mock, 30*time.Minute, func() bool {
		infoA, infoB := a.Information(), b.Information()
		return b.blocks.Contains(h.Key) && infoA.PushedBlocksLink > 0 && infoB.PulledBlocksLink > 0
	})

	got, err := b.blocks.Get(h.Key)
	if err != nil || !bytes.Equal(got, body) {
		t.Fatalf("block mismatch after transfer: %v", err)
	}
	infoA, infoB := a.Information(), b.Information()
	if infoA.PulledBlocksRequest == 0 || infoA.PushedBlocks == 0 {
		t.Fatalf("serving side counters did not move: %+v", infoA)
	}
	if infoB.PushedBlocksRequest == 0 || infoB.PulledBlocks == 0 {
		t.Fatalf("requesting side counters did not move: %+v", infoB)
	}
	stateAB, ok := a.states.Peek(b.identity.NodeID)
	if !ok || stateAB.Priority() >= 0 {
		t.Fatalf("serving a request should lower the requester's priority")
	}
	stateBA, ok := b.states.Peek(a.identity.NodeID)
	if !ok || stateBA.Priority() <= 0 {
		t.Fatalf("a served request should raise the server's priority")
	}
}

func TestEngineUploadUnpinsAfterServing(t *testing.T) {
	mock := newMockClock()
	mock.Set(time.Now())
	network := transport.NewMemoryNetwork()
	a := newTestEngine(t, network, mock, "mem://a:1", 12)
	b := newTestEngine(t, network, mock, "mem://b:1", 12)

	body := []byte("pushed without being asked")
	h := signedHeader(t, testLink(types.LinkSection, "news"), types.HeaderMessage, mock.Now(), body)
	if err := a.blocks.Put(h.Key, body); err != nil {
		t.Fatalf("put block: %v", err)
	}
	if err := a.Upload(h); err != nil {
		t.Fatalf("upload: %v", err)
	}

	b.AddSeeds([]types.Node{a.BaseNode()})
	advanceUntil(t, mock, 5*time.Minute, func() bool {
		return b.blocks.Contains(h.Key) && !a.blocks.Locked(h.Key)
	})
	if info := a.Information(); info.PendingUploads != 0 || info.PushedBlocks == 0 {
		t.Fatalf("upload should be settled, got %+v", info)
	}
	if info := b.Information(); info.PulledBlocks == 0 {
		t.Fatalf("expected the block to be counted as pulled, got %+v", info)
	}
}

func TestStageUploadsSkipsServedTargets(t *testing.T) {
	mock := newMockClock()
	e, blocks := newIdleEngine(t, mock, 12)
	served := attachHandle(t, e, testNode(2, "mem://served:1"), false)
	pending := attachHandle(t, e, testNode(3, "mem://pending:1"), false)

	body := []byte("replicated twice")
	h := signedHeader(t, testLink(types.LinkSection, "news"), types.HeaderMessage, mock.Now(), body)
	if err := blocks.Put(h.Key, body); err != nil {
		t.Fatalf("put block: %v", err)
	}
	if err := e.Upload(h); err != nil {
		t.Fatalf("upload: %v", err)
	}
	e.workMu.Lock()
	task := e.uploads[h.Key.ID()]
	task.targets[served.link.Remote().ID] = true
	task.served = 1
	e.workMu.Unlock()

	e.stageUploads()

	if _, ok := served.state.TakeUpload(); ok {
		t.Fatalf("a served target must not be staged again")
	}
	key, ok := pending.state.TakeUpload()
	if !ok || !key.Equal(h.Key) {
		t.Fatalf("expected the upload staged for the pending target")
	}
	if !blocks.Locked(h.Key) {
		t.Fatalf("pin must hold until every target is served")
	}
	e.uploadServed(h.Key, pending.link.Remote().ID, true)
	if blocks.Locked(h.Key) {
		t.Fatalf("pin should be released once every target is served")
	}
}

func TestEngineClosesUnresponsivePeer(t *testing.T) {
	mock := newMockClock()
	mock.Set(time.Now())
	network := transport.NewMemoryNetwork()
	a := newTestEngine(t, network, mock, "mem://a:1", 12)

	tr, err := network.Dial(context.Background(), a.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	id := newIdentity(t)
	quiet := NewPeerLink(tr, false, testLinkOptions())
	if err := quiet.Handshake(context.Background(), nodeOf(id, "mem://quiet:1"), id.PrivateKey); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	quiet.Start()
	t.Cleanup(func() { quiet.Close(nil) })
	go func() {
		for range quiet.Events() {
		}
	}()
	waitReal(t, func() bool { return a.Information().Inbound == 1 })

	mock.Add(unresponsiveTimeout - time.Minute)
	time.Sleep(20 * time.Millisecond)
	if a.Information().Inbound != 1 {
		t.Fatalf("peer closed before the unresponsive timeout")
	}
	advanceUntil(t, mock, 5*time.Minute, func() bool { return a.Information().Inbound == 0 })
	waitClosed(t, quiet)
	if score := a.reputation.Score(id.NodeID, mock.Now()); score >= 0 {
		t.Fatalf("unresponsive peer should be penalized, score=%d", score)
	}
}

func TestEvictWorstPrefersStalestThenSlowest(t *testing.T) {
	mock := newMockClock()
	e, _ := newIdleEngine(t, mock, 9)
	start := mock.Now()

	inbound := attachHandle(t, e, testNode(1, "mem://in:1"), true)
	fast := attachHandle(t, e, testNode(2, "mem://fast:1"), false)
	slow := attachHandle(t, e, testNode(3, "mem://slow:1"), false)
	fresh := attachHandle(t, e, testNode(4, "mem://fresh:1"), false)
	e.mu.Lock()
	e.outboundChange = start
	e.mu.Unlock()

	fast.state.MarkPulled(0)
	fast.state.SetResponseTime(10 * time.Millisecond)
	slow.state.MarkPulled(0)
	slow.state.SetResponseTime(80 * time.Millisecond)
	mock.Add(10 * time.Minute)
	fresh.state.MarkPulled(0)
	fresh.state.SetResponseTime(50 * time.Millisecond)

	e.evictWorst()
	if slow.link.Err() != nil {
		t.Fatalf("outbound set changed too recently to evict")
	}

	mock.Add(evictInterval)
	e.evictWorst()
	if !errors.Is(slow.link.Err(), errEvicted) {
		t.Fatalf("expected the slowest of the stalest peers evicted, got %v", slow.link.Err())
	}
	for _, h := range []*linkHandle{inbound, fast, fresh} {
		if err := h.link.Err(); err != nil {
			t.Fatalf("peer %s should survive, closed with %v", h.link.Remote().ID.Short(), err)
		}
	}
}

func TestCollectSkipsWhileGossipPassRuns(t *testing.T) {
	mock := newMockClock()
	e, _ := newIdleEngine(t, mock, 12)
	e.reputation.PenalizeUnresponsive(testNode(5).ID, mock.Now())
	mock.Add(24 * time.Hour)

	records := func() int {
		e.reputation.mu.Lock()
		defer e.reputation.mu.Unlock()
		return len(e.reputation.records)
	}
	e.gcMu.Lock()
	e.collect()
	if records() != 1 {
		t.Fatalf("collection must not run while a gossip pass holds the lock")
	}
	e.gcMu.Unlock()
	e.collect()
	if records() != 0 {
		t.Fatalf("expected the decayed record collected, %d left", records())
	}
}

func TestSeedSourceInstalledAfterStart(t *testing.T) {
	mock := newMockClock()
	mock.Set(time.Now())
	a := newTestEngine(t, transport.NewMemoryNetwork(), mock, "mem://a:1", 12)

	var calls atomic.Int32
	a.SetSeedSource(func(context.Context) ([]types.Node, error) {
		calls.Add(1)
		return []types.Node{testNode(6, "mem://seed:1")}, nil
	}, time.Minute)
	advanceUntil(t, mock, 10*time.Second, func() bool { return calls.Load() > 0 })
	waitReal(t, func() bool { return a.Information().KnownNodes > 0 })
}
