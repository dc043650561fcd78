package p2p

import (
	"context"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"veilnet/core/types"
	"veilnet/headers"
	"veilnet/routing"
	"veilnet/storage"
	"veilnet/transport"
)

type testEngine struct {
	*Engine
	blocks  *storage.MemBlockStore
	headers *headers.Store
	addr    string
}

func newTestEngine(t *testing.T, network *transport.MemoryNetwork, mock *clock.Mock, addr string, limit int) *testEngine {
	t.Helper()
	id := newIdentity(t)
	cfg := DefaultEngineConfig()
	cfg.ConnectionCountLimit = limit
	cfg.Addresses = []string{addr}
	cfg.Clock = mock
	cfg.Rand = mrand.New(mrand.NewPCG(1, 2))
	cfg.ReadRate = rate.Inf
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.DiscoveryLoops = 1
	cfg.AcceptLoops = 1
	// Every in-memory remote shares a host, and a mock clock never refills tokens.
	cfg.AcceptRate = 0

	blocks := storage.NewMemBlockStore()
	store := headers.New(headers.WithClock(mock))
	e := NewEngine(cfg, id, routing.NewKBucketTable(id.NodeID), blocks, store, network)
	ln, err := network.Listen(addr)
	if err != nil {
		t.Fatalf("listen %s: %v", addr, err)
	}
	e.AddListener(ln)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if err := e.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return &testEngine{Engine: e, blocks: blocks, headers: store, addr: addr}
}

// advanceUntil steps the mock clock a second at a time until cond holds.
func advanceUntil(t *testing.T, mock *clock.Mock, limit time.Duration, cond func() bool) {
	t.Helper()
	for elapsed := time.Duration(0); elapsed <= limit; elapsed += time.Second {
		if cond() {
			return
		}
		mock.Add(time.Second)
		time.Sleep(3 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s of mock time", limit)
}

func waitReal(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func TestEngineDialsSeed(t *testing.T) {
	mock := newMockClock()
	mock.Set(time.Now())
	network := transport.NewMemoryNetwork()
	a := newTestEngine(t, network, mock, "mem://a:1", 12)
	b := newTestEngine(t, network, mock, "mem://b:1", 12)

	b.AddSeeds([]types.Node{a.BaseNode()})
	advanceUntil(t, mock, time.Minute, func() bool {
		return len(a.Nodes()) == 1 && len(b.Nodes()) == 1
	})
	if info := a.Information(); info.Inbound != 1 || info.Outbound != 0 {
		t.Fatalf("unexpected seed counts %+v", info)
	}
	if info := b.Information(); info.Outbound != 1 || info.KnownNodes == 0 {
		t.Fatalf("unexpected dialer counts %+v", info)
	}
	if got := b.Nodes()[0].ID; got != a.BaseNode().ID {
		t.Fatalf("connected to %s, want %s", got.Short(), a.BaseNode().ID.Short())
	}
}

func TestEngineDeliversRequestedHeadersWithContent(t *testing.T) {
	mock := newMockClock()
	mock.Set(time.Now())
	network := transport.NewMemoryNetwork()
	a := newTestEngine(t, network, mock, "mem://a:1", 12)
	b := newTestEngine(t, network, mock, "mem://b:1", 12)

	body := []byte("a short post that fits inline")
	lobby := testLink(types.LinkChat, "lobby")
	h := signedHeader(t, lobby, types.HeaderMessage, mock.Now().Add(-time.Minute), body)
	if err := a.blocks.Put(h.Key, body); err != nil {
		t.Fatalf("put block: %v", err)
	}
	if err := a.Upload(h); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !a.blocks.Locked(h.Key) {
		t.Fatalf("expected upload to pin its block")
	}

	b.AddSeeds([]types.Node{a.BaseNode()})
	b.RequestHeaders(lobby)
	advanceUntil(t, mock, 15*time.Minute, func() bool {
		return len(b.GetHeaders(lobby, types.HeaderMessage)) == 1 && b.blocks.Contains(h.Key)
	})
	got, err := b.blocks.Get(h.Key)
	if err != nil || string(got) != string(body) {
		t.Fatalf("unexpected block %q: %v", got, err)
	}
	if info := b.Information(); info.PulledHeaders == 0 || info.PushedHeadersRequest == 0 {
		t.Fatalf("expected header counters to move, got %+v", info)
	}
}

func TestEngineCancelUploadUnpins(t *testing.T) {
	mock := newMockClock()
	mock.Set(time.Now())
	a := newTestEngine(t, transport.NewMemoryNetwork(), mock, "mem://a:1", 12)

	body := []byte("pinned")
	h := signedHeader(t, testLink(types.LinkSection, "news"), types.HeaderMessage, mock.Now(), body)
	if err := a.blocks.Put(h.Key, body); err != nil {
		t.Fatalf("put block: %v", err)
	}
	if err := a.Upload(h); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if info := a.Information(); info.PendingUploads != 1 || info.Headers != 1 {
		t.Fatalf("unexpected info %+v", info)
	}
	a.CancelUpload(h.Key)
	if a.blocks.Locked(h.Key) {
		t.Fatalf("expected cancel to release the pin")
	}
	if info := a.Information(); info.PendingUploads != 0 {
		t.Fatalf("expected no pending uploads, got %d", info.PendingUploads)
	}

	a.Download(h.Key)
	if info := a.Information(); info.PendingDownloads != 0 {
		t.Fatalf("held blocks must not be queued for download")
	}
	a.Download(types.NewKey([]byte("missing")))
	if info := a.Information(); info.PendingDownloads != 1 {
		t.Fatalf("expected one pending download, got %d", info.PendingDownloads)
	}
}

func TestEngineRejectsOverLimitWithNodes(t *testing.T) {
	mock := newMockClock()
	mock.Set(time.Now())
	network := transport.NewMemoryNetwork()
	a := newTestEngine(t, network, mock, "mem://a:1", 3)

	dial := func(i int, id *Identity) *PeerLink {
		t.Helper()
		tr, err := network.Dial(context.Background(), a.addr)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		link := NewPeerLink(tr, false, testLinkOptions())
		if err := link.Handshake(context.Background(), nodeOf(id, fmt.Sprintf("mem://raw-%d:1", i)), id.PrivateKey); err != nil {
			t.Fatalf("handshake %d: %v", i, err)
		}
		link.Start()
		t.Cleanup(func() { link.Close(nil) })
		return link
	}

	// Two thirds of three slots are inbound.
	dial(0, newIdentity(t))
	dial(1, newIdentity(t))
	waitReal(t, func() bool { return a.Information().Inbound == 2 })

	// The rejected peer is already known and must not be sent back to itself.
	late := newIdentity(t)
	a.routing.Add(nodeOf(late, "mem://raw-2:1"))
	third := dial(2, late)
	var courtesy []types.Node
	for ev := range third.Events() {
		if nodes, ok := ev.(NodesReceived); ok {
			courtesy = nodes.Nodes
		}
	}
	if len(courtesy) != 2 {
		t.Fatalf("expected the two connected peers as courtesy nodes, got %d", len(courtesy))
	}
	for _, n := range courtesy {
		if n.ID == late.NodeID {
			t.Fatalf("rejected peer received its own descriptor")
		}
	}
	if !errors.Is(third.Err(), ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", third.Err())
	}
	if info := a.Information(); info.Inbound != 2 {
		t.Fatalf("rejected peer must not be registered, inbound=%d", info.Inbound)
	}
}

func TestEngineLifecycle(t *testing.T) {
	mock := newMockClock()
	id := newIdentity(t)
	e := NewEngine(EngineConfig{Clock: mock, Metrics: false}, id, routing.NewKBucketTable(id.NodeID),
		storage.NewMemBlockStore(), headers.New(headers.WithClock(mock)), transport.NewMemoryNetwork())

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrEngineStarted) {
		t.Fatalf("expected ErrEngineStarted, got %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
	h := signedHeader(t, testLink(types.LinkSection, "news"), types.HeaderMessage, mock.Now(), []byte("x"))
	if err := e.Upload(h); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed from upload, got %v", err)
	}
}

func TestEngineSkipsSelfAndBannedSeeds(t *testing.T) {
	mock := newMockClock()
	id := newIdentity(t)
	table := routing.NewKBucketTable(id.NodeID)
	e := NewEngine(EngineConfig{Clock: mock}, id, table, storage.NewMemBlockStore(), headers.New(), transport.NewMemoryNetwork())

	banned := testNode(9, "mem://banned:1")
	for range 3 {
		e.reputation.PenalizeViolation(banned.ID, mock.Now())
	}
	e.AddSeeds([]types.Node{e.BaseNode(), banned, testNode(4, "mem://ok:1")})
	if table.Count() != 1 {
		t.Fatalf("expected only the acceptable seed in routing, got %d", table.Count())
	}
	if n, ok := e.pickCandidate(); !ok || n.ID != testNode(4).ID {
		t.Fatalf("expected the acceptable seed as candidate, got %v %v", n.ID.Short(), ok)
	}
}
