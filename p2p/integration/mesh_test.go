package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"veilnet/core/types"
	"veilnet/headers"
	"veilnet/p2p"
	"veilnet/p2p/seeds"
	"veilnet/routing"
	"veilnet/storage"
	"veilnet/transport"
)

type meshNode struct {
	engine *p2p.Engine
	store  *p2p.Peerstore
	id     *p2p.Identity
	addr   string
}

func newMeshNode(t *testing.T, mock *clock.Mock, dir string, id *p2p.Identity, static []types.Node) *meshNode {
	t.Helper()
	ln, err := transport.ListenTCP("tcp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	store, err := p2p.NewPeerstore(filepath.Join(dir, id.NodeID.Short()+"-peers.db"), 50*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("peerstore: %v", err)
	}

	cfg := p2p.DefaultEngineConfig()
	cfg.Addresses = []string{ln.Addr()}
	cfg.Clock = mock
	cfg.ReadRate = rate.Inf
	cfg.AcceptRate = 0
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.DiscoveryLoops = 1
	cfg.AcceptLoops = 1

	engine := p2p.NewEngine(cfg, id, routing.NewKBucketTable(id.NodeID), storage.NewMemBlockStore(),
		headers.New(headers.WithClock(mock)), transport.Mux{"tcp": transport.NewTCPConnector(5 * time.Second)})
	engine.AddListener(ln)
	engine.SetPeerstore(store)
	if len(static) > 0 {
		engine.SetSeedSource(seeds.Source(nil, static, nil, mock.Now), time.Minute)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	n := &meshNode{engine: engine, store: store, id: id, addr: ln.Addr()}
	t.Cleanup(n.stop)
	return n
}

func (n *meshNode) stop() {
	_ = n.engine.Close()
	_ = n.store.Close()
}

func (n *meshNode) connectedTo(others ...*meshNode) bool {
	peers := make(map[types.NodeID]bool)
	for _, node := range n.engine.Nodes() {
		peers[node.ID] = true
	}
	for _, o := range others {
		if !peers[o.id.NodeID] {
			return false
		}
	}
	return true
}

func mustIdentity(t *testing.T) *p2p.Identity {
	t.Helper()
	id, err := p2p.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func advanceUntil(t *testing.T, mock *clock.Mock, limit time.Duration, what string, cond func() bool) {
	t.Helper()
	for elapsed := time.Duration(0); elapsed <= limit; elapsed += time.Second {
		if cond() {
			return
		}
		mock.Add(time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMeshFormsFromSingleSeed(t *testing.T) {
	if testing.Short() {
		t.Skip("opens TCP sockets")
	}
	mock := clock.NewMock()
	mock.Set(time.Now())
	dir := t.TempDir()

	n1 := newMeshNode(t, mock, dir, mustIdentity(t), nil)
	seed, err := seeds.ParseStatic(n1.id.NodeID.String() + "@" + n1.addr)
	if err != nil {
		t.Fatalf("parse seed: %v", err)
	}
	n2 := newMeshNode(t, mock, dir, mustIdentity(t), []types.Node{seed})
	n3 := newMeshNode(t, mock, dir, mustIdentity(t), []types.Node{seed})

	advanceUntil(t, mock, 2*time.Minute, "seed connections", func() bool {
		return n1.connectedTo(n2, n3)
	})
	// n2 and n3 only learn of each other through the seed's node gossip.
	advanceUntil(t, mock, 20*time.Minute, "gossiped connection", func() bool {
		return n2.connectedTo(n1, n3) && n3.connectedTo(n1, n2)
	})

	if _, ok := n2.store.Get(n3.id.NodeID); !ok {
		t.Fatalf("expected n2 to persist the gossiped node")
	}
	info := n1.engine.Information()
	if info.Inbound+info.Outbound != 2 || info.PushedNodes == 0 {
		t.Fatalf("unexpected seed info %+v", info)
	}
}

func TestMeshRestartsFromPeerstore(t *testing.T) {
	if testing.Short() {
		t.Skip("opens TCP sockets")
	}
	mock := clock.NewMock()
	mock.Set(time.Now())
	dir := t.TempDir()

	n1 := newMeshNode(t, mock, dir, mustIdentity(t), nil)
	seed, err := seeds.ParseStatic(n1.id.NodeID.String() + "@" + n1.addr)
	if err != nil {
		t.Fatalf("parse seed: %v", err)
	}
	id2 := mustIdentity(t)
	n2 := newMeshNode(t, mock, dir, id2, []types.Node{seed})
	advanceUntil(t, mock, 2*time.Minute, "seed connection", func() bool {
		return n2.connectedTo(n1)
	})
	n2.stop()
	advanceUntil(t, mock, time.Minute, "disconnect", func() bool {
		return len(n1.engine.Nodes()) == 0
	})

	// Same identity and peerstore, no seeds.
	restarted := newMeshNode(t, mock, dir, id2, nil)
	advanceUntil(t, mock, 5*time.Minute, "reconnect from peerstore", func() bool {
		return restarted.connectedTo(n1)
	})
}
