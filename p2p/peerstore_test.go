package p2p

import (
	"path/filepath"
	"testing"
	"time"

	"veilnet/core/types"
)

func newTestPeerstore(t *testing.T) (*Peerstore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peers.db")
	store, err := NewPeerstore(path, 500*time.Millisecond, 5*time.Second)
	if err != nil {
		t.Fatalf("new peerstore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, path
}

func testNode(b byte, addrs ...string) types.Node {
	var id types.NodeID
	for i := range id {
		id[i] = b
	}
	if len(addrs) == 0 {
		addrs = []string{"127.0.0.1:7400"}
	}
	return types.Node{ID: id, Addresses: addrs}
}

func TestPeerstoreBanExpiry(t *testing.T) {
	store, _ := newTestPeerstore(t)
	n := testNode(1)
	now := time.Unix(0, 0)
	if err := store.Put(n, now); err != nil {
		t.Fatalf("put: %v", err)
	}
	until := now.Add(2 * time.Minute)
	if err := store.SetBan(n.ID, until); err != nil {
		t.Fatalf("set ban: %v", err)
	}
	if !store.IsBanned(n.ID, now.Add(time.Minute)) {
		t.Fatalf("expected node to be banned before expiry")
	}
	if store.IsBanned(n.ID, until.Add(time.Second)) {
		t.Fatalf("expected ban to expire")
	}
	if got := store.Nodes(now.Add(time.Minute)); len(got) != 0 {
		t.Fatalf("banned nodes must not be listed, got %d", len(got))
	}
}

func TestPeerstoreBackoffGrowthAndReset(t *testing.T) {
	store, _ := newTestPeerstore(t)
	n := testNode(2)
	base := 500 * time.Millisecond
	now := time.Unix(0, 0)
	if err := store.Put(n, now); err != nil {
		t.Fatalf("put: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.RecordFail(n.ID, now); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
		delay := base * time.Duration(1<<uint(i))
		if delay > 5*time.Second {
			delay = 5 * time.Second
		}
		if dial := store.NextDialAt(n.ID, now); !dial.Equal(now.Add(delay)) {
			t.Fatalf("fail %d: expected dial at %v got %v", i, now.Add(delay), dial)
		}
		now = now.Add(10 * time.Millisecond)
	}
	if _, err := store.RecordSuccess(n.ID, now); err != nil {
		t.Fatalf("success: %v", err)
	}
	if dial := store.NextDialAt(n.ID, now); !dial.Equal(now) {
		t.Fatalf("expected backoff reset to now got %v", dial)
	}
}

func TestPeerstoreSurvivesReopen(t *testing.T) {
	store, path := newTestPeerstore(t)
	n := testNode(3, "tcp://10.0.0.3:7400", "quic://10.0.0.3:7401")
	now := time.Unix(100, 0)
	if err := store.Put(n, now); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.RecordFail(n.ID, now); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewPeerstore(path, time.Second, time.Minute)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	entry, ok := reopened.Get(n.ID)
	if !ok {
		t.Fatalf("expected entry after reopen")
	}
	if entry.Fails != 1 || len(entry.Addresses) != 2 {
		t.Fatalf("unexpected entry %+v", entry)
	}
	nodes := reopened.Nodes(now)
	if len(nodes) != 1 || nodes[0].ID != n.ID {
		t.Fatalf("expected reopened node, got %+v", nodes)
	}
}

func TestPeerstoreRejectsInvalidNode(t *testing.T) {
	store, _ := newTestPeerstore(t)
	if err := store.Put(types.Node{}, time.Unix(0, 0)); err == nil {
		t.Fatalf("expected zero node id to be rejected")
	}
	if _, err := store.RecordFail(testNode(9).ID, time.Unix(0, 0)); err == nil {
		t.Fatalf("expected unknown node to fail")
	}
}

func TestPeerstorePruneDropsStaleAndOverflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	store, err := NewPeerstore(path, 0, 0, WithPeerstoreLimit(3), WithStaleAfter(time.Hour))
	if err != nil {
		t.Fatalf("new peerstore: %v", err)
	}
	defer store.Close()

	start := time.Unix(1_000, 0)
	stale, banned := testNode(1), testNode(2)
	oldest, middle, newest := testNode(3), testNode(4), testNode(5)
	for i, n := range []types.Node{stale, banned, oldest, middle, newest} {
		if err := store.Put(n, start.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	now := start.Add(2 * time.Hour)
	for i, n := range []types.Node{oldest, middle, newest} {
		if err := store.Put(n, now.Add(-time.Duration(3-i)*time.Minute)); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}
	if err := store.SetBan(banned.ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("ban: %v", err)
	}

	removed, err := store.Prune(now)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}
	for _, n := range []types.Node{stale, oldest} {
		if _, ok := store.Get(n.ID); ok {
			t.Fatalf("expected %s to be pruned", n.ID.Short())
		}
	}
	for _, n := range []types.Node{banned, middle, newest} {
		if _, ok := store.Get(n.ID); !ok {
			t.Fatalf("expected %s to survive", n.ID.Short())
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := NewPeerstore(path, 0, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Len() != 3 {
		t.Fatalf("expected 3 entries after reopen, got %d", reopened.Len())
	}
}
