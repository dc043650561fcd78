package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"veilnet/core/types"
	"veilnet/transport"
)

func newIdentity(t *testing.T) *Identity {
	t.Helper()
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func nodeOf(id *Identity, addrs ...string) types.Node {
	return types.Node{ID: id.NodeID, Addresses: addrs}
}

type handshakeOutcome struct {
	res *handshakeResult
	err error
}

func TestHandshakeExchangesNodes(t *testing.T) {
	a, b := transport.Pipe()
	defer a.Close(time.Second)
	defer b.Close(time.Second)
	alice, bob := newIdentity(t), newIdentity(t)

	ctx := context.Background()
	done := make(chan handshakeOutcome, 1)
	go func() {
		res, err := performHandshake(ctx, b, nodeOf(bob, "tcp://10.0.0.2:7400"), bob.PrivateKey, time.Second)
		done <- handshakeOutcome{res, err}
	}()
	res, err := performHandshake(ctx, a, nodeOf(alice, "tcp://10.0.0.1:7400"), alice.PrivateKey, time.Second)
	if err != nil {
		t.Fatalf("alice handshake: %v", err)
	}
	other := <-done
	if other.err != nil {
		t.Fatalf("bob handshake: %v", other.err)
	}
	if res.Remote.ID != bob.NodeID || other.res.Remote.ID != alice.NodeID {
		t.Fatalf("handshake learned the wrong node ids")
	}
	if res.Version != protocolVersion {
		t.Fatalf("unexpected version %d", res.Version)
	}
	if string(res.LocalSession) != string(other.res.RemoteSession) || string(res.RemoteSession) != string(other.res.LocalSession) {
		t.Fatalf("session ids do not cross-match")
	}
	if len(res.LocalSession) != MaxNonceSize {
		t.Fatalf("expected %d byte session id, got %d", MaxNonceSize, len(res.LocalSession))
	}
}

func TestHandshakeRejectsUnsupportedVersion(t *testing.T) {
	a, b := transport.Pipe()
	defer a.Close(time.Second)
	defer b.Close(time.Second)
	hello, _ := json.Marshal(helloMessage{Type: helloType, Versions: []uint32{99}})
	if err := b.Send(hello, time.Second); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	_, err := performHandshake(context.Background(), a, nodeOf(newIdentity(t)), newIdentity(t).PrivateKey, time.Second)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected unsupported version, got %v", err)
	}
	if !IsProtocolViolation(err) {
		t.Fatalf("version mismatch should count as a violation")
	}
}

func TestHandshakeRejectsForeignNodeID(t *testing.T) {
	a, b := transport.Pipe()
	defer a.Close(time.Second)
	defer b.Close(time.Second)
	alice, mallory, victim := newIdentity(t), newIdentity(t), newIdentity(t)

	go func() {
		// mallory claims victim's id but signs with her own key.
		_, _ = performHandshake(context.Background(), b, nodeOf(victim), mallory.PrivateKey, time.Second)
	}()
	_, err := performHandshake(context.Background(), a, nodeOf(alice), alice.PrivateKey, time.Second)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected violation, got %v", err)
	}
}

func TestHandshakeTimesOut(t *testing.T) {
	a, b := transport.Pipe()
	defer a.Close(time.Second)
	defer b.Close(time.Second)
	alice := newIdentity(t)
	_, err := performHandshake(context.Background(), a, nodeOf(alice), alice.PrivateKey, 50*time.Millisecond)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected handshake timeout, got %v", err)
	}
}

func TestNegotiateVersionPicksHighestCommon(t *testing.T) {
	if v, ok := negotiateVersion([]uint32{1, 2, 3}, []uint32{2, 3, 4}); !ok || v != 3 {
		t.Fatalf("expected 3, got %d %v", v, ok)
	}
	if _, ok := negotiateVersion([]uint32{1}, []uint32{2}); ok {
		t.Fatalf("expected no common version")
	}
}
