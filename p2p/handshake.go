package p2p

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"veilnet/core/types"
	"veilnet/crypto"
	"veilnet/transport"
)

const (
	protocolVersion uint32 = 1
	helloType              = "veilnet/hello"

	// DefaultHandshakeTimeout bounds the whole handshake.
	DefaultHandshakeTimeout = 30 * time.Second

	maxHelloSize = 1024
	maxProofSize = 8 * 1024
)

var supportedVersions = []uint32{protocolVersion}

var handshakeDomain = []byte("veilnet/handshake/v1")

type helloMessage struct {
	Type     string   `json:"type"`
	Versions []uint32 `json:"versions"`
}

// handshakeResult is what both sides learned about each other.
type handshakeResult struct {
	Version       uint32
	LocalSession  []byte
	RemoteSession []byte
	Remote        types.Node
}

// performHandshake runs version negotiation, session-id exchange and the node
// exchange. The node descriptor carries a signature over both session ids,
// binding the claimed NodeID to the key that controls it.
func performHandshake(ctx context.Context, tr transport.Transport, local types.Node, key *crypto.PrivateKey, timeout time.Duration) (*handshakeResult, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := runHandshake(ctx, tr, local, key)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		return nil, err
	}
	return res, nil
}

func runHandshake(ctx context.Context, tr transport.Transport, local types.Node, key *crypto.PrivateKey) (*handshakeResult, error) {
	hello, err := json.Marshal(helloMessage{Type: helloType, Versions: supportedVersions})
	if err != nil {
		return nil, fmt.Errorf("encode hello: %w", err)
	}
	if err := send(ctx, tr, hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	raw, err := receive(ctx, tr, maxHelloSize)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	var remoteHello helloMessage
	if err := json.Unmarshal(raw, &remoteHello); err != nil || remoteHello.Type != helloType {
		return nil, violation("malformed hello")
	}
	version, ok := negotiateVersion(supportedVersions, remoteHello.Versions)
	if !ok {
		return nil, fmt.Errorf("%w: remote offers %v", ErrUnsupportedVersion, remoteHello.Versions)
	}

	res := &handshakeResult{Version: version, LocalSession: make([]byte, MaxNonceSize)}
	if _, err := rand.Read(res.LocalSession); err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	if err := send(ctx, tr, res.LocalSession); err != nil {
		return nil, fmt.Errorf("send session id: %w", err)
	}
	res.RemoteSession, err = receive(ctx, tr, MaxNonceSize)
	if err != nil {
		return nil, fmt.Errorf("read session id: %w", err)
	}
	if len(res.RemoteSession) == 0 {
		return nil, violation("empty session id")
	}

	proof, err := encodeNodeProof(local, key, res.RemoteSession, res.LocalSession)
	if err != nil {
		return nil, err
	}
	if err := send(ctx, tr, proof); err != nil {
		return nil, fmt.Errorf("send node: %w", err)
	}
	raw, err = receive(ctx, tr, maxProofSize)
	if err != nil {
		return nil, fmt.Errorf("read node: %w", err)
	}
	res.Remote, err = verifyNodeProof(raw, res.LocalSession, res.RemoteSession)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// negotiateVersion picks the highest version both sides support.
func negotiateVersion(local, remote []uint32) (uint32, bool) {
	var best uint32
	found := false
	for _, v := range remote {
		if slices.Contains(local, v) && (!found || v > best) {
			best, found = v, true
		}
	}
	return best, found
}

func proofDigest(node []byte, challenge, own []byte) []byte {
	return ethcrypto.Keccak256(handshakeDomain, challenge, own, node)
}

// encodeNodeProof signs over the peer's session id first so a proof cannot be replayed.
func encodeNodeProof(local types.Node, key *crypto.PrivateKey, challenge, own []byte) ([]byte, error) {
	node := types.EncodeNode(local)
	sig, err := ethcrypto.Sign(proofDigest(node, challenge, own), key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign node proof: %w", err)
	}
	e := types.NewEncoder(len(node) + 140)
	e.Bytes16(node)
	e.Bytes16(key.PubKey().Bytes())
	e.Bytes16(sig)
	return e.Bytes(), nil
}

func verifyNodeProof(raw []byte, ours, theirs []byte) (types.Node, error) {
	d := types.NewDecoder(raw)
	nodeBytes := d.Bytes16(maxProofSize)
	pubBytes := d.Bytes16(65)
	sig := d.Bytes16(65)
	if err := d.Finish(); err != nil {
		return types.Node{}, violation("node proof: %v", err)
	}
	node, err := types.DecodeNode(nodeBytes)
	if err != nil {
		return types.Node{}, violation("node descriptor: %v", err)
	}
	pub, err := crypto.PublicKeyFromBytes(pubBytes)
	if err != nil {
		return types.Node{}, violation("node key: %v", err)
	}
	if NodeIDFromPublicKey(pub.PublicKey) != node.ID {
		return types.Node{}, violation("node id does not match key")
	}
	if len(sig) != 65 {
		return types.Node{}, violation("signature length %d", len(sig))
	}
	recovered, err := ethcrypto.SigToPub(proofDigest(nodeBytes, ours, theirs), sig)
	if err != nil || !bytes.Equal(ethcrypto.FromECDSAPub(recovered), pubBytes) {
		return types.Node{}, violation("bad node signature")
	}
	return node, nil
}

func send(ctx context.Context, tr transport.Transport, msg []byte) error {
	return tr.Send(msg, remaining(ctx))
}

func receive(ctx context.Context, tr transport.Transport, limit int) ([]byte, error) {
	msg, err := tr.Receive(remaining(ctx))
	if err != nil {
		return nil, err
	}
	if len(msg) > limit {
		return nil, violation("handshake message of %d bytes exceeds %d", len(msg), limit)
	}
	return msg, nil
}

func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return DefaultHandshakeTimeout
	}
	d := time.Until(deadline)
	if d <= 0 {
		return time.Nanosecond
	}
	return d
}
