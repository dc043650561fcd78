package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// NodeIDSize is the byte length of every overlay node identifier.
const NodeIDSize = 64

const (
	maxNodeAddresses     = 32
	maxNodeAddressLength = 256
)

var (
	ErrInvalidNodeID = errors.New("types: invalid node id")
	ErrInvalidNode   = errors.New("types: invalid node")
)

// NodeID is the fixed-length identifier of an overlay participant.
type NodeID [NodeIDSize]byte

// NodeIDFromBytes copies b into a NodeID. The input must be exactly NodeIDSize bytes.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != NodeIDSize {
		return id, fmt.Errorf("%w: length %d", ErrInvalidNodeID, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseNodeID decodes a hex string, with or without a 0x prefix.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	return NodeIDFromBytes(raw)
}

// TargetID maps arbitrary bytes into the node id space. Inputs that already
// have the id length are used verbatim; anything else is hashed with Keccak-512.
func TargetID(b []byte) NodeID {
	var id NodeID
	if len(b) == NodeIDSize {
		copy(id[:], b)
		return id
	}
	h := sha3.NewLegacyKeccak512()
	h.Write(b)
	copy(id[:], h.Sum(nil))
	return id
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

func (id NodeID) Bytes() []byte {
	out := make([]byte, NodeIDSize)
	copy(out, id[:])
	return out
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short renders the first eight bytes, enough to tell peers apart in logs.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:8])
}

// Compare orders ids bytewise.
func (id NodeID) Compare(other NodeID) int {
	return bytes.Compare(id[:], other[:])
}

// Node describes a reachable overlay participant. Two nodes are equal when
// their ids match; addresses are advisory and may be refreshed.
type Node struct {
	ID        NodeID
	Addresses []string
}

func (n Node) Equal(other Node) bool {
	return n.ID == other.ID
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	out := Node{ID: n.ID}
	if len(n.Addresses) > 0 {
		out.Addresses = append([]string(nil), n.Addresses...)
	}
	return out
}

// Validate reports whether the descriptor can be admitted into routing state.
func (n Node) Validate() error {
	if n.ID.IsZero() {
		return fmt.Errorf("%w: zero id", ErrInvalidNode)
	}
	if len(n.Addresses) > maxNodeAddresses {
		return fmt.Errorf("%w: %d addresses", ErrInvalidNode, len(n.Addresses))
	}
	for _, addr := range n.Addresses {
		if strings.TrimSpace(addr) == "" || len(addr) > maxNodeAddressLength {
			return fmt.Errorf("%w: bad address %q", ErrInvalidNode, addr)
		}
	}
	return nil
}
