package p2p

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	"veilnet/core/types"
	"veilnet/crypto"
)

// Identity is the node's long-lived signing key and the NodeID derived from it.
type Identity struct {
	PrivateKey *crypto.PrivateKey
	NodeID     types.NodeID
}

// NewIdentity derives the NodeID for key.
func NewIdentity(key *crypto.PrivateKey) *Identity {
	return &Identity{PrivateKey: key, NodeID: NodeIDFromPublicKey(&key.PrivateKey.PublicKey)}
}

// GenerateIdentity returns a fresh, unpersisted identity.
func GenerateIdentity() (*Identity, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return NewIdentity(key), nil
}

// LoadOrCreateIdentity reads the identity keystore at path, creating one when absent.
func LoadOrCreateIdentity(path, passphrase string) (*Identity, bool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, false, fmt.Errorf("identity path must be provided")
	}
	key, created, err := crypto.LoadOrCreateKeystore(path, passphrase)
	if err != nil {
		return nil, false, fmt.Errorf("load identity: %w", err)
	}
	return NewIdentity(key), created, nil
}

// NodeIDFromPublicKey is Keccak-512 over the 64-byte uncompressed point.
func NodeIDFromPublicKey(pub *ecdsa.PublicKey) types.NodeID {
	var id types.NodeID
	if pub == nil {
		return id
	}
	raw := ethcrypto.FromECDSAPub(pub)
	if len(raw) == 0 {
		return id
	}
	h := sha3.NewLegacyKeccak512()
	h.Write(raw[1:])
	copy(id[:], h.Sum(nil))
	return id
}
