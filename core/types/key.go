package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	sha256 "github.com/minio/sha256-simd"
)

// HashAlgorithm identifies how a Key's hash was produced.
type HashAlgorithm uint8

const (
	HashUnknown HashAlgorithm = 0
	HashSha256  HashAlgorithm = 1
)

const maxKeyHashLength = 64

func (a HashAlgorithm) String() string {
	switch a {
	case HashSha256:
		return "sha256"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Key is the content address of an immutable block.
type Key struct {
	Algorithm HashAlgorithm
	Hash      []byte
}

// NewKey hashes data with the supported algorithm.
func NewKey(data []byte) Key {
	sum := sha256.Sum256(data)
	return Key{Algorithm: HashSha256, Hash: sum[:]}
}

// Valid reports whether the key is well formed.
func (k Key) Valid() bool {
	return k.Algorithm == HashSha256 && len(k.Hash) > 0 && len(k.Hash) <= maxKeyHashLength
}

// Matches reports whether data hashes to this key.
func (k Key) Matches(data []byte) bool {
	if k.Algorithm != HashSha256 {
		return false
	}
	sum := sha256.Sum256(data)
	return bytes.Equal(sum[:], k.Hash)
}

func (k Key) Equal(other Key) bool {
	return k.Algorithm == other.Algorithm && bytes.Equal(k.Hash, other.Hash)
}

// ID returns a comparable form suitable for map keys.
func (k Key) ID() string {
	return string([]byte{byte(k.Algorithm)}) + string(k.Hash)
}

// KeyFromID reverses ID.
func KeyFromID(id string) Key {
	if id == "" {
		return Key{}
	}
	return Key{Algorithm: HashAlgorithm(id[0]), Hash: []byte(id[1:])}
}

func (k Key) String() string {
	return k.Algorithm.String() + ":" + hex.EncodeToString(k.Hash)
}
