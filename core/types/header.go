package types

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/blake3"
)

const (
	// MaxClockSkew bounds how far in the future a header may be dated.
	MaxClockSkew = 30 * time.Minute

	maxNicknameLength  = 256
	maxPublicKeyLength = 65
	maxSignatureLength = 65
)

var (
	ErrInvalidHeader    = errors.New("types: invalid header")
	ErrInvalidSignature = errors.New("types: invalid signature")
)

var headerDomain = []byte("veilnet/header/v1")

// Certificate binds a header to its signer.
type Certificate struct {
	Nickname  string
	PublicKey []byte // uncompressed secp256k1 point
	Signature []byte // 65-byte recoverable signature
}

// Signer returns the stable signer identity: nickname@hex(keccak256(pub)[:20]).
func (c *Certificate) Signer() string {
	if c == nil || len(c.PublicKey) == 0 {
		return ""
	}
	sum := ethcrypto.Keccak256(c.PublicKey)
	return c.Nickname + "@" + hex.EncodeToString(sum[:20])
}

// SignerOf derives the signer identity for a public key without a certificate.
func SignerOf(nickname string, pub *ecdsa.PublicKey) string {
	c := &Certificate{Nickname: nickname, PublicKey: ethcrypto.FromECDSAPub(pub)}
	return c.Signer()
}

// Header is a signed pointer to a content block filed under a Link.
type Header struct {
	Link         Link
	Type         HeaderType
	CreationTime time.Time
	Key          Key
	Certificate  *Certificate
}

// Signer returns the certificate's signer identity, or "" when unsigned.
func (h *Header) Signer() string {
	if h == nil {
		return ""
	}
	return h.Certificate.Signer()
}

// SigningDigest is the Keccak-256 digest covered by the certificate signature.
func (h *Header) SigningDigest() []byte {
	e := NewEncoder(256)
	e.Raw(headerDomain)
	writeHeaderBody(e, h)
	if h.Certificate != nil {
		e.String16(h.Certificate.Nickname)
		e.Bytes16(h.Certificate.PublicKey)
	}
	return ethcrypto.Keccak256(e.Bytes())
}

// Identity is the content hash used to deduplicate headers.
func (h *Header) Identity() [32]byte {
	return blake3.Sum256(EncodeHeader(h))
}

// Validate checks structure, clock skew and signature against now.
func (h *Header) Validate(now time.Time) error {
	if h == nil {
		return fmt.Errorf("%w: nil", ErrInvalidHeader)
	}
	if !h.Link.Valid() {
		return fmt.Errorf("%w: malformed link", ErrInvalidHeader)
	}
	if h.Type == "" || !h.Link.Type.Allows(h.Type) {
		return fmt.Errorf("%w: type %q under %s", ErrInvalidHeader, h.Type, h.Link.Type)
	}
	if h.CreationTime.IsZero() || h.CreationTime.After(now.Add(MaxClockSkew)) {
		return fmt.Errorf("%w: creation time %s", ErrInvalidHeader, h.CreationTime.Format(time.RFC3339))
	}
	if !h.Key.Valid() {
		return fmt.Errorf("%w: malformed key", ErrInvalidHeader)
	}
	return h.VerifySignature()
}

// VerifySignature checks the certificate signature over SigningDigest.
func (h *Header) VerifySignature() error {
	c := h.Certificate
	if c == nil || c.Nickname == "" || len(c.Nickname) > maxNicknameLength {
		return fmt.Errorf("%w: missing certificate", ErrInvalidSignature)
	}
	if len(c.Signature) != 65 || len(c.PublicKey) != 65 {
		return fmt.Errorf("%w: malformed certificate", ErrInvalidSignature)
	}
	digest := h.SigningDigest()
	recovered, err := ethcrypto.SigToPub(digest, c.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ethcrypto.VerifySignature(c.PublicKey, digest, c.Signature[:64]) {
		return ErrInvalidSignature
	}
	if !bytes.Equal(ethcrypto.FromECDSAPub(recovered), c.PublicKey) {
		return fmt.Errorf("%w: signer mismatch", ErrInvalidSignature)
	}
	return nil
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	if h == nil {
		return nil
	}
	out := &Header{
		Link: Link{
			Tag:  Tag{ID: append([]byte(nil), h.Link.Tag.ID...), Name: h.Link.Tag.Name},
			Type: h.Link.Type,
		},
		Type:         h.Type,
		CreationTime: h.CreationTime,
		Key:          Key{Algorithm: h.Key.Algorithm, Hash: append([]byte(nil), h.Key.Hash...)},
	}
	if h.Certificate != nil {
		out.Certificate = &Certificate{
			Nickname:  h.Certificate.Nickname,
			PublicKey: append([]byte(nil), h.Certificate.PublicKey...),
			Signature: append([]byte(nil), h.Certificate.Signature...),
		}
	}
	return out
}
