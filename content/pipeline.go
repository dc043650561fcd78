// Package content turns structured payloads into opaque, type-tagged blocks
// and back. Plain blocks are compressed; confidential blocks are additionally
// padded to a fixed envelope, integrity-hashed and encrypted to a recipient.
package content

import (
	"encoding"
	"errors"
	"fmt"

	"veilnet/crypto"
)

// EncodePlain exports p and produces [type][compressed body].
func EncodePlain(typ string, p encoding.BinaryMarshaler) ([]byte, error) {
	raw, err := p.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("content: export %s: %w", typ, err)
	}
	return WrapType(typ, Compress(raw))
}

// DecodePlain reverses EncodePlain into dst.
func DecodePlain(typ string, block []byte, dst encoding.BinaryUnmarshaler) error {
	body, err := UnwrapType(typ, block)
	if err != nil {
		return err
	}
	raw, err := Decompress(body)
	if err != nil {
		return err
	}
	return importPayload(raw, dst)
}

// EncodeConfidential exports p, then compresses, pads, hashes and encrypts it to recipient.
func EncodeConfidential(typ string, p encoding.BinaryMarshaler, recipient *crypto.PublicKey) ([]byte, error) {
	raw, err := p.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("content: export %s: %w", typ, err)
	}
	padded, err := Pad(Compress(raw))
	if err != nil {
		return nil, err
	}
	sealed, err := Encrypt(recipient, AppendHash(padded))
	if err != nil {
		return nil, err
	}
	return WrapType(typ, sealed)
}

// DecodeConfidential reverses EncodeConfidential using the recipient key.
func DecodeConfidential(typ string, block []byte, key *crypto.PrivateKey, dst encoding.BinaryUnmarshaler) error {
	body, err := UnwrapType(typ, block)
	if err != nil {
		return err
	}
	hashed, err := Decrypt(key, body)
	if err != nil {
		return err
	}
	padded, err := VerifyHash(hashed)
	if err != nil {
		return err
	}
	compressed, err := Unpad(padded)
	if err != nil {
		return err
	}
	raw, err := Decompress(compressed)
	if err != nil {
		return err
	}
	return importPayload(raw, dst)
}

func importPayload(raw []byte, dst encoding.BinaryUnmarshaler) error {
	if err := dst.UnmarshalBinary(raw); err != nil {
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: import: %v", ErrUnavailable, err)
	}
	return nil
}

// Blob is an opaque payload for content whose schema lives elsewhere.
type Blob []byte

func (b Blob) MarshalBinary() ([]byte, error) {
	return append([]byte(nil), b...), nil
}

func (b *Blob) UnmarshalBinary(data []byte) error {
	*b = append((*b)[:0], data...)
	return nil
}
