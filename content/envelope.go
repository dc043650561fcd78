package content

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"unicode/utf8"

	"veilnet/crypto"
)

const (
	// EnvelopeSize is the fixed length of a padded body.
	EnvelopeSize = 32 * 1024

	hashTagSha512   byte = 1
	cryptoTagAESCBC byte = 1
	typeTagUTF8     byte = 1

	symmetricKeySize = 32
	ivFieldSize      = 32
	maxSealedKeySize = 1024
	maxTypeLength    = 256
)

var (
	// ErrUnavailable is returned whenever a block cannot be decoded. Callers
	// treat it the same as a block that has not arrived yet.
	ErrUnavailable = errors.New("content: unavailable")
	ErrTooLarge    = errors.New("content: payload exceeds envelope")
)

// Pad prefixes the plaintext length and fills with pseudo-random bytes up to EnvelopeSize.
func Pad(data []byte) ([]byte, error) {
	if len(data)+4 > EnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	out := make([]byte, EnvelopeSize)
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	copy(out[4:], data)

	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("content: seed padding: %w", err)
	}
	fill := mrand.NewChaCha8(seed)
	if _, err := fill.Read(out[4+len(data):]); err != nil {
		return nil, fmt.Errorf("content: fill padding: %w", err)
	}
	return out, nil
}

// Unpad recovers the original bytes from a padded body.
func Unpad(block []byte) ([]byte, error) {
	if len(block) != EnvelopeSize {
		return nil, fmt.Errorf("%w: padded size %d", ErrUnavailable, len(block))
	}
	n := binary.BigEndian.Uint32(block)
	if uint64(n)+4 > uint64(len(block)) {
		return nil, fmt.Errorf("%w: padded length %d", ErrUnavailable, n)
	}
	out := make([]byte, n)
	copy(out, block[4:4+n])
	return out, nil
}

// AppendHash frames data as [tag][data][SHA-512 of tag||data].
func AppendHash(data []byte) []byte {
	out := make([]byte, 0, 1+len(data)+sha512.Size)
	out = append(out, hashTagSha512)
	out = append(out, data...)
	sum := sha512.Sum512(out)
	return append(out, sum[:]...)
}

// VerifyHash checks and strips the trailer written by AppendHash.
func VerifyHash(block []byte) ([]byte, error) {
	if len(block) < 1+sha512.Size {
		return nil, fmt.Errorf("%w: hashed block too short", ErrUnavailable)
	}
	if block[0] != hashTagSha512 {
		return nil, fmt.Errorf("%w: unknown hash %d", ErrUnavailable, block[0])
	}
	body := block[:len(block)-sha512.Size]
	sum := sha512.Sum512(body)
	if subtle.ConstantTimeCompare(sum[:], block[len(body):]) != 1 {
		return nil, fmt.Errorf("%w: hash mismatch", ErrUnavailable)
	}
	return append([]byte(nil), body[1:]...), nil
}

// Encrypt seals a fresh AES-256 key to recipient and CBC-encrypts data.
// Layout: [tag][u32 sealedLen][sealed key][32B IV field][ciphertext].
func Encrypt(recipient *crypto.PublicKey, data []byte) ([]byte, error) {
	key := make([]byte, symmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("content: generate key: %w", err)
	}
	ivField := make([]byte, ivFieldSize)
	if _, err := rand.Read(ivField); err != nil {
		return nil, fmt.Errorf("content: generate iv: %w", err)
	}
	sealed, err := crypto.Seal(recipient, key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := pkcs7Pad(data, aes.BlockSize)
	ciphertext := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, foldIV(ivField)).CryptBlocks(ciphertext, plain)

	out := make([]byte, 0, 1+4+len(sealed)+ivFieldSize+len(ciphertext))
	out = append(out, cryptoTagAESCBC)
	out = binary.BigEndian.AppendUint32(out, uint32(len(sealed)))
	out = append(out, sealed...)
	out = append(out, ivField...)
	return append(out, ciphertext...), nil
}

// Decrypt reverses Encrypt with the recipient's private key.
func Decrypt(recipient *crypto.PrivateKey, block []byte) ([]byte, error) {
	if len(block) < 5 || block[0] != cryptoTagAESCBC {
		return nil, fmt.Errorf("%w: unknown cipher", ErrUnavailable)
	}
	n := binary.BigEndian.Uint32(block[1:5])
	if n == 0 || n > maxSealedKeySize || uint64(5+n+ivFieldSize) > uint64(len(block)) {
		return nil, fmt.Errorf("%w: sealed key length %d", ErrUnavailable, n)
	}
	sealed := block[5 : 5+n]
	ivField := block[5+n : 5+n+ivFieldSize]
	ciphertext := block[5+n+ivFieldSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrUnavailable, len(ciphertext))
	}
	key, err := crypto.Open(recipient, sealed)
	if err != nil || len(key) != symmetricKeySize {
		return nil, fmt.Errorf("%w: sealed key", ErrUnavailable)
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c, foldIV(ivField)).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain, aes.BlockSize)
}

// WrapType prefixes a UTF-8 type name: [u32 len][tag][type][data].
func WrapType(typ string, data []byte) ([]byte, error) {
	if typ == "" || len(typ) > maxTypeLength || !utf8.ValidString(typ) {
		return nil, fmt.Errorf("content: invalid type %q", typ)
	}
	out := make([]byte, 0, 5+len(typ)+len(data))
	out = binary.BigEndian.AppendUint32(out, uint32(len(typ)))
	out = append(out, typeTagUTF8)
	out = append(out, typ...)
	return append(out, data...), nil
}

// UnwrapType strips the type prefix, requiring an exact match with typ.
func UnwrapType(typ string, block []byte) ([]byte, error) {
	if len(block) < 5 {
		return nil, fmt.Errorf("%w: missing type", ErrUnavailable)
	}
	n := binary.BigEndian.Uint32(block)
	if block[4] != typeTagUTF8 || n > maxTypeLength || uint64(5+n) > uint64(len(block)) {
		return nil, fmt.Errorf("%w: malformed type", ErrUnavailable)
	}
	if string(block[5:5+n]) != typ {
		return nil, fmt.Errorf("%w: type %q, want %q", ErrUnavailable, block[5:5+n], typ)
	}
	return block[5+n:], nil
}

// foldIV reduces the 32-byte IV field to the cipher block size.
func foldIV(field []byte) []byte {
	iv := make([]byte, aes.BlockSize)
	for i := range iv {
		iv[i] = field[i] ^ field[i+aes.BlockSize]
	}
	return iv
}

func pkcs7Pad(data []byte, size int) []byte {
	n := size - len(data)%size
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("%w: bad padding", ErrUnavailable)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size {
		return nil, fmt.Errorf("%w: bad padding", ErrUnavailable)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrUnavailable)
		}
	}
	return data[:len(data)-n], nil
}
