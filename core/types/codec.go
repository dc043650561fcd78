package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformed is returned when a binary encoding cannot be decoded.
var ErrMalformed = errors.New("types: malformed encoding")

// Encoder appends big-endian, length-prefixed fields to a byte slice.
type Encoder struct {
	buf []byte
}

func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Uint8(v uint8) { e.buf = append(e.buf, v) }

func (e *Encoder) Uint16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }

func (e *Encoder) Uint32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }

func (e *Encoder) Int64(v int64) { e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v)) }

func (e *Encoder) Raw(b []byte) { e.buf = append(e.buf, b...) }

// Bytes16 writes b with a u16 length prefix.
func (e *Encoder) Bytes16(b []byte) {
	e.Uint16(uint16(len(b)))
	e.buf = append(e.buf, b...)
}

// Bytes32 writes b with a u32 length prefix.
func (e *Encoder) Bytes32(b []byte) {
	e.Uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) String16(s string) { e.Bytes16([]byte(s)) }

// Decoder consumes fields written by Encoder. The first failure sticks.
type Decoder struct {
	buf []byte
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) Err() error { return d.err }

func (d *Decoder) Remaining() int { return len(d.buf) }

func (d *Decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
	}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.buf) {
		d.fail("need %d bytes, have %d", n, len(d.buf))
		return nil
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out
}

func (d *Decoder) Uint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) Int64() int64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// Raw returns a copy of the next n bytes.
func (d *Decoder) Raw(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Bytes16 reads a u16 length-prefixed field no longer than limit.
func (d *Decoder) Bytes16(limit int) []byte {
	n := int(d.Uint16())
	if d.err == nil && n > limit {
		d.fail("field length %d exceeds %d", n, limit)
		return nil
	}
	return d.Raw(n)
}

// Bytes32 reads a u32 length-prefixed field no longer than limit.
func (d *Decoder) Bytes32(limit int) []byte {
	n := d.Uint32()
	if d.err == nil && uint64(n) > uint64(limit) {
		d.fail("field length %d exceeds %d", n, limit)
		return nil
	}
	return d.Raw(int(n))
}

func (d *Decoder) String16(limit int) string {
	return string(d.Bytes16(limit))
}

// Finish reports an error if unread bytes remain.
func (d *Decoder) Finish() error {
	if d.err == nil && len(d.buf) != 0 {
		d.fail("%d trailing bytes", len(d.buf))
	}
	return d.err
}

// EncodeNode serializes a node descriptor.
func EncodeNode(n Node) []byte {
	e := NewEncoder(NodeIDSize + 1 + 32*len(n.Addresses))
	writeNode(e, n)
	return e.Bytes()
}

func writeNode(e *Encoder, n Node) {
	e.Raw(n.ID[:])
	count := min(len(n.Addresses), maxNodeAddresses)
	e.Uint8(uint8(count))
	for _, addr := range n.Addresses[:count] {
		e.String16(addr)
	}
}

// DecodeNode parses and validates a node descriptor.
func DecodeNode(b []byte) (Node, error) {
	d := NewDecoder(b)
	n := readNode(d)
	if err := d.Finish(); err != nil {
		return Node{}, err
	}
	if err := n.Validate(); err != nil {
		return Node{}, err
	}
	return n, nil
}

func readNode(d *Decoder) Node {
	var n Node
	copy(n.ID[:], d.take(NodeIDSize))
	count := int(d.Uint8())
	if count > maxNodeAddresses {
		d.fail("%d addresses", count)
		return n
	}
	for i := 0; i < count && d.err == nil; i++ {
		n.Addresses = append(n.Addresses, d.String16(maxNodeAddressLength))
	}
	return n
}

// EncodeKey serializes a key.
func EncodeKey(k Key) []byte {
	e := NewEncoder(2 + len(k.Hash))
	writeKey(e, k)
	return e.Bytes()
}

func writeKey(e *Encoder, k Key) {
	e.Uint8(uint8(k.Algorithm))
	e.Uint8(uint8(len(k.Hash)))
	e.Raw(k.Hash)
}

// DecodeKey parses and validates a key.
func DecodeKey(b []byte) (Key, error) {
	d := NewDecoder(b)
	k := readKey(d)
	if err := d.Finish(); err != nil {
		return Key{}, err
	}
	if !k.Valid() {
		return Key{}, fmt.Errorf("%w: invalid key", ErrMalformed)
	}
	return k, nil
}

func readKey(d *Decoder) Key {
	alg := HashAlgorithm(d.Uint8())
	n := int(d.Uint8())
	if n > maxKeyHashLength {
		d.fail("hash length %d", n)
		return Key{}
	}
	return Key{Algorithm: alg, Hash: d.Raw(n)}
}

// EncodeLink serializes a link.
func EncodeLink(l Link) []byte {
	e := NewEncoder(8 + len(l.Tag.ID) + len(l.Tag.Name))
	writeLink(e, l)
	return e.Bytes()
}

func writeLink(e *Encoder, l Link) {
	e.Bytes16(l.Tag.ID)
	e.String16(l.Tag.Name)
	e.String16(string(l.Type))
}

// DecodeLink parses and validates a link.
func DecodeLink(b []byte) (Link, error) {
	d := NewDecoder(b)
	l := readLink(d)
	if err := d.Finish(); err != nil {
		return Link{}, err
	}
	if !l.Valid() {
		return Link{}, fmt.Errorf("%w: invalid link", ErrMalformed)
	}
	return l, nil
}

func readLink(d *Decoder) Link {
	var l Link
	l.Tag.ID = d.Bytes16(maxTagIDLength)
	l.Tag.Name = d.String16(maxTagNameLength)
	l.Type = LinkType(d.String16(32))
	return l
}

// EncodeHeader serializes a header including its certificate.
func EncodeHeader(h *Header) []byte {
	e := NewEncoder(256)
	writeHeaderBody(e, h)
	if h.Certificate == nil {
		e.Uint8(0)
		return e.Bytes()
	}
	e.Uint8(1)
	e.String16(h.Certificate.Nickname)
	e.Bytes16(h.Certificate.PublicKey)
	e.Bytes16(h.Certificate.Signature)
	return e.Bytes()
}

func writeHeaderBody(e *Encoder, h *Header) {
	writeLink(e, h.Link)
	e.String16(string(h.Type))
	e.Int64(h.CreationTime.Unix())
	writeKey(e, h.Key)
}

// DecodeHeader parses a header. Structural validity only; callers run
// Header.Validate before trusting it.
func DecodeHeader(b []byte) (*Header, error) {
	d := NewDecoder(b)
	h := &Header{}
	h.Link = readLink(d)
	h.Type = HeaderType(d.String16(32))
	secs := d.Int64()
	if secs < 0 || secs > math.MaxInt64/2 {
		d.fail("creation time %d", secs)
	}
	h.CreationTime = time.Unix(secs, 0).UTC()
	h.Key = readKey(d)
	if d.Uint8() == 1 {
		h.Certificate = &Certificate{
			Nickname:  d.String16(maxNicknameLength),
			PublicKey: d.Bytes16(maxPublicKeyLength),
			Signature: d.Bytes16(maxSignatureLength),
		}
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return h, nil
}
