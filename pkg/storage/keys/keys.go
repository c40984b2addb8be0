// Package keys implements the binary key encoding used to index every
// authenticated and plain storage index in this module.
//
// Per spec §3, the lexicographic order of the serialized form of a key
// must match the natural order of the logical value it encodes. Signed
// integers therefore flip their sign bit before big-endian encoding
// instead of going through the raw two's-complement bytes, which would
// sort negative numbers after positive ones.
package keys

import (
	"encoding/binary"
	"fmt"

	"github.com/veritaschain/veritas/pkg/crypto"
)

// Key is implemented by every type that can be used as an index key.
// Size and Write must agree: Write always emits exactly Size() bytes.
//
// Every key type in this package also has a Read(buf []byte) (int, error)
// method on its pointer type, which deserializes the key from the front
// of buf and returns the number of bytes consumed. Read is not part of
// Key, so plain key values such as U64(1) or Bytes(b) satisfy Key and can
// be passed to Concat. The fixed-size types consume exactly Size() bytes
// and return an error if buf is shorter; Bytes and String consume all of
// buf.
type Key interface {
	// Size returns the number of bytes Write will emit.
	Size() int
	// Write serializes the key into buf, which must be at least Size()
	// bytes long. It panics if buf is too small, matching the teacher's
	// convention of treating internal buffer sizing bugs as programmer
	// errors rather than recoverable conditions.
	Write(buf []byte)
}

func checkLen(buf []byte, want int, what string) error {
	if len(buf) < want {
		return fmt.Errorf("keys: decoding %s: need %d bytes, got %d", what, want, len(buf))
	}
	return nil
}

// U8 is an unsigned 8-bit key.
type U8 uint8

func (U8) Size() int          { return 1 }
func (k U8) Write(buf []byte) { buf[0] = byte(k) }
func (k *U8) Read(buf []byte) (int, error) {
	if err := checkLen(buf, 1, "U8"); err != nil {
		return 0, err
	}
	*k = U8(buf[0])
	return 1, nil
}

// U16 is an unsigned 16-bit key, big-endian encoded.
type U16 uint16

func (U16) Size() int          { return 2 }
func (k U16) Write(buf []byte) { binary.BigEndian.PutUint16(buf, uint16(k)) }
func (k *U16) Read(buf []byte) (int, error) {
	if err := checkLen(buf, 2, "U16"); err != nil {
		return 0, err
	}
	*k = U16(binary.BigEndian.Uint16(buf))
	return 2, nil
}

// U32 is an unsigned 32-bit key, big-endian encoded.
type U32 uint32

func (U32) Size() int          { return 4 }
func (k U32) Write(buf []byte) { binary.BigEndian.PutUint32(buf, uint32(k)) }
func (k *U32) Read(buf []byte) (int, error) {
	if err := checkLen(buf, 4, "U32"); err != nil {
		return 0, err
	}
	*k = U32(binary.BigEndian.Uint32(buf))
	return 4, nil
}

// U64 is an unsigned 64-bit key, big-endian encoded. Block heights and
// ProofList indices are stored as U64 so lexicographic and numeric order
// coincide.
type U64 uint64

func (U64) Size() int          { return 8 }
func (k U64) Write(buf []byte) { binary.BigEndian.PutUint64(buf, uint64(k)) }
func (k *U64) Read(buf []byte) (int, error) {
	if err := checkLen(buf, 8, "U64"); err != nil {
		return 0, err
	}
	*k = U64(binary.BigEndian.Uint64(buf))
	return 8, nil
}

// I8 is a signed 8-bit key. The sign bit is flipped before encoding so
// that, e.g., Write(I8(-3)) < Write(I8(5)) lexicographically.
type I8 int8

func (I8) Size() int          { return 1 }
func (k I8) Write(buf []byte) { buf[0] = byte(uint8(k) ^ 0x80) }
func (k *I8) Read(buf []byte) (int, error) {
	if err := checkLen(buf, 1, "I8"); err != nil {
		return 0, err
	}
	*k = I8(int8(buf[0] ^ 0x80))
	return 1, nil
}

// I16 is a signed 16-bit key, sign-flipped big-endian encoded.
type I16 int16

func (I16) Size() int { return 2 }
func (k I16) Write(buf []byte) {
	binary.BigEndian.PutUint16(buf, uint16(k)^0x8000)
}
func (k *I16) Read(buf []byte) (int, error) {
	if err := checkLen(buf, 2, "I16"); err != nil {
		return 0, err
	}
	*k = I16(int16(binary.BigEndian.Uint16(buf) ^ 0x8000))
	return 2, nil
}

// I32 is a signed 32-bit key, sign-flipped big-endian encoded.
type I32 int32

func (I32) Size() int { return 4 }
func (k I32) Write(buf []byte) {
	binary.BigEndian.PutUint32(buf, uint32(k)^0x80000000)
}
func (k *I32) Read(buf []byte) (int, error) {
	if err := checkLen(buf, 4, "I32"); err != nil {
		return 0, err
	}
	*k = I32(int32(binary.BigEndian.Uint32(buf) ^ 0x80000000))
	return 4, nil
}

// I64 is a signed 64-bit key, sign-flipped big-endian encoded. Heights
// and epochs in this module are unsigned (U64); I64 exists for service
// data that needs a signed, order-preserving key.
type I64 int64

func (I64) Size() int { return 8 }
func (k I64) Write(buf []byte) {
	binary.BigEndian.PutUint64(buf, uint64(k)^0x8000000000000000)
}
func (k *I64) Read(buf []byte) (int, error) {
	if err := checkLen(buf, 8, "I64"); err != nil {
		return 0, err
	}
	*k = I64(int64(binary.BigEndian.Uint64(buf) ^ 0x8000000000000000))
	return 8, nil
}

// HashKey wraps crypto.Hash as an index key. SHA-256 digests already sort
// correctly as raw big-endian bytes, so no transform is needed.
type HashKey crypto.Hash

func (HashKey) Size() int          { return crypto.HashSize }
func (k HashKey) Write(buf []byte) { copy(buf, k[:]) }
func (k *HashKey) Read(buf []byte) (int, error) {
	if err := checkLen(buf, crypto.HashSize, "HashKey"); err != nil {
		return 0, err
	}
	copy(k[:], buf[:crypto.HashSize])
	return crypto.HashSize, nil
}

// PublicKeyKey wraps crypto.PublicKey as an index key.
type PublicKeyKey crypto.PublicKey

func (PublicKeyKey) Size() int          { return crypto.PublicKeySize }
func (k PublicKeyKey) Write(buf []byte) { copy(buf, k[:]) }
func (k *PublicKeyKey) Read(buf []byte) (int, error) {
	if err := checkLen(buf, crypto.PublicKeySize, "PublicKeyKey"); err != nil {
		return 0, err
	}
	copy(k[:], buf[:crypto.PublicKeySize])
	return crypto.PublicKeySize, nil
}

// Bytes is a fixed-length raw byte-slice key. Unlike String, it carries
// no implicit length prefix: callers are responsible for only using it
// where the length is fixed by context (e.g. a family id).
type Bytes []byte

func (k Bytes) Size() int          { return len(k) }
func (k Bytes) Write(buf []byte)   { copy(buf, k) }
func (k *Bytes) Read(buf []byte) (int, error) {
	*k = append((*k)[:0], buf...)
	return len(buf), nil
}

// String is a UTF-8 string key with no length prefix. Per spec §3.1, a
// String key is only ever valid as the last field of a composite key.
// Concat does not check where a String appears among its parts.
type String string

func (k String) Size() int        { return len(k) }
func (k String) Write(buf []byte) { copy(buf, k) }
func (k *String) Read(buf []byte) (int, error) {
	*k = String(buf)
	return len(buf), nil
}

// Concat serializes a composite key as the concatenation of its parts,
// in order, matching the "(index-address, key)" composite addressing of
// spec §3. Only the last part may have a data-dependent (non-fixed)
// size; passing a variable-length part earlier produces an encoding that
// is not prefix-free and must not be relied upon for ordering across
// different variable-length values.
func Concat(parts ...Key) []byte {
	size := 0
	for _, p := range parts {
		size += p.Size()
	}
	buf := make([]byte, size)
	offset := 0
	for _, p := range parts {
		p.Write(buf[offset : offset+p.Size()])
		offset += p.Size()
	}
	return buf
}
