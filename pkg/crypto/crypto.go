// Package crypto provides the fixed-width cryptographic primitives shared
// by every other package in this module: SHA-256 digests, Ed25519 keys
// and signatures, and seed-based key derivation.
//
// All public types here are plain byte arrays with constant-time
// equality and hex/binary (de)serialization. PublicKey, Signature and
// Hash are copyable and safe to log or print. SecretKey and Seed are
// restricted: their String() methods redact the contents so a stray
// log.Printf or fmt.Sprintf("%v", ...) cannot leak key material.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

const (
	// HashSize is the length in bytes of a SHA-256 digest.
	HashSize = sha256.Size
	// PublicKeySize is the length in bytes of an Ed25519 public key.
	PublicKeySize = ed25519.PublicKeySize
	// SecretKeySize is the length in bytes of an Ed25519 expanded private key.
	SecretKeySize = ed25519.PrivateKeySize
	// SignatureSize is the length in bytes of an Ed25519 signature.
	SignatureSize = ed25519.SignatureSize
	// SeedSize is the length in bytes of the seed used to derive a keypair.
	SeedSize = ed25519.SeedSize
)

var (
	// ErrInvalidSignature is returned when Verify fails.
	ErrInvalidSignature = errors.New("crypto: invalid signature")
	// ErrWrongLength is returned when a fixed-width type is decoded from
	// a buffer of the wrong size.
	ErrWrongLength = errors.New("crypto: wrong buffer length")
)

var initOnce sync.Once

// Init performs one-time process-wide cryptographic setup. It is
// idempotent and safe to call from multiple goroutines; only the first
// call has any effect. Per DESIGN NOTES §9, this is deliberately not a
// package-level init() run as a side effect of import, so callers control
// when the cost (and any future library-level global state) is paid.
func Init() {
	initOnce.Do(func() {
		// Reserved for future library-level global state (e.g. a verified
		// batch-verification context). Ed25519 and SHA-256 need none today.
	})
}

// Hash is a SHA-256 digest.
type Hash [HashSize]byte

// SHA256 hashes data and returns the digest.
func SHA256(data ...[]byte) Hash {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// StreamHasher incrementally hashes data, used when the full input is
// assembled piecewise (e.g. while building a Merkle node).
type StreamHasher struct {
	h sha256hashState
}

// sha256hashState is the minimal surface of hash.Hash this module relies
// on; kept as a named type so StreamHasher stays easy to retarget.
type sha256hashState interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
	Reset()
}

// NewStreamHasher returns a StreamHasher ready to accept Write calls.
func NewStreamHasher() *StreamHasher {
	return &StreamHasher{h: sha256.New()}
}

// Write appends data to the running digest.
func (s *StreamHasher) Write(data []byte) {
	s.h.Write(data)
}

// Sum finalizes and returns the digest without mutating the hasher.
func (s *StreamHasher) Sum() Hash {
	var out Hash
	s.h.Sum(out[:0])
	return out
}

// IsZero reports whether h is the all-zero hash (the canonical empty-root
// value for indexes with no elements).
func (h Hash) IsZero() bool {
	var zero Hash
	return subtle.ConstantTimeCompare(h[:], zero[:]) == 1
}

// Equal performs constant-time comparison.
func (h Hash) Equal(other Hash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

// String returns the lowercase hex encoding.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Bytes returns a copy of the underlying bytes.
func (h Hash) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

// HashFromBytes decodes a Hash from a byte slice of exactly HashSize.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("%w: hash wants %d bytes, got %d", ErrWrongLength, HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashFromHex decodes a Hash from its hex string representation.
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("crypto: decoding hash hex: %w", err)
	}
	return HashFromBytes(b)
}

// PublicKey is an Ed25519 public (verification) key.
type PublicKey [PublicKeySize]byte

// Equal performs constant-time comparison.
func (p PublicKey) Equal(other PublicKey) bool {
	return subtle.ConstantTimeCompare(p[:], other[:]) == 1
}

// String returns the lowercase hex encoding. Public keys are not secret;
// printing them is safe.
func (p PublicKey) String() string { return hex.EncodeToString(p[:]) }

// Bytes returns a copy of the underlying bytes.
func (p PublicKey) Bytes() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, p[:])
	return out
}

// PublicKeyFromBytes decodes a PublicKey from a byte slice of exactly
// PublicKeySize.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var p PublicKey
	if len(b) != PublicKeySize {
		return p, fmt.Errorf("%w: public key wants %d bytes, got %d", ErrWrongLength, PublicKeySize, len(b))
	}
	copy(p[:], b)
	return p, nil
}

// Signature is an Ed25519 signature.
type Signature [SignatureSize]byte

// Bytes returns a copy of the underlying bytes.
func (s Signature) Bytes() []byte {
	out := make([]byte, SignatureSize)
	copy(out, s[:])
	return out
}

// String returns the lowercase hex encoding.
func (s Signature) String() string { return hex.EncodeToString(s[:]) }

// SignatureFromBytes decodes a Signature from a byte slice of exactly
// SignatureSize.
func SignatureFromBytes(b []byte) (Signature, error) {
	var s Signature
	if len(b) != SignatureSize {
		return s, fmt.Errorf("%w: signature wants %d bytes, got %d", ErrWrongLength, SignatureSize, len(b))
	}
	copy(s[:], b)
	return s, nil
}

// SecretKey is an Ed25519 expanded private key. Its String method never
// prints key material; callers that truly need the bytes (to sign, or to
// persist to an encrypted key file — outside this module's scope per
// spec §1) use Bytes explicitly.
type SecretKey [SecretKeySize]byte

// String redacts the key. Deliberately does not implement Stringer's
// usual contract of round-trippable output — this is a safety rail, not
// a serialization format.
func (s SecretKey) String() string { return "crypto.SecretKey(redacted)" }

// Bytes returns a copy of the underlying bytes. Callers must not log or
// otherwise persist the result outside of a secured key store.
func (s SecretKey) Bytes() []byte {
	out := make([]byte, SecretKeySize)
	copy(out, s[:])
	return out
}

// Zero overwrites the secret key in place. Go cannot guarantee a zeroed
// stack/heap slot is never copied by the runtime or optimizer, so this is
// best-effort hygiene recommended by spec §3, not a hard guarantee.
func (s *SecretKey) Zero() {
	for i := range s {
		s[i] = 0
	}
}

// PublicKey derives the public half of an Ed25519 keypair.
func (s SecretKey) PublicKey() PublicKey {
	var p PublicKey
	copy(p[:], ed25519.PrivateKey(s[:]).Public().(ed25519.PublicKey))
	return p
}

// Sign produces a signature over message using this secret key.
func (s SecretKey) Sign(message []byte) Signature {
	sig := ed25519.Sign(ed25519.PrivateKey(s[:]), message)
	var out Signature
	copy(out[:], sig)
	return out
}

// Seed is the 32-byte input used to deterministically derive an Ed25519
// keypair, e.g. from a master key file or test fixture.
type Seed [SeedSize]byte

// String redacts the seed, for the same reason as SecretKey.String.
func (s Seed) String() string { return "crypto.Seed(redacted)" }

// GenerateSeed draws a fresh random seed from a cryptographically secure
// source.
func GenerateSeed() (Seed, error) {
	var s Seed
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("crypto: generating seed: %w", err)
	}
	return s, nil
}

// KeyPair derives an Ed25519 (SecretKey, PublicKey) pair from a seed.
// The derivation is deterministic: the same seed always yields the same
// keypair, which is what makes seed-based key files portable.
func KeyPair(seed Seed) (SecretKey, PublicKey) {
	priv := ed25519.NewKeyFromSeed(seed[:])
	var sk SecretKey
	copy(sk[:], priv)
	var pk PublicKey
	copy(pk[:], priv.Public().(ed25519.PublicKey))
	return sk, pk
}

// GenerateKeyPair draws a fresh seed and derives a keypair from it,
// returning the seed alongside so it can be persisted.
func GenerateKeyPair() (Seed, SecretKey, PublicKey, error) {
	seed, err := GenerateSeed()
	if err != nil {
		return Seed{}, SecretKey{}, PublicKey{}, err
	}
	sk, pk := KeyPair(seed)
	return seed, sk, pk, nil
}

// Verify reports whether sig is a valid signature over message under pk.
// It never panics, even on a malformed public key or signature, unlike
// the raw ed25519 package which requires exact-length inputs.
func Verify(pk PublicKey, message []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), message, sig[:])
}

// VerifyBytes is a convenience wrapper for callers holding raw byte
// slices instead of decoded PublicKey/Signature values (e.g. while
// parsing an untrusted wire message in pkg/messages). It returns the
// error from PublicKeyFromBytes or SignatureFromBytes (wrapping
// ErrWrongLength) on any length mismatch, and a plain false,nil on a
// well-formed-but-wrong signature.
func VerifyBytes(pk, message, sig []byte) (bool, error) {
	p, err := PublicKeyFromBytes(pk)
	if err != nil {
		return false, err
	}
	s, err := SignatureFromBytes(sig)
	if err != nil {
		return false, err
	}
	return Verify(p, message, s), nil
}
