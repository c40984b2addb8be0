package crypto

import (
	"bytes"
	"testing"
)

func TestKeyPairDeterministic(t *testing.T) {
	var seed Seed
	for i := range seed {
		seed[i] = byte(i)
	}
	sk1, pk1 := KeyPair(seed)
	sk2, pk2 := KeyPair(seed)
	if sk1 != sk2 {
		t.Fatalf("same seed produced different secret keys")
	}
	if pk1 != pk2 {
		t.Fatalf("same seed produced different public keys")
	}
	if pk1 != sk1.PublicKey() {
		t.Fatalf("SecretKey.PublicKey() disagrees with KeyPair derivation")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	seed, err := GenerateSeed()
	if err != nil {
		t.Fatalf("GenerateSeed: %v", err)
	}
	sk, pk := KeyPair(seed)
	msg := []byte("propose height=1 round=1")
	sig := sk.Sign(msg)
	if !Verify(pk, msg, sig) {
		t.Fatalf("valid signature rejected")
	}
	if Verify(pk, []byte("tampered"), sig) {
		t.Fatalf("signature verified over wrong message")
	}
}

func TestVerifyBytesLengthErrors(t *testing.T) {
	if _, err := VerifyBytes(make([]byte, 3), nil, make([]byte, SignatureSize)); err == nil {
		t.Fatalf("expected error for short public key")
	}
	if _, err := VerifyBytes(make([]byte, PublicKeySize), nil, make([]byte, 3)); err == nil {
		t.Fatalf("expected error for short signature")
	}
}

func TestHashZero(t *testing.T) {
	var h Hash
	if !h.IsZero() {
		t.Fatalf("zero-value Hash should be IsZero")
	}
	nonzero := SHA256([]byte("x"))
	if nonzero.IsZero() {
		t.Fatalf("SHA256 output should not be zero")
	}
}

func TestHashHexRoundTrip(t *testing.T) {
	h := SHA256([]byte("round trip"))
	parsed, err := HashFromHex(h.String())
	if err != nil {
		t.Fatalf("HashFromHex: %v", err)
	}
	if !bytes.Equal(h[:], parsed[:]) {
		t.Fatalf("hex round trip mismatch")
	}
}

func TestSecretKeyStringRedacted(t *testing.T) {
	var sk SecretKey
	if got := sk.String(); got == string(sk.Bytes()) {
		t.Fatalf("SecretKey.String must not expose raw key bytes")
	}
}

func TestStreamHasherMatchesSHA256(t *testing.T) {
	sh := NewStreamHasher()
	sh.Write([]byte("foo"))
	sh.Write([]byte("bar"))
	if sh.Sum() != SHA256([]byte("foo"), []byte("bar")) {
		t.Fatalf("streamed hash does not match single-shot SHA256")
	}
}
