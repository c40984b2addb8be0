package messages

import (
	"bytes"
	"testing"

	"github.com/veritaschain/veritas/pkg/crypto"
)

func TestSealTransactionRoundTrip(t *testing.T) {
	seed, err := crypto.GenerateSeed()
	if err != nil {
		t.Fatalf("GenerateSeed: %v", err)
	}
	sk, pk := crypto.KeyPair(seed)

	raw := SealTransaction(7, 3, []byte("payload"), pk, sk)

	codec := NewCodec(7)
	if err := codec.VerifySignature(raw); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	tx, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if tx.ServiceID != 3 {
		t.Fatalf("ServiceID = %d, want 3", tx.ServiceID)
	}
	if !bytes.Equal(tx.Payload, []byte("payload")) {
		t.Fatalf("Payload = %q, want %q", tx.Payload, "payload")
	}
}

func TestDecodeRejectsWrongNetwork(t *testing.T) {
	seed, _ := crypto.GenerateSeed()
	sk, pk := crypto.KeyPair(seed)
	raw := SealTransaction(1, 0, nil, pk, sk)

	if _, err := Decode(raw, 2); err == nil {
		t.Fatalf("expected error decoding under the wrong network id")
	}
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	seed, _ := crypto.GenerateSeed()
	sk, pk := crypto.KeyPair(seed)
	raw := SealTransaction(1, 0, []byte("x"), pk, sk)

	if _, err := Decode(raw[:len(raw)-5], 1); err == nil {
		t.Fatalf("expected error decoding a truncated message")
	}
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	seed, _ := crypto.GenerateSeed()
	sk, pk := crypto.KeyPair(seed)
	raw := SealTransaction(1, 0, []byte("original"), pk, sk)

	tampered := make([]byte, len(raw))
	copy(tampered, raw)
	tampered[HeaderSize] ^= 0xFF

	codec := NewCodec(1)
	if err := codec.VerifySignature(tampered); err == nil {
		t.Fatalf("expected signature verification to fail on a tampered body")
	}
}

func TestDecodeRejectsWrongClass(t *testing.T) {
	seed, _ := crypto.GenerateSeed()
	sk, _ := crypto.KeyPair(seed)
	raw := Seal(1, ClassConsensus, TypeStatus, []byte("status"), sk)

	codec := NewCodec(1)
	if _, err := codec.Decode(raw); err == nil {
		t.Fatalf("expected error decoding a consensus message as a transaction")
	}
}
