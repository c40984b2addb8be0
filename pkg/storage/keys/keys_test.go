package keys

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, k Key, newEmpty func() Key) {
	t.Helper()
	buf := make([]byte, k.Size())
	k.Write(buf)
	out := newEmpty()
	n, err := out.(interface {
		Read([]byte) (int, error)
	}).Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != k.Size() {
		t.Fatalf("Read consumed %d bytes, want %d", n, k.Size())
	}
}

func TestU64RoundTrip(t *testing.T) {
	var out U64
	in := U64(123456789)
	roundTrip(t, in, func() Key { return &out })
	if out != in {
		t.Fatalf("got %d, want %d", out, in)
	}
}

func TestSignedOrderPreservation(t *testing.T) {
	lo := I32(-3)
	hi := I32(5)
	var bufLo, bufHi [4]byte
	lo.Write(bufLo[:])
	hi.Write(bufHi[:])
	if bytes.Compare(bufLo[:], bufHi[:]) >= 0 {
		t.Fatalf("I32(-3) bytes must sort before I32(5) bytes: got %x, %x", bufLo, bufHi)
	}
}

func TestSignedOrderPreservationI8(t *testing.T) {
	values := []I8{-128, -1, 0, 1, 127}
	var prev []byte
	for _, v := range values {
		buf := make([]byte, 1)
		v.Write(buf)
		if prev != nil && bytes.Compare(prev, buf) >= 0 {
			t.Fatalf("I8 encoding not monotonic at value %d", v)
		}
		prev = buf
	}
}

func TestI64RoundTripNegative(t *testing.T) {
	in := I64(-9000000000)
	buf := make([]byte, in.Size())
	in.Write(buf)
	var out I64
	if _, err := out.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out != in {
		t.Fatalf("got %d, want %d", out, in)
	}
}

func TestReadShortBuffer(t *testing.T) {
	var out U32
	if _, err := out.Read([]byte{1, 2}); err == nil {
		t.Fatalf("expected error decoding short buffer")
	}
}

func TestConcatOrdering(t *testing.T) {
	a := Concat(U64(1), Bytes("key-a"))
	b := Concat(U64(1), Bytes("key-b"))
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("expected Concat(1,key-a) < Concat(1,key-b)")
	}
	c := Concat(U64(2), Bytes("key-a"))
	if bytes.Compare(a, c) >= 0 {
		t.Fatalf("expected first component to dominate ordering")
	}
}
