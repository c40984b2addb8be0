package prooflist

import (
	"encoding/binary"
	"testing"

	"github.com/veritaschain/veritas/pkg/crypto"
	"github.com/veritaschain/veritas/pkg/storage"
)

func u64le(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func newList(t *testing.T) *ProofList {
	t.Helper()
	db := storage.NewDatabase()
	fork := db.Fork()
	l, err := New(fork, storage.NewAddress("test", "txs"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// TestConcreteHashScenario reproduces spec §8's worked example exactly:
// pushing 2, 4, 6 as little-endian u64 values and checking every
// intermediate hash, including the odd-node ("single node") rule.
func TestConcreteHashScenario(t *testing.T) {
	l := newList(t)
	for _, v := range []uint64{2, 4, 6} {
		if err := l.Push(u64le(v)); err != nil {
			t.Fatalf("Push(%d): %v", v, err)
		}
	}

	h0 := crypto.SHA256([]byte{tagLeaf}, u64le(2))
	h1 := crypto.SHA256([]byte{tagLeaf}, u64le(4))
	h2 := crypto.SHA256([]byte{tagLeaf}, u64le(6))
	h01 := crypto.SHA256([]byte{tagBranch}, h0[:], h1[:])
	h22 := crypto.SHA256([]byte{tagSingle}, h2[:])
	h012 := crypto.SHA256([]byte{tagBranch}, h01[:], h22[:])

	if l.Root() != h012 {
		t.Fatalf("root mismatch:\n got  %x\n want %x", l.Root(), h012)
	}

	lenBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(lenBuf, 3)
	wantObjHash := crypto.SHA256([]byte{tagList}, lenBuf, h012[:])
	if l.ObjectHash() != wantObjHash {
		t.Fatalf("object hash mismatch:\n got  %x\n want %x", l.ObjectHash(), wantObjHash)
	}
}

func TestEmptyListObjectHash(t *testing.T) {
	l := newList(t)
	if !l.Root().IsZero() {
		t.Fatalf("empty list root must be zero")
	}
	want := crypto.SHA256([]byte{tagList}, make([]byte, 8), make([]byte, 32))
	if l.ObjectHash() != want {
		t.Fatalf("empty list object hash mismatch")
	}
}

func TestRangeProofValidatesAgainstObjectHash(t *testing.T) {
	l := newList(t)
	values := [][]byte{u64le(1), u64le(2), u64le(3), u64le(4), u64le(5), u64le(6), u64le(7)}
	for _, v := range values {
		if err := l.Push(v); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	objHash := l.ObjectHash()

	for from := uint64(0); from < uint64(len(values)); from++ {
		for to := from + 1; to <= uint64(len(values)); to++ {
			proof := l.GetRangeProof(from, to)
			entries, err := Validate(proof, objHash, l.Len())
			if err != nil {
				t.Fatalf("Validate([%d,%d)): %v", from, to, err)
			}
			if len(entries) != int(to-from) {
				t.Fatalf("Validate([%d,%d)) returned %d entries, want %d", from, to, len(entries), to-from)
			}
			for i, e := range entries {
				if e.Index != from+uint64(i) {
					t.Fatalf("entry %d has index %d, want %d", i, e.Index, from+uint64(i))
				}
				if string(e.Value) != string(values[e.Index]) {
					t.Fatalf("entry %d value mismatch", i)
				}
			}
		}
	}
}

func TestProofOfAbsence(t *testing.T) {
	l := newList(t)
	_ = l.Push(u64le(1))
	_ = l.Push(u64le(2))

	proof := l.GetProof(5) // out of range
	if len(proof.Entries) != 0 {
		t.Fatalf("expected proof of absence to carry no entries")
	}
	entries, err := Validate(proof, l.ObjectHash(), l.Len())
	if err != nil {
		t.Fatalf("Validate absence proof: %v", err)
	}
	if entries != nil {
		t.Fatalf("expected nil entries for absence proof")
	}
}

func TestValidateRejectsTamperedSibling(t *testing.T) {
	l := newList(t)
	for _, v := range []uint64{1, 2, 3, 4, 5} {
		_ = l.Push(u64le(v))
	}
	objHash := l.ObjectHash()
	proof := l.GetRangeProof(0, 1)
	if len(proof.Siblings) == 0 {
		t.Fatalf("expected at least one sibling in this proof")
	}
	proof.Siblings[0][0] ^= 0xFF
	if _, err := Validate(proof, objHash, l.Len()); err == nil {
		t.Fatalf("expected tampered sibling to fail validation")
	}
}

func TestSetRehashesPath(t *testing.T) {
	l := newList(t)
	for _, v := range []uint64{1, 2, 3, 4} {
		_ = l.Push(u64le(v))
	}
	before := l.Root()
	if err := l.Set(2, u64le(999)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if l.Root() == before {
		t.Fatalf("root should change after Set")
	}
	v, ok := l.Get(2)
	if !ok || string(v) != string(u64le(999)) {
		t.Fatalf("Get(2) after Set did not return new value")
	}
}

func TestSetOutOfRangePanics(t *testing.T) {
	l := newList(t)
	_ = l.Push(u64le(1))
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic setting out-of-range index")
		}
	}()
	_ = l.Set(5, u64le(1))
}
