package blockchain

import (
	"errors"
	"testing"

	"github.com/veritaschain/veritas/pkg/crypto"
)

func hashOf(b byte) crypto.Hash {
	return crypto.SHA256([]byte{b})
}

func TestPoolAddGetRemove(t *testing.T) {
	p := NewPool()
	h := hashOf(1)
	if err := p.Add(h, []byte("raw")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Add(h, []byte("raw")); !errors.Is(err, ErrAlreadyInPool) {
		t.Fatalf("second Add = %v, want ErrAlreadyInPool", err)
	}
	if _, ok := p.Get(h); !ok {
		t.Fatalf("Get did not find inserted tx")
	}
	p.Remove(h)
	if _, ok := p.Get(h); ok {
		t.Fatalf("Get found tx after Remove")
	}
}

func TestPoolSelectForProposeOrdersByArrival(t *testing.T) {
	p := NewPool()
	hashes := []crypto.Hash{hashOf(1), hashOf(2), hashOf(3)}
	for _, h := range hashes {
		if err := p.Add(h, nil); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	selected := p.SelectForPropose(2)
	if len(selected) != 2 {
		t.Fatalf("len(selected) = %d, want 2", len(selected))
	}
	if selected[0] != hashes[0] || selected[1] != hashes[1] {
		t.Fatalf("selection not in arrival order: %v", selected)
	}
	if p.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", p.Len())
	}
}
