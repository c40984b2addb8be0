package storage

import "testing"

var counters = NewAddress("test", "counters")

func TestForkIsolatedUntilMerge(t *testing.T) {
	db := NewDatabase()
	fork := db.Fork()
	if err := fork.Put(counters, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	snap := db.Snapshot()
	if _, ok := snap.Get(counters, []byte("a")); ok {
		t.Fatalf("snapshot must not observe unmerged fork changes")
	}

	if err := db.Merge(fork.IntoPatch()); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	after := db.Snapshot()
	v, ok := after.Get(counters, []byte("a"))
	if !ok || string(v) != "1" {
		t.Fatalf("expected merged value '1', got %q ok=%v", v, ok)
	}
	if _, ok := snap.Get(counters, []byte("a")); ok {
		t.Fatalf("older snapshot must still not see the merge")
	}
}

func TestLastWriterWinsOnMerge(t *testing.T) {
	db := NewDatabase()
	f1 := db.Fork()
	f2 := db.Fork()
	_ = f1.Put(counters, []byte("x"), []byte("from-f1"))
	_ = f2.Put(counters, []byte("x"), []byte("from-f2"))

	if err := db.Merge(f1.IntoPatch()); err != nil {
		t.Fatalf("merge f1: %v", err)
	}
	if err := db.Merge(f2.IntoPatch()); err != nil {
		t.Fatalf("merge f2: %v", err)
	}

	v, ok := db.Snapshot().Get(counters, []byte("x"))
	if !ok || string(v) != "from-f2" {
		t.Fatalf("expected last-writer-wins 'from-f2', got %q", v)
	}
}

func TestDeleteRecordsTombstone(t *testing.T) {
	db := NewDatabase()
	f1 := db.Fork()
	_ = f1.Put(counters, []byte("y"), []byte("1"))
	if err := db.Merge(f1.IntoPatch()); err != nil {
		t.Fatalf("merge: %v", err)
	}

	f2 := db.Fork()
	_ = f2.Delete(counters, []byte("y"))
	if v, ok := f2.Get(counters, []byte("y")); ok {
		t.Fatalf("fork should see its own tombstone, got %q", v)
	}
	if err := db.Merge(f2.IntoPatch()); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if _, ok := db.Snapshot().Get(counters, []byte("y")); ok {
		t.Fatalf("key should be gone after merged tombstone")
	}
}

func TestReadonlyForkRejectsWrites(t *testing.T) {
	db := NewDatabase()
	fork := db.Fork()
	_ = fork.Put(counters, []byte("z"), []byte("1"))
	ro := fork.Readonly()

	if v, ok := ro.Get(counters, []byte("z")); !ok || string(v) != "1" {
		t.Fatalf("readonly fork should still see pending changes")
	}
	if err := ro.Put(counters, []byte("z"), []byte("2")); err != ErrReadonly {
		t.Fatalf("expected ErrReadonly, got %v", err)
	}
}

func TestIndexTypeConflictRejected(t *testing.T) {
	db := NewDatabase()
	addr := NewAddress("svc", "ledger")
	f1 := db.Fork()
	if err := f1.DeclareIndex(addr, IndexProofMap); err != nil {
		t.Fatalf("DeclareIndex: %v", err)
	}
	if err := db.Merge(f1.IntoPatch()); err != nil {
		t.Fatalf("merge: %v", err)
	}

	f2 := db.Fork()
	if err := f2.DeclareIndex(addr, IndexProofList); err == nil {
		t.Fatalf("expected type conflict opening proof_list over a proof_map address")
	}
}
