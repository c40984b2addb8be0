// Package storage implements the Snapshot / Fork / Patch view hierarchy
// of spec §4.C over a simple flat key-value engine, plus the metadata
// catalog that lets every index declare and check its own type.
//
// The view hierarchy here is the Go rendering of DESIGN NOTES §9's
// cyclic-reference guidance: instead of borrowed/owned smart-pointer
// variants, Access is a small interface with two concrete
// implementations, and mutability is gated by a runtime check
// (Access.CanMutate) rather than by the type system, so the same Fork
// value can be handed out as a read-only ReadonlyFork view without a
// copy.
package storage

import (
	"errors"
	"fmt"
	"sync"
)

// ErrReadonly is returned by Put/Delete when called on an access that
// has been marked read-only (spec §3: "ReadonlyFork ... rejects writes
// at runtime").
var ErrReadonly = errors.New("storage: view is read-only")

// ErrTypeConflict is returned when an index is reopened at an address
// under a different IndexType than it was previously declared with.
var ErrTypeConflict = errors.New("storage: index type conflict")

// entry is one logical (index, key) -> value record. A nil Value with
// Tombstone set represents a deletion recorded in a Fork's buffer.
type entry struct {
	Value     []byte
	Tombstone bool
}

// Access is the erased accessor every index implementation is built
// against. It unifies owned (Database-rooted) and borrowed (Fork- or
// Snapshot-rooted) accesses behind one interface.
type Access interface {
	// Get returns the raw value stored at (addr, key), or (nil, false)
	// if absent.
	Get(addr Address, key []byte) ([]byte, bool)
	// CanMutate reports whether Put/Delete are permitted on this access.
	CanMutate() bool
	// Put stores value at (addr, key). Returns ErrReadonly if !CanMutate().
	Put(addr Address, key, value []byte) error
	// Delete removes (addr, key), recording a tombstone if this access
	// is a Fork over a Snapshot that still has the key. Returns
	// ErrReadonly if !CanMutate().
	Delete(addr Address, key []byte) error
	// DeclareIndex registers addr as having type typ, or validates that
	// a previous declaration agrees; ErrTypeConflict otherwise.
	DeclareIndex(addr Address, typ IndexType) error
	// IndexType returns the previously declared type at addr, or
	// IndexUnknown if never declared.
	IndexType(addr Address) IndexType
}

// Snapshot is an immutable, point-in-time read view over a Database.
// Concurrent readers may hold a Snapshot indefinitely (spec §5): it
// never observes writes made after it was created.
type Snapshot struct {
	db  *Database
	gen uint64 // generation id: number of merged patches visible (patches [0, gen))
}

var _ Access = (*Snapshot)(nil)

func (s *Snapshot) Get(addr Address, key []byte) ([]byte, bool) {
	return s.db.getAtGeneration(addr, key, s.gen)
}

func (s *Snapshot) CanMutate() bool { return false }

func (s *Snapshot) Put(Address, []byte, []byte) error { return ErrReadonly }

func (s *Snapshot) Delete(Address, []byte) error { return ErrReadonly }

func (s *Snapshot) DeclareIndex(addr Address, typ IndexType) error {
	declared := s.db.declaredType(addr)
	if declared == IndexUnknown {
		// A read-only Snapshot cannot register a new declaration; it can
		// only agree with an existing one or see none yet.
		return nil
	}
	if declared != typ {
		return fmt.Errorf("%w: %s.%s declared as %s, opened as %s", ErrTypeConflict, addr.Namespace, addr.Name, declared, typ)
	}
	return nil
}

func (s *Snapshot) IndexType(addr Address) IndexType { return s.db.declaredType(addr) }

// Fork returns a mutable overlay whose reads fall through to s.
func (s *Snapshot) Fork() *Fork { return newFork(s) }

// Fork is a mutable overlay on top of a Snapshot. Writes accumulate in
// an in-memory buffer and are only visible to the Fork that made them
// until the Fork is finalized into a Patch and merged back into the
// Database (spec §4.C).
type Fork struct {
	mu       sync.Mutex
	base     *Snapshot
	buffer   map[string]map[string]entry // fullName(addr) -> key -> entry
	declared map[string]IndexType
	readonly bool
}

var _ Access = (*Fork)(nil)

func newFork(base *Snapshot) *Fork {
	return &Fork{
		base:     base,
		buffer:   make(map[string]map[string]entry),
		declared: make(map[string]IndexType),
	}
}

func (f *Fork) Get(addr Address, key []byte) ([]byte, bool) {
	f.mu.Lock()
	if idx, ok := f.buffer[addr.fullName()]; ok {
		if e, ok := idx[string(key)]; ok {
			f.mu.Unlock()
			if e.Tombstone {
				return nil, false
			}
			return e.Value, true
		}
	}
	f.mu.Unlock()
	return f.base.Get(addr, key)
}

func (f *Fork) CanMutate() bool { return !f.readonly }

func (f *Fork) Put(addr Address, key, value []byte) error {
	if f.readonly {
		return ErrReadonly
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := addr.fullName()
	idx, ok := f.buffer[name]
	if !ok {
		idx = make(map[string]entry)
		f.buffer[name] = idx
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	idx[string(key)] = entry{Value: stored}
	return nil
}

func (f *Fork) Delete(addr Address, key []byte) error {
	if f.readonly {
		return ErrReadonly
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := addr.fullName()
	idx, ok := f.buffer[name]
	if !ok {
		idx = make(map[string]entry)
		f.buffer[name] = idx
	}
	idx[string(key)] = entry{Tombstone: true}
	return nil
}

func (f *Fork) DeclareIndex(addr Address, typ IndexType) error {
	f.mu.Lock()
	name := addr.fullName()
	if existing, ok := f.declared[name]; ok {
		f.mu.Unlock()
		if existing != typ {
			return fmt.Errorf("%w: %s.%s declared as %s in this fork, reopened as %s", ErrTypeConflict, addr.Namespace, addr.Name, existing, typ)
		}
		return nil
	}
	f.mu.Unlock()
	if err := f.base.DeclareIndex(addr, typ); err != nil {
		return err
	}
	f.mu.Lock()
	f.declared[name] = typ
	f.mu.Unlock()
	return nil
}

func (f *Fork) IndexType(addr Address) IndexType {
	f.mu.Lock()
	if t, ok := f.declared[addr.fullName()]; ok {
		f.mu.Unlock()
		return t
	}
	f.mu.Unlock()
	return f.base.IndexType(addr)
}

// Readonly projects f into a view that still observes f's own pending
// changes but rejects any further writes (spec §4.C "readonly()").
func (f *Fork) Readonly() *Fork {
	return &Fork{base: f.base, buffer: f.buffer, declared: f.declared, readonly: true}
}

// Checkpoint captures a Fork's buffered state so a subsequent Rollback
// can undo every write made since, without disturbing writes made
// before the checkpoint. Used by block assembly (pkg/blockchain) to
// roll back a single failing transaction's changes while keeping the
// bookkeeping (tx-hash list, error map) recorded around it (spec §4.E
// step 4: "Either failure rolls back only that transaction's
// accumulated changes.").
type Checkpoint struct {
	buffer   map[string]map[string]entry
	declared map[string]IndexType
}

// Checkpoint snapshots f's current buffer and index declarations.
func (f *Fork) Checkpoint() *Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make(map[string]map[string]entry, len(f.buffer))
	for name, idx := range f.buffer {
		cp := make(map[string]entry, len(idx))
		for k, v := range idx {
			cp[k] = v
		}
		buf[name] = cp
	}
	declared := make(map[string]IndexType, len(f.declared))
	for k, v := range f.declared {
		declared[k] = v
	}
	return &Checkpoint{buffer: buf, declared: declared}
}

// Rollback restores f to the state captured by cp, discarding any
// writes or index declarations made since.
func (f *Fork) Rollback(cp *Checkpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffer = cp.buffer
	f.declared = cp.declared
}

// IntoPatch finalizes the Fork, returning an opaque Patch ready to be
// merged into a Database. The Fork must not be mutated afterwards.
func (f *Fork) IntoPatch() *Patch {
	f.mu.Lock()
	defer f.mu.Unlock()
	changes := make(map[string]map[string]entry, len(f.buffer))
	for name, idx := range f.buffer {
		cp := make(map[string]entry, len(idx))
		for k, v := range idx {
			cp[k] = v
		}
		changes[name] = cp
	}
	declared := make(map[string]IndexType, len(f.declared))
	for k, v := range f.declared {
		declared[k] = v
	}
	return &Patch{baseGen: f.base.gen, changes: changes, declared: declared}
}

// Patch is a Fork finalized into an opaque, mergeable change set (spec
// §4.C). Patches are immutable once created.
type Patch struct {
	baseGen  uint64
	changes  map[string]map[string]entry
	declared map[string]IndexType
}

// IsEmpty reports whether the patch has no changes and no new index
// declarations worth merging.
func (p *Patch) IsEmpty() bool {
	return len(p.changes) == 0 && len(p.declared) == 0
}
