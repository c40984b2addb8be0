package storage

import (
	"fmt"
	"sync"
)

// Database is the reference in-memory engine implementing the
// Snapshot/Fork/Patch contract of spec §4.C. It is the storage
// equivalent of the teacher's pkg/kvdb.KVAdapter (a thin Get/Set/Delete
// wrapper around an underlying engine) with the underlying engine being
// an in-process, versioned patch log rather than cometbft-db/RocksDB:
// no on-disk persistence is in scope here (spec §1 scopes out packaging
// and persistent key-file concerns), only the view-hierarchy contract
// that consensus is built against.
//
// Patches are applied strictly in merge order and kept forever, so a
// Get against an old Snapshot replays history from the newest matching
// patch backwards to that snapshot's generation. This makes reads
// O(generations since genesis) instead of O(1); acceptable for a
// reference engine, and documented here rather than hidden, per this
// module's error-handling design (spec §7: storage merge failures are
// fatal, never silently degraded).
type Database struct {
	mu            sync.Mutex
	patches       []*Patch
	declaredTypes map[string]IndexType
}

// NewDatabase returns an empty Database at generation 0.
func NewDatabase() *Database {
	return &Database{declaredTypes: make(map[string]IndexType)}
}

// Snapshot returns an immutable view fixed at the database's current
// generation. Per spec §5, a Patch produced by block assembly at height
// h must be merged before any event for height h+1 is processed; callers
// enforce that ordering by only taking a fresh Snapshot after Merge
// returns.
func (d *Database) Snapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &Snapshot{db: d, gen: uint64(len(d.patches))}
}

// Fork returns a mutable overlay initially equivalent to the latest
// Snapshot. Concurrent forks may be created; none observes another's
// pending changes until merged.
func (d *Database) Fork() *Fork {
	return newFork(d.Snapshot())
}

// Merge atomically applies patch to the database. Per spec §4.C, merges
// are serialized by the database (guarded by d.mu); if two patches based
// on the same snapshot are merged, the second sees the first's effects
// at the per-key granularity, because reads always walk the patch log
// from newest to oldest.
func (d *Database) Merge(patch *Patch) error {
	if patch == nil || patch.IsEmpty() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if patch != nil {
			d.patches = append(d.patches, patch)
		}
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, typ := range patch.declared {
		if existing, ok := d.declaredTypes[name]; ok && existing != typ {
			return fmt.Errorf("%w: %s declared as %s, merge carries %s", ErrTypeConflict, name, existing, typ)
		}
	}
	for name, typ := range patch.declared {
		d.declaredTypes[name] = typ
	}
	d.patches = append(d.patches, patch)
	return nil
}

// getAtGeneration looks up (addr, key) as of generation gen (exclusive
// of any patch merged at or after index gen), walking the patch log
// from newest to oldest.
func (d *Database) getAtGeneration(addr Address, key []byte, gen uint64) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := addr.fullName()
	for i := int(gen) - 1; i >= 0; i-- {
		idx, ok := d.patches[i].changes[name]
		if !ok {
			continue
		}
		if e, ok := idx[string(key)]; ok {
			if e.Tombstone {
				return nil, false
			}
			return e.Value, true
		}
	}
	return nil, false
}

// declaredType returns the type an address was first declared with,
// across all merged patches. Index declarations are treated as
// append-only and chain-lifetime-stable (an index never changes kind
// once created), so this is tracked globally rather than per-generation.
func (d *Database) declaredType(addr Address) IndexType {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.declaredTypes[addr.fullName()]
}
