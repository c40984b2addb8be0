package blockchain

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/veritaschain/veritas/pkg/crypto"
)

// ErrAlreadyInPool is returned by Pool.Add when a transaction with the
// same hash has already been accepted.
var ErrAlreadyInPool = errors.New("blockchain: transaction already in pool")

// ErrNotInPool names a lookup or removal of a hash the pool does not
// hold. Pool's own methods do not return it: Get reports absence with a
// bool, and Remove of an absent hash does nothing.
var ErrNotInPool = errors.New("blockchain: transaction not in pool")

// PooledTx is an accepted-but-not-yet-committed transaction, per spec §3
// "Lifecycle": "accepted into the pool once signature + domain-specific
// verify() succeed."
type PooledTx struct {
	Hash     crypto.Hash
	Raw      []byte // the full signed message bytes, as received
	Sequence uint64 // monotonic arrival order, assigned at insertion
}

// Pool is the event-loop-owned set of unconfirmed transactions (spec
// §5 "Shared resources": "The pool of unconfirmed transactions — owned
// by the event loop."). It is safe for concurrent read access from
// outside the loop (e.g. an HTTP status query) but all mutation is
// expected to happen from the single event-loop goroutine; the
// internal mutex exists only to make read-side queries safe, not to
// invite concurrent writers.
type Pool struct {
	mu       sync.Mutex
	byHash   map[crypto.Hash]PooledTx
	nextSeq  uint64
}

// NewPool returns an empty Pool.
func NewPool() *Pool {
	return &Pool{byHash: make(map[crypto.Hash]PooledTx)}
}

// Add inserts tx into the pool, assigning it the next arrival sequence
// number. Returns ErrAlreadyInPool if a transaction with the same hash
// is already present (accepting it again is a no-op error, not a
// duplicate entry).
func (p *Pool) Add(hash crypto.Hash, raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byHash[hash]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyInPool, hash)
	}
	p.byHash[hash] = PooledTx{Hash: hash, Raw: append([]byte(nil), raw...), Sequence: p.nextSeq}
	p.nextSeq++
	return nil
}

// Get looks up a pooled transaction by hash (spec §3 "Lifecycle":
// "located by its hash").
func (p *Pool) Get(hash crypto.Hash) (PooledTx, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.byHash[hash]
	return tx, ok
}

// Remove deletes hash from the pool, e.g. once it has been committed
// (spec §3 "Lifecycle": "removed from the pool when committed").
func (p *Pool) Remove(hash crypto.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byHash, hash)
}

// Len returns the number of pooled transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}

// SelectForPropose returns up to max pooled transaction hashes, in
// arrival order, to be proposed in a block. Ordering by Sequence makes
// selection a pure function of (pool contents, max) with no dependence
// on height or round beyond the caller passing a consistent pool
// snapshot — resolving the Open Question in spec §9 the way
// SPEC_FULL.md §4.H.1 records: "a pure function of (pool snapshot,
// height, round) resolved by sorting pool entries by arrival sequence
// number."
func (p *Pool) SelectForPropose(max uint32) []crypto.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := make([]PooledTx, 0, len(p.byHash))
	for _, tx := range p.byHash {
		all = append(all, tx)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Sequence < all[j].Sequence })
	if uint32(len(all)) > max {
		all = all[:max]
	}
	out := make([]crypto.Hash, len(all))
	for i, tx := range all {
		out[i] = tx.Hash
	}
	return out
}
