package prooflist

import (
	"errors"
	"fmt"

	"github.com/veritaschain/veritas/pkg/crypto"
)

// ErrMalformedProof is returned by Validate when a proof is structurally
// inconsistent: missing a required sibling, duplicate or unsorted
// indices, or indices with no corresponding value.
var ErrMalformedProof = errors.New("prooflist: malformed proof")

// Entry pairs a requested value with its index, as returned by a range
// proof (spec §4.D: "(a) the requested values paired with their
// indices").
type Entry struct {
	Index uint64
	Value []byte
}

// Proof is the result of GetProof/GetRangeProof: the requested values
// plus the sibling hashes needed to reconstruct the root, or — for a
// range entirely outside [0, len) — just the list's length and root
// (spec §4.D "proof of absence").
type Proof struct {
	Length   uint64
	Root     crypto.Hash
	Entries  []Entry
	Siblings []crypto.Hash // zero, one or two per level climbed (left before right), in bottom-up order
}

// GetProof returns the single-index proof for index i.
func (l *ProofList) GetProof(i uint64) *Proof {
	return l.GetRangeProof(i, i+1)
}

// GetRangeProof returns a proof for indices [from, to). Per spec §4.D,
// the walk maintains [left,right] bounds and at every level includes:
// the left sibling if `left` is odd, and the right sibling at
// `right+1` if `right` is even and that sibling exists within the
// list's current length.
func (l *ProofList) GetRangeProof(from, to uint64) *Proof {
	n := l.Len()
	p := &Proof{Length: n, Root: l.Root()}
	if from >= to || from >= n {
		return p // proof of absence: carries only length and root.
	}
	if to > n {
		to = n
	}
	for i := from; i < to; i++ {
		v, _ := l.Get(i)
		p.Entries = append(p.Entries, Entry{Index: i, Value: v})
	}

	left, right := from, to-1
	levelLen := n
	level := uint8(0)
	for levelLen > 1 {
		if left%2 == 1 {
			sib, _ := l.getNode(level, left-1)
			p.Siblings = append(p.Siblings, sib)
		}
		if right%2 == 0 && right+1 < levelLen {
			sib, _ := l.getNode(level, right+1)
			p.Siblings = append(p.Siblings, sib)
		}
		left /= 2
		right /= 2
		levelLen = (levelLen + 1) / 2
		level++
	}
	return p
}

// Validate checks proof against an expected object hash and length, per
// spec §4.D / §8 ("validate(get_range_proof(range), object_hash(),
// len)"): recompute per-level hashes from supplied values and siblings
// following the same odd/even rules used during construction, fold the
// reconstructed root into an object hash exactly as ObjectHash does,
// compare that to expectedRoot, and reject any malformed proof.
// On success it returns the values in range, in increasing index order.
func Validate(proof *Proof, expectedRoot crypto.Hash, expectedLen uint64) ([]Entry, error) {
	if proof.Length != expectedLen {
		return nil, fmt.Errorf("%w: length mismatch: proof has %d, expected %d", ErrMalformedProof, proof.Length, expectedLen)
	}
	if len(proof.Entries) == 0 {
		// Proof of absence: must simply agree on length and object hash.
		if objHash := ObjectHash(proof.Length, proof.Root); !objHash.Equal(expectedRoot) {
			return nil, fmt.Errorf("%w: object hash mismatch on empty-range proof", ErrMalformedProof)
		}
		return nil, nil
	}
	for i := 1; i < len(proof.Entries); i++ {
		if proof.Entries[i].Index <= proof.Entries[i-1].Index {
			return nil, fmt.Errorf("%w: entries not strictly increasing", ErrMalformedProof)
		}
	}
	from := proof.Entries[0].Index
	to := proof.Entries[len(proof.Entries)-1].Index + 1
	if to-from != uint64(len(proof.Entries)) {
		return nil, fmt.Errorf("%w: entries are not contiguous", ErrMalformedProof)
	}

	levels := make([]crypto.Hash, len(proof.Entries))
	for i, e := range proof.Entries {
		levels[i] = hashLeaf(e.Value)
	}

	left, right := from, to-1
	levelLen := expectedLen
	siblings := proof.Siblings
	next := func() (crypto.Hash, error) {
		if len(siblings) == 0 {
			return crypto.Hash{}, fmt.Errorf("%w: missing sibling", ErrMalformedProof)
		}
		s := siblings[0]
		siblings = siblings[1:]
		return s, nil
	}

	for levelLen > 1 {
		var leftSib, rightSib crypto.Hash
		haveLeft, haveRight := false, false
		if left%2 == 1 {
			s, err := next()
			if err != nil {
				return nil, err
			}
			leftSib, haveLeft = s, true
		}
		if right%2 == 0 && right+1 < levelLen {
			s, err := next()
			if err != nil {
				return nil, err
			}
			rightSib, haveRight = s, true
		}

		nextLevels := make([]crypto.Hash, 0, (len(levels)+1)/2+2)
		working := levels
		if haveLeft {
			working = append([]crypto.Hash{leftSib}, working...)
		}
		if haveRight {
			working = append(working, rightSib)
		}
		for i := 0; i+1 < len(working); i += 2 {
			nextLevels = append(nextLevels, hashBranch(working[i], working[i+1]))
		}
		if len(working)%2 == 1 {
			nextLevels = append(nextLevels, hashSingle(working[len(working)-1]))
		}
		levels = nextLevels
		left /= 2
		right /= 2
		levelLen = (levelLen + 1) / 2
	}
	if len(siblings) != 0 {
		return nil, fmt.Errorf("%w: unused sibling hashes", ErrMalformedProof)
	}
	if len(levels) != 1 {
		return nil, fmt.Errorf("%w: proof did not fold to a single root", ErrMalformedProof)
	}
	if objHash := ObjectHash(expectedLen, levels[0]); !objHash.Equal(expectedRoot) {
		return nil, fmt.Errorf("%w: reconstructed object hash does not match expected object hash", ErrMalformedProof)
	}
	return proof.Entries, nil
}
