package proofmap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/veritaschain/veritas/pkg/crypto"
)

// Distinct failure kinds a proof can be rejected for, per spec §4.D.
var (
	ErrNonTerminalNode = errors.New("proofmap: non-terminal node as sole proof entry")
	ErrEmbeddedPaths   = errors.New("proofmap: embedded paths in proof")
	ErrDuplicatePath   = errors.New("proofmap: duplicate path in proof")
	ErrInvalidOrdering = errors.New("proofmap: invalid path ordering")
	ErrUnmatchedRoot   = errors.New("proofmap: reconstructed root does not match expected root")
)

// ProofEntry is one claimed fact about a requested key: either that it
// is present with a given value, or that it is absent (spec §4.D:
// "{missing: K}" or "{key: K, value: V}").
type ProofEntry struct {
	Key     []byte
	Value   []byte
	Missing bool
}

// SiblingEntry is one disclosed (path, hash) pair along the walk to the
// requested keys: either another leaf's full path and value hash, or an
// unexplored subtree's edge path and aggregate hash.
type SiblingEntry struct {
	Path ProofPath
	Hash crypto.Hash
}

// Proof is the result of GetProof/GetMultiProof.
type Proof struct {
	Siblings []SiblingEntry
	Entries  []ProofEntry
}

type reqItem struct {
	idx  int
	path ProofPath
}

// GetProof returns a proof for a single key, present or absent.
func (m *ProofMap) GetProof(key []byte) *Proof {
	return m.GetMultiProof([][]byte{key})
}

// GetMultiProof returns a single proof covering every key in keysIn,
// disclosing only the subtrees needed to prove each one present or
// absent.
func (m *ProofMap) GetMultiProof(keysIn [][]byte) *Proof {
	proof := &Proof{}
	reqs := make([]reqItem, len(keysIn))
	for i, k := range keysIn {
		reqs[i] = reqItem{idx: i, path: pathForKey(k)}
	}
	found := make([]bool, len(keysIn))

	root := m.getRoot()
	switch root.kind {
	case rootEmpty:
		// Nothing to disclose; every key will be recorded missing below.
	case rootLeaf:
		matched := false
		for _, r := range reqs {
			if r.path.Equal(root.leaf) {
				v, _ := m.getValue(root.leaf)
				proof.Entries = append(proof.Entries, ProofEntry{Key: keysIn[r.idx], Value: v})
				found[r.idx] = true
				matched = true
			}
		}
		if !matched {
			proof.Siblings = append(proof.Siblings, SiblingEntry{
				Path: root.leaf,
				Hash: hashLeafValueAt(m, root.leaf),
			})
		}
	case rootBranch:
		m.collectProof(root.branch, reqs, keysIn, proof, found)
	}

	for i, k := range keysIn {
		if !found[i] {
			proof.Entries = append(proof.Entries, ProofEntry{Key: k, Missing: true})
		}
	}
	return proof
}

// collectProof walks rec's two children, routing each still-relevant
// request (one whose path starts with the child's edge) further down,
// and opaquely disclosing any child subtree that no request reaches.
func (m *ProofMap) collectProof(rec branchRecord, reqs []reqItem, keysIn [][]byte, proof *Proof, found []bool) {
	sides := [2]struct {
		path   ProofPath
		hash   crypto.Hash
		isLeaf bool
	}{
		{rec.leftPath, rec.leftHash, rec.leftLeaf},
		{rec.rightPath, rec.rightHash, rec.rightLeaf},
	}

	for _, side := range sides {
		var sideReqs []reqItem
		for _, r := range reqs {
			if r.path.StartsWith(side.path) {
				sideReqs = append(sideReqs, r)
			}
		}
		if len(sideReqs) == 0 {
			proof.Siblings = append(proof.Siblings, SiblingEntry{Path: side.path, Hash: side.hash})
			continue
		}
		if side.isLeaf {
			v, _ := m.getValue(side.path)
			for _, r := range sideReqs {
				proof.Entries = append(proof.Entries, ProofEntry{Key: keysIn[r.idx], Value: v})
				found[r.idx] = true
			}
			continue
		}
		childRec, ok := m.getBranch(side.path)
		if !ok {
			continue
		}
		m.collectProof(childRec, sideReqs, keysIn, proof, found)
	}
}

// foldEntry is a (path, hash) pair participating in root reconstruction:
// either a disclosed sibling or a leaf derived from a present entry.
type foldEntry struct {
	path ProofPath
	hash crypto.Hash
}

// collect recomputes the map's Merkle root from entries, assumed sorted
// by path ascending, following the collapsing-contour algorithm: add
// entries left to right, folding the rightmost two whenever the new
// entry's common prefix with the contour is shorter than the contour's
// own trailing common prefix.
func collect(entries []foldEntry) (crypto.Hash, error) {
	switch len(entries) {
	case 0:
		return crypto.Hash{}, nil
	case 1:
		if entries[0].path.IsLeaf() {
			return hashSingleLeaf(entries[0].path, entries[0].hash), nil
		}
		return crypto.Hash{}, fmt.Errorf("%w: %s", ErrNonTerminalNode, entries[0].path.String())
	}

	contour := make([]foldEntry, 0, len(entries))
	contour = append(contour, entries[0], entries[1])
	lastPrefix := entries[0].path.Prefix(CommonPrefixLen(entries[0].path, entries[1].path))

	fold := func() {
		n := len(contour)
		last, penultimate := contour[n-1], contour[n-2]
		contour = contour[:n-2]
		contour = append(contour, foldEntry{
			path: lastPrefix,
			hash: hashBranchPaths(penultimate.path, penultimate.hash, last.path, last.hash),
		})
	}

	for _, entry := range entries[2:] {
		newPrefix := contour[len(contour)-1].path.Prefix(CommonPrefixLen(contour[len(contour)-1].path, entry.path))
		for len(contour) > 1 && newPrefix.Len() < lastPrefix.Len() {
			fold()
			if len(contour) > 1 {
				lastPrefix = contour[len(contour)-2].path.Prefix(CommonPrefixLen(contour[len(contour)-2].path, lastPrefix))
			}
		}
		contour = append(contour, entry)
		lastPrefix = newPrefix
	}
	for len(contour) > 1 {
		fold()
		if len(contour) > 1 {
			lastPrefix = contour[len(contour)-2].path.Prefix(CommonPrefixLen(contour[len(contour)-2].path, lastPrefix))
		}
	}
	return contour[0].hash, nil
}

// precheck validates the structural invariants spec §4.D lists before
// any hash is recomputed: proof siblings strictly ascending with no
// embedded/duplicate paths, and no proof entry's key path colliding with
// or nested inside a disclosed sibling path.
func precheck(proof *Proof) error {
	for i := 1; i < len(proof.Siblings); i++ {
		prev, cur := proof.Siblings[i-1].Path, proof.Siblings[i].Path
		switch c := Compare(prev, cur); {
		case c < 0:
			if cur.StartsWith(prev) {
				return fmt.Errorf("%w: %s is a prefix of %s", ErrEmbeddedPaths, prev.String(), cur.String())
			}
		case c == 0:
			return fmt.Errorf("%w: %s", ErrDuplicatePath, cur.String())
		default:
			return fmt.Errorf("%w: %s before %s", ErrInvalidOrdering, prev.String(), cur.String())
		}
	}

	for _, e := range proof.Entries {
		path := pathForKey(e.Key)
		idx := sort.Search(len(proof.Siblings), func(i int) bool {
			return Compare(proof.Siblings[i].Path, path) >= 0
		})
		if idx < len(proof.Siblings) && proof.Siblings[idx].Path.Equal(path) {
			return fmt.Errorf("%w: %s", ErrDuplicatePath, path.String())
		}
		if idx > 0 {
			prev := proof.Siblings[idx-1].Path
			if path.StartsWith(prev) {
				return fmt.Errorf("%w: %s is a prefix of %s", ErrEmbeddedPaths, prev.String(), path.String())
			}
		}
	}
	return nil
}

// Validate checks proof against an expected root, per spec §4.D. On
// success it returns the present entries (key -> value) and the keys
// asserted absent.
func Validate(proof *Proof, expectedRoot crypto.Hash) (present map[string][]byte, missing [][]byte, err error) {
	if err := precheck(proof); err != nil {
		return nil, nil, err
	}

	combined := make([]foldEntry, 0, len(proof.Siblings)+len(proof.Entries))
	for _, s := range proof.Siblings {
		combined = append(combined, foldEntry{path: s.Path, hash: s.Hash})
	}
	present = make(map[string][]byte)
	for _, e := range proof.Entries {
		if e.Missing {
			missing = append(missing, e.Key)
			continue
		}
		combined = append(combined, foldEntry{path: pathForKey(e.Key), hash: hashLeafValue(e.Value)})
		present[string(e.Key)] = e.Value
	}

	sort.Slice(combined, func(i, j int) bool { return Compare(combined[i].path, combined[j].path) < 0 })
	for i := 1; i < len(combined); i++ {
		if combined[i-1].path.Equal(combined[i].path) {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicatePath, combined[i].path.String())
		}
	}

	root, err := collect(combined)
	if err != nil {
		return nil, nil, err
	}
	if objHash := ObjectHash(root); !objHash.Equal(expectedRoot) {
		return nil, nil, ErrUnmatchedRoot
	}
	return present, missing, nil
}
