// Package proofmap implements the authenticated Merkle-Patricia map
// index of spec §4.D ("ProofMap"): a compressed binary trie over the
// SHA-256 hash of each user key, producing a single root hash and
// compact inclusion/absence proofs.
//
// Grounded on the collapsing-contour proof-reconstruction algorithm of
// exonum's proof_map_index/proof.rs (`collect`), generalized here to
// also cover tree mutation: insertion splits an existing edge at the
// first diverging bit; deletion collapses a branch left with a single
// child by extending the surviving edge (spec §4.D).
package proofmap

import (
	"errors"
	"fmt"

	"github.com/veritaschain/veritas/pkg/crypto"
	"github.com/veritaschain/veritas/pkg/storage"
	"github.com/veritaschain/veritas/pkg/storage/keys"
)

var errShortBuffer = errors.New("proofmap: short buffer")

// Hashing domain tags, matching the tagging convention of
// pkg/storage/prooflist.
const (
	tagMapLeaf         byte = 0x00
	tagMapBranch       byte = 0x01
	tagMapSingleLeaf   byte = 0x02
	tagMapObject       byte = 0x03
)

func hashLeafValue(value []byte) crypto.Hash {
	return crypto.SHA256([]byte{tagMapLeaf}, value)
}

func hashBranchPaths(leftPath ProofPath, leftHash crypto.Hash, rightPath ProofPath, rightHash crypto.Hash) crypto.Hash {
	return crypto.SHA256([]byte{tagMapBranch},
		leftPath.encode(), leftHash[:],
		rightPath.encode(), rightHash[:])
}

func hashBranchNode(r branchRecord) crypto.Hash {
	return hashBranchPaths(r.leftPath, r.leftHash, r.rightPath, r.rightHash)
}

func hashSingleLeaf(path ProofPath, valueHash crypto.Hash) crypto.Hash {
	return crypto.SHA256([]byte{tagMapSingleLeaf}, path.encode(), valueHash[:])
}

// ObjectHash computes SHA256(tag_map || merkle_root), per spec §3 and
// §4.D; root is the zero hash for an empty map.
func ObjectHash(root crypto.Hash) crypto.Hash {
	return crypto.SHA256([]byte{tagMapObject}, root[:])
}

// branchRecord is a Branch node: the two child edges, each carrying the
// child's full path from the root (the whole key path for a leaf, the
// prefix its record is stored under for a branch), the child's own
// hash, and whether that
// child is itself a leaf (in which case its value is fetched directly
// by its full path) or another branch (fetched by recursing into node
// storage keyed at that same path).
type branchRecord struct {
	leftPath  ProofPath
	leftHash  crypto.Hash
	leftLeaf  bool
	rightPath ProofPath
	rightHash crypto.Hash
	rightLeaf bool
}

func (r branchRecord) side(bit int) (ProofPath, crypto.Hash, bool) {
	if bit == 0 {
		return r.leftPath, r.leftHash, r.leftLeaf
	}
	return r.rightPath, r.rightHash, r.rightLeaf
}

func (r *branchRecord) setSide(bit int, path ProofPath, hash crypto.Hash, isLeaf bool) {
	if bit == 0 {
		r.leftPath, r.leftHash, r.leftLeaf = path, hash, isLeaf
	} else {
		r.rightPath, r.rightHash, r.rightLeaf = path, hash, isLeaf
	}
}

func encodeBranch(r branchRecord) []byte {
	buf := make([]byte, 0, 2*(1+2+crypto.HashSize+pathBytes))
	buf = append(buf, boolByte(r.leftLeaf))
	buf = append(buf, r.leftPath.encode()...)
	buf = append(buf, r.leftHash[:]...)
	buf = append(buf, boolByte(r.rightLeaf))
	buf = append(buf, r.rightPath.encode()...)
	buf = append(buf, r.rightHash[:]...)
	return buf
}

func decodeBranch(buf []byte) (branchRecord, error) {
	var r branchRecord
	var err error
	r.leftLeaf, buf, err = readBool(buf)
	if err != nil {
		return r, err
	}
	r.leftPath, buf, err = readPath(buf)
	if err != nil {
		return r, err
	}
	r.leftHash, buf, err = readHash(buf)
	if err != nil {
		return r, err
	}
	r.rightLeaf, buf, err = readBool(buf)
	if err != nil {
		return r, err
	}
	r.rightPath, buf, err = readPath(buf)
	if err != nil {
		return r, err
	}
	r.rightHash, _, err = readHash(buf)
	return r, err
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func readBool(buf []byte) (bool, []byte, error) {
	if len(buf) < 1 {
		return false, nil, errShortBuffer
	}
	return buf[0] != 0, buf[1:], nil
}

func readPath(buf []byte) (ProofPath, []byte, error) {
	p, n, err := decodeProofPath(buf)
	if err != nil {
		return ProofPath{}, nil, err
	}
	return p, buf[n:], nil
}

func readHash(buf []byte) (crypto.Hash, []byte, error) {
	if len(buf) < crypto.HashSize {
		return crypto.Hash{}, nil, errShortBuffer
	}
	h, err := crypto.HashFromBytes(buf[:crypto.HashSize])
	if err != nil {
		return crypto.Hash{}, nil, err
	}
	return h, buf[crypto.HashSize:], nil
}

// rootKind distinguishes the three states a map's root can be in.
type rootKind uint8

const (
	rootEmpty rootKind = iota
	rootLeaf
	rootBranch
)

// sentinelPath is the reserved zero-length path identifying the root
// node's storage slot; genuine edges are always non-empty (spec §4.D:
// "left_path and right_path are non-empty bit-slices"), so this can
// never collide with a real node's identity.
var sentinelPath = ProofPath{len: 0}

// ProofMap is an authenticated key-value map backed by a storage
// Access, keyed by the SHA-256 hash of each inserted key.
type ProofMap struct {
	access storage.Access
	addr   storage.Address
}

// New opens (or creates) a ProofMap at addr within access.
func New(access storage.Access, addr storage.Address) (*ProofMap, error) {
	if err := access.DeclareIndex(addr, storage.IndexProofMap); err != nil {
		return nil, err
	}
	return &ProofMap{access: access, addr: addr}, nil
}

func (m *ProofMap) nodeKey(path ProofPath) []byte {
	return keys.Concat(keys.U8(0), keys.Bytes(path.encode()))
}

func (m *ProofMap) valueKey(path ProofPath) []byte {
	return keys.Concat(keys.U8(1), keys.Bytes(path.encode()))
}

func (m *ProofMap) rootDescriptorKey() []byte { return []byte("root") }

type rootDescriptor struct {
	kind   rootKind
	leaf   ProofPath
	branch branchRecord
}

func (m *ProofMap) getRoot() rootDescriptor {
	v, ok := m.access.Get(m.addr, m.rootDescriptorKey())
	if !ok || len(v) == 0 {
		return rootDescriptor{kind: rootEmpty}
	}
	switch v[0] {
	case byte(rootLeaf):
		p, _, err := decodeProofPath(v[1:])
		if err != nil {
			return rootDescriptor{kind: rootEmpty}
		}
		return rootDescriptor{kind: rootLeaf, leaf: p}
	case byte(rootBranch):
		rec, err := decodeBranch(v[1:])
		if err != nil {
			return rootDescriptor{kind: rootEmpty}
		}
		return rootDescriptor{kind: rootBranch, branch: rec}
	default:
		return rootDescriptor{kind: rootEmpty}
	}
}

func (m *ProofMap) setRoot(d rootDescriptor) error {
	var buf []byte
	switch d.kind {
	case rootEmpty:
		return m.access.Delete(m.addr, m.rootDescriptorKey())
	case rootLeaf:
		buf = append([]byte{byte(rootLeaf)}, d.leaf.encode()...)
	case rootBranch:
		buf = append([]byte{byte(rootBranch)}, encodeBranch(d.branch)...)
	}
	return m.access.Put(m.addr, m.rootDescriptorKey(), buf)
}

func (m *ProofMap) getBranch(path ProofPath) (branchRecord, bool) {
	v, ok := m.access.Get(m.addr, m.nodeKey(path))
	if !ok {
		return branchRecord{}, false
	}
	rec, err := decodeBranch(v)
	if err != nil {
		return branchRecord{}, false
	}
	return rec, true
}

func (m *ProofMap) storeBranch(path ProofPath, rec branchRecord) error {
	return m.access.Put(m.addr, m.nodeKey(path), encodeBranch(rec))
}

func (m *ProofMap) deleteBranch(path ProofPath) error {
	return m.access.Delete(m.addr, m.nodeKey(path))
}

func (m *ProofMap) putValue(path ProofPath, value []byte) error {
	return m.access.Put(m.addr, m.valueKey(path), value)
}

func (m *ProofMap) getValue(path ProofPath) ([]byte, bool) {
	return m.access.Get(m.addr, m.valueKey(path))
}

func (m *ProofMap) deleteValue(path ProofPath) error {
	return m.access.Delete(m.addr, m.valueKey(path))
}

func pathForKey(key []byte) ProofPath {
	return NewProofPath(crypto.SHA256(key))
}

// Get returns the value stored for key, or (nil,false) if absent.
func (m *ProofMap) Get(key []byte) ([]byte, bool) {
	return m.getValue(pathForKey(key))
}

// Contains reports whether key is present.
func (m *ProofMap) Contains(key []byte) bool {
	_, ok := m.Get(key)
	return ok
}

// Put inserts or overwrites the value for key, rehashing the path to
// the root (spec §4.D: "All mutations rehash the path to the root.").
func (m *ProofMap) Put(key, value []byte) error {
	kp := pathForKey(key)
	root := m.getRoot()
	switch root.kind {
	case rootEmpty:
		if err := m.putValue(kp, value); err != nil {
			return err
		}
		return m.setRoot(rootDescriptor{kind: rootLeaf, leaf: kp})

	case rootLeaf:
		if root.leaf.Equal(kp) {
			return m.putValue(kp, value)
		}
		rec := splitIntoBranch(root.leaf, hashLeafValueAt(m, root.leaf), true, kp, hashLeafValue(value), true)
		if err := m.putValue(kp, value); err != nil {
			return err
		}
		return m.setRoot(rootDescriptor{kind: rootBranch, branch: rec})

	default: // rootBranch
		// The root's children diverge at bit d. A key that leaves the
		// root's common prefix before d becomes the sibling of the whole
		// old root under a new root branch.
		d := CommonPrefixLen(root.branch.leftPath, root.branch.rightPath)
		rootPrefix := root.branch.leftPath.Prefix(d)
		if !kp.StartsWith(rootPrefix) {
			if err := m.storeBranch(rootPrefix, root.branch); err != nil {
				return err
			}
			rec := splitIntoBranch(rootPrefix, hashBranchNode(root.branch), false, kp, hashLeafValue(value), true)
			if err := m.putValue(kp, value); err != nil {
				return err
			}
			return m.setRoot(rootDescriptor{kind: rootBranch, branch: rec})
		}
		newRec, err := m.insertInto(root.branch, d, kp, value)
		if err != nil {
			return err
		}
		return m.setRoot(rootDescriptor{kind: rootBranch, branch: newRec})
	}
}

func hashLeafValueAt(m *ProofMap, path ProofPath) crypto.Hash {
	v, _ := m.getValue(path)
	return hashLeafValue(v)
}

// splitIntoBranch builds the branchRecord holding two sibling leaves (or
// subtrees) whose paths diverge, placing the path with a 0 bit at the
// divergence point on the left.
func splitIntoBranch(pathA ProofPath, hashA crypto.Hash, leafA bool, pathB ProofPath, hashB crypto.Hash, leafB bool) branchRecord {
	div := CommonPrefixLen(pathA, pathB)
	var rec branchRecord
	if pathA.Bit(div) == 0 {
		rec.leftPath, rec.leftHash, rec.leftLeaf = pathA, hashA, leafA
		rec.rightPath, rec.rightHash, rec.rightLeaf = pathB, hashB, leafB
	} else {
		rec.leftPath, rec.leftHash, rec.leftLeaf = pathB, hashB, leafB
		rec.rightPath, rec.rightHash, rec.rightLeaf = pathA, hashA, leafA
	}
	return rec
}

// insertInto recursively walks the subtree rooted at rec (whose two
// children diverge at bit `depth`), inserting kp/value and
// returning the updated branchRecord for this node.
func (m *ProofMap) insertInto(rec branchRecord, depth uint16, kp ProofPath, value []byte) (branchRecord, error) {
	bit := kp.Bit(depth)
	childPath, childHash, childIsLeaf := rec.side(bit)

	switch {
	case childPath.Equal(kp):
		// Overwriting an existing leaf's value.
		if err := m.putValue(kp, value); err != nil {
			return rec, err
		}
		rec.setSide(bit, kp, hashLeafValue(value), true)
		return rec, nil

	case !kp.StartsWith(childPath):
		// The new key diverges from this edge before reaching its end:
		// split the edge with a fresh intermediate branch.
		div := CommonPrefixLen(childPath, kp)
		newRec := splitIntoBranch(childPath, childHash, childIsLeaf, kp, hashLeafValue(value), true)
		if err := m.putValue(kp, value); err != nil {
			return rec, err
		}
		newNodeKey := childPath.Prefix(div)
		if err := m.storeBranch(newNodeKey, newRec); err != nil {
			return rec, err
		}
		rec.setSide(bit, newNodeKey, hashBranchNode(newRec), false)
		return rec, nil

	case childIsLeaf:
		// kp fully contains childPath and they're not equal, yet
		// childPath is a full 256-bit leaf path: impossible, since two
		// distinct full-length paths can never be a strict prefix of
		// one another.
		return rec, fmt.Errorf("proofmap: inconsistent trie: leaf edge %v is a strict prefix of %v", childPath, kp)

	default:
		childRec, ok := m.getBranch(childPath)
		if !ok {
			return rec, fmt.Errorf("proofmap: missing branch node at %v", childPath)
		}
		updated, err := m.insertInto(childRec, childPath.Len(), kp, value)
		if err != nil {
			return rec, err
		}
		if err := m.storeBranch(childPath, updated); err != nil {
			return rec, err
		}
		rec.setSide(bit, childPath, hashBranchNode(updated), false)
		return rec, nil
	}
}

// Remove deletes key from the map, collapsing any branch left with a
// single remaining child by extending the surviving edge (spec §4.D).
// It is a no-op if key is absent.
func (m *ProofMap) Remove(key []byte) error {
	kp := pathForKey(key)
	root := m.getRoot()
	switch root.kind {
	case rootEmpty:
		return nil
	case rootLeaf:
		if !root.leaf.Equal(kp) {
			return nil
		}
		if err := m.deleteValue(kp); err != nil {
			return err
		}
		return m.setRoot(rootDescriptor{kind: rootEmpty})
	default:
		newRec, collapsed, survivor, err := m.removeFrom(root.branch, CommonPrefixLen(root.branch.leftPath, root.branch.rightPath), kp)
		if err != nil {
			return err
		}
		if !collapsed {
			return m.setRoot(rootDescriptor{kind: rootBranch, branch: newRec})
		}
		if survivor == nil {
			return m.setRoot(rootDescriptor{kind: rootEmpty})
		}
		if survivor.isLeaf {
			return m.setRoot(rootDescriptor{kind: rootLeaf, leaf: survivor.path})
		}
		return m.setRoot(rootDescriptor{kind: rootBranch, branch: mustGetBranch(m, survivor.path)})
	}
}

// survivorRef describes the single child left behind when a branch
// collapses during deletion.
type survivorRef struct {
	path   ProofPath
	isLeaf bool
}

func mustGetBranch(m *ProofMap, path ProofPath) branchRecord {
	rec, _ := m.getBranch(path)
	return rec
}

// removeFrom recursively deletes kp from the subtree rooted at rec. It
// returns the updated record (meaningless if collapsed is true), whether
// this node collapsed into a single surviving child, and that child's
// reference.
func (m *ProofMap) removeFrom(rec branchRecord, depth uint16, kp ProofPath) (branchRecord, bool, *survivorRef, error) {
	bit := kp.Bit(depth)
	childPath, _, childIsLeaf := rec.side(bit)

	if !kp.StartsWith(childPath) {
		return rec, false, nil, nil // key not present under this edge
	}

	if childIsLeaf {
		if !childPath.Equal(kp) {
			return rec, false, nil, nil
		}
		if err := m.deleteValue(kp); err != nil {
			return rec, false, nil, err
		}
		// This node now has only the other side left: collapse.
		otherPath, _, otherIsLeaf := rec.side(1 - bit)
		return branchRecord{}, true, &survivorRef{path: otherPath, isLeaf: otherIsLeaf}, nil
	}

	childRec, ok := m.getBranch(childPath)
	if !ok {
		return rec, false, nil, fmt.Errorf("proofmap: missing branch node at %v", childPath)
	}
	updated, collapsed, survivor, err := m.removeFrom(childRec, childPath.Len(), kp)
	if err != nil {
		return rec, false, nil, err
	}
	if !collapsed {
		if err := m.storeBranch(childPath, updated); err != nil {
			return rec, false, nil, err
		}
		rec.setSide(bit, childPath, hashBranchNode(updated), false)
		return rec, false, nil, nil
	}
	if err := m.deleteBranch(childPath); err != nil {
		return rec, false, nil, err
	}
	if survivor == nil {
		// The child subtree had nothing but the deleted key: this
		// branch loses that side entirely and itself collapses to its
		// remaining child.
		otherPath, _, otherIsLeaf := rec.side(1 - bit)
		return branchRecord{}, true, &survivorRef{path: otherPath, isLeaf: otherIsLeaf}, nil
	}
	var survivorHash crypto.Hash
	if survivor.isLeaf {
		survivorHash = hashLeafValueAt(m, survivor.path)
	} else {
		sr, _ := m.getBranch(survivor.path)
		survivorHash = hashBranchNode(sr)
	}
	rec.setSide(bit, survivor.path, survivorHash, survivor.isLeaf)
	return rec, false, nil, nil
}

// Root returns the map's Merkle root, or the zero hash if empty.
func (m *ProofMap) Root() crypto.Hash {
	root := m.getRoot()
	switch root.kind {
	case rootEmpty:
		return crypto.Hash{}
	case rootLeaf:
		return hashSingleLeaf(root.leaf, hashLeafValueAt(m, root.leaf))
	default:
		return hashBranchNode(root.branch)
	}
}

// ObjectHash returns the map's object hash, per spec §3/§4.D.
func (m *ProofMap) ObjectHash() crypto.Hash {
	return ObjectHash(m.Root())
}
