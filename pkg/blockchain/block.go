// Package blockchain implements the schema component (E) of
// SPEC_FULL.md: blocks, transaction locations and results, the
// unconfirmed-transaction pool, versioned consensus configuration, and
// the per-height block-assembly function that ties storage (pkg/storage),
// service dispatch (pkg/runtime) and the Merkle indexes (pkg/storage/
// prooflist, pkg/storage/proofmap) together into the object consensus
// (pkg/consensus) commits.
package blockchain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/veritaschain/veritas/pkg/crypto"
)

// ErrUnknownHeight is returned by schema lookups for a height that has
// not been committed yet.
var ErrUnknownHeight = errors.New("blockchain: unknown height")

// Block is the per-height, per-decided-view header committed by
// consensus, per spec §3.
type Block struct {
	Height    uint64
	Epoch     uint64
	PrevHash  crypto.Hash
	TxHash    crypto.Hash // root of the ProofList of included transaction hashes
	StateHash crypto.Hash // root of the fixed-order ProofList of service state roots
	ErrorHash crypto.Hash // root of the ProofMap of tx_index -> execution error
	TxCount   uint32

	// ProposerID is the consensus public key of the round's leader that
	// authored the committed Propose (spec §3: "a dictionary of
	// additional typed headers including ProposerId").
	ProposerID crypto.PublicKey

	// AdditionalHeaders carries any other typed header a service or a
	// future protocol revision wants folded into the block's object
	// hash, keyed by a short ASCII name. Values are raw bytes; this
	// module defines none today beyond ProposerID, which has its own
	// dedicated field because every block carries it.
	AdditionalHeaders map[string][]byte
}

// encodeUint64 appends n as 8 little-endian bytes, matching the wire
// endianness spec §6 mandates ("Field layout is little-endian for
// integers").
func encodeUint64(buf []byte, n uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], n)
	return append(buf, b[:]...)
}

func encodeUint32(buf []byte, n uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], n)
	return append(buf, b[:]...)
}

// Bytes serializes the block deterministically: this is the input to
// object_hash (spec §4.E step 7: "Assemble the Block and compute its
// object_hash as SHA256(serialize(block))"). AdditionalHeaders are
// sorted by key so the encoding does not depend on map iteration order.
func (b *Block) Bytes() []byte {
	buf := make([]byte, 0, 256)
	buf = encodeUint64(buf, b.Height)
	buf = encodeUint64(buf, b.Epoch)
	buf = append(buf, b.PrevHash[:]...)
	buf = append(buf, b.TxHash[:]...)
	buf = append(buf, b.StateHash[:]...)
	buf = append(buf, b.ErrorHash[:]...)
	buf = encodeUint32(buf, b.TxCount)
	buf = append(buf, b.ProposerID[:]...)

	keys := make([]string, 0, len(b.AdditionalHeaders))
	for k := range b.AdditionalHeaders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf = encodeUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		v := b.AdditionalHeaders[k]
		buf = encodeUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
		buf = encodeUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	return buf
}

// ObjectHash is SHA256(serialize(block)), per spec §4.E step 7.
func (b *Block) ObjectHash() crypto.Hash {
	return crypto.SHA256(b.Bytes())
}

// Genesis returns the height-0 block, per spec §6: "The genesis block
// has height 0, prev_hash = 0, tx_count = 0, and its state_hash
// reflects services' initial state." Callers compute stateHash by
// calling the dispatcher against a Fork seeded with each service's
// initial state before this is called.
func Genesis(stateHash crypto.Hash) *Block {
	return &Block{
		Height:    0,
		Epoch:     0,
		PrevHash:  crypto.Hash{},
		TxHash:    crypto.Hash{},
		StateHash: stateHash,
		ErrorHash: crypto.Hash{},
		TxCount:   0,
	}
}

// TxLocation records where a committed transaction lives: the height of
// the block it was included in and its zero-based position within that
// block's ordered transaction list (spec §6: "location").
type TxLocation struct {
	Height   uint64
	Position uint32
}

// TxStatus is the outcome of executing a committed transaction.
type TxStatus uint8

const (
	// TxStatusSuccess means Execute returned nil.
	TxStatusSuccess TxStatus = iota
	// TxStatusError means the transaction's signature, decoding or
	// service Verify check failed, or Execute returned a typed error or
	// panicked; any changes Execute made were rolled back (spec §4.E
	// step 4) and Reason carries the failure's description.
	TxStatusError
)

// TxResult is the recorded outcome of one committed transaction (spec
// §6: "a committed record with location, location_proof, and status").
type TxResult struct {
	Status TxStatus
	Reason string // empty when Status == TxStatusSuccess
}

func (r TxResult) bytes() []byte {
	buf := []byte{byte(r.Status)}
	buf = encodeUint32(buf, uint32(len(r.Reason)))
	buf = append(buf, r.Reason...)
	return buf
}

func decodeTxResult(buf []byte) (TxResult, error) {
	if len(buf) < 1+4 {
		return TxResult{}, fmt.Errorf("blockchain: decoding tx result: short buffer")
	}
	status := TxStatus(buf[0])
	n := binary.LittleEndian.Uint32(buf[1:5])
	if uint32(len(buf)-5) < n {
		return TxResult{}, fmt.Errorf("blockchain: decoding tx result: truncated reason")
	}
	return TxResult{Status: status, Reason: string(buf[5 : 5+n])}, nil
}
