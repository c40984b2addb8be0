package blockchain

import (
	"errors"
	"fmt"

	"github.com/veritaschain/veritas/pkg/crypto"
	"github.com/veritaschain/veritas/pkg/runtime"
	"github.com/veritaschain/veritas/pkg/storage"
	"github.com/veritaschain/veritas/pkg/storage/keys"
	"github.com/veritaschain/veritas/pkg/storage/proofmap"
	"github.com/veritaschain/veritas/pkg/storage/prooflist"
)

// ErrMissingTransaction is returned by Assemble when a transaction hash
// named in the proposed order is not present in the pool. Per spec
// §4.H, a validator must have the proposed tx set locally before it can
// precommit, so this indicates a caller bug, not a network condition
// Assemble itself should recover from.
var ErrMissingTransaction = errors.New("blockchain: transaction not in pool")

// TxCodec decodes a pooled transaction's raw bytes into the
// (service id, payload) pair the runtime dispatcher routes on, and
// verifies the envelope signature covering those bytes. Implemented by
// pkg/messages, kept as an interface here so this package never imports
// the wire-format package (spec §4.F messages carry blockchain payloads,
// not the other way around).
type TxCodec interface {
	Decode(raw []byte) (runtime.Transaction, error)
	VerifySignature(raw []byte) error
}

// AssembleResult is the output of Assemble: the finished Block, the
// Patch ready to merge into the database, and each transaction's
// recorded outcome in proposed order.
type AssembleResult struct {
	Block   *Block
	Patch   *storage.Patch
	Results []TxResult
}

// Assemble is the pure function (snapshot, height, epoch,
// ordered_tx_hashes, pool) -> (block_hash, patch) of spec §4.E. It opens
// a Fork over snapshot, verifies and executes every named transaction in
// order, runs the dispatcher's before/after hooks, computes tx_hash,
// error_hash and state_hash, and returns the assembled Block together
// with the Patch the caller must merge (pkg/consensus does so only
// after a Precommit quorum is observed).
//
// Determinism (spec §4.E): this function reads only snapshot, pool and
// its own arguments; services must not read external time, randomness
// or global state from within Execute.
func Assemble(
	snapshot *storage.Snapshot,
	dispatcher *runtime.Dispatcher,
	codec TxCodec,
	height uint64,
	epoch uint64,
	proposerID crypto.PublicKey,
	prevHash crypto.Hash,
	txHashes []crypto.Hash,
	pool *Pool,
) (*AssembleResult, error) {
	fork := snapshot.Fork()

	txHashAddr := storage.NewAddress("core", "block_tx_hashes").InFamily(keys.Concat(keys.U64(height)))
	txHashList, err := prooflist.New(fork, txHashAddr)
	if err != nil {
		return nil, fmt.Errorf("blockchain: assemble: opening tx hash list: %w", err)
	}

	type pending struct {
		hash    crypto.Hash
		raw     []byte
		tx      runtime.Transaction
		hasTx   bool
		verifyErr error
	}
	plan := make([]pending, len(txHashes))

	for i, h := range txHashes {
		pt, ok := pool.Get(h)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingTransaction, h)
		}
		p := pending{hash: h, raw: pt.Raw}
		if err := codec.VerifySignature(pt.Raw); err != nil {
			p.verifyErr = err
		} else {
			tx, err := codec.Decode(pt.Raw)
			if err != nil {
				p.verifyErr = err
			} else if verr := dispatcher.Verify(tx); verr != nil {
				p.verifyErr = verr
			} else {
				p.tx, p.hasTx = tx, true
			}
		}
		plan[i] = p
		if err := txHashList.Push(h.Bytes()); err != nil {
			return nil, fmt.Errorf("blockchain: assemble: recording tx hash: %w", err)
		}
	}

	if err := dispatcher.BeforeTransactions(fork); err != nil {
		return nil, fmt.Errorf("blockchain: assemble: before_transactions: %w", err)
	}

	errMapAddr := storage.NewAddress("core", "block_errors").InFamily(keys.Concat(keys.U64(height)))
	errMap, err := proofmap.New(fork, errMapAddr)
	if err != nil {
		return nil, fmt.Errorf("blockchain: assemble: opening error map: %w", err)
	}

	results := make([]TxResult, len(plan))
	for i, p := range plan {
		if !p.hasTx {
			results[i] = TxResult{Status: TxStatusError, Reason: p.verifyErr.Error()}
			if err := errMap.Put(keys.Concat(keys.U32(uint32(i))), []byte(p.verifyErr.Error())); err != nil {
				return nil, fmt.Errorf("blockchain: assemble: recording verify error: %w", err)
			}
			continue
		}
		// A checkpoint lets a failing transaction (typed error or
		// recovered panic) roll back only its own changes (spec §4.E
		// step 4), without undoing the tx-hash/error-map bookkeeping
		// already written to fork around it.
		cp := fork.Checkpoint()
		if err := dispatcher.Execute(fork, p.tx); err != nil {
			fork.Rollback(cp)
			results[i] = TxResult{Status: TxStatusError, Reason: err.Error()}
			if perr := errMap.Put(keys.Concat(keys.U32(uint32(i))), []byte(err.Error())); perr != nil {
				return nil, fmt.Errorf("blockchain: assemble: recording execution error: %w", perr)
			}
			continue
		}
		results[i] = TxResult{Status: TxStatusSuccess}
	}

	if err := dispatcher.AfterTransactions(fork); err != nil {
		return nil, fmt.Errorf("blockchain: assemble: after_transactions: %w", err)
	}

	// Read after AfterTransactions, against fork itself (not snapshot):
	// state_hash must aggregate each service's roots post-execution (spec
	// §4.E step 6), not the state the block started from.
	stateRoots := dispatcher.StateHash(fork)
	stateAddr := storage.NewAddress("core", "block_state_roots").InFamily(keys.Concat(keys.U64(height)))
	stateList, err := prooflist.New(fork, stateAddr)
	if err != nil {
		return nil, fmt.Errorf("blockchain: assemble: opening state root list: %w", err)
	}
	for _, h := range stateRoots {
		if err := stateList.Push(h.Bytes()); err != nil {
			return nil, fmt.Errorf("blockchain: assemble: recording state root: %w", err)
		}
	}

	block := &Block{
		Height:     height,
		Epoch:      epoch,
		PrevHash:   prevHash,
		TxHash:     txHashList.ObjectHash(),
		StateHash:  stateList.ObjectHash(),
		ErrorHash:  errMap.ObjectHash(),
		TxCount:    uint32(len(txHashes)),
		ProposerID: proposerID,
	}

	schema, err := NewSchema(fork)
	if err != nil {
		return nil, fmt.Errorf("blockchain: assemble: opening schema: %w", err)
	}
	if err := schema.PutBlock(block); err != nil {
		return nil, fmt.Errorf("blockchain: assemble: storing block: %w", err)
	}
	if err := schema.SetHeight(height); err != nil {
		return nil, fmt.Errorf("blockchain: assemble: storing height: %w", err)
	}
	for i, h := range txHashes {
		if err := schema.PutTxLocation(h, TxLocation{Height: height, Position: uint32(i)}); err != nil {
			return nil, fmt.Errorf("blockchain: assemble: storing tx location: %w", err)
		}
		if err := schema.PutTxResult(h, results[i]); err != nil {
			return nil, fmt.Errorf("blockchain: assemble: storing tx result: %w", err)
		}
	}

	return &AssembleResult{Block: block, Patch: fork.IntoPatch(), Results: results}, nil
}
