package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/veritaschain/veritas/pkg/blockchain"
	"github.com/veritaschain/veritas/pkg/crypto"
	"github.com/veritaschain/veritas/pkg/messages"
	"github.com/veritaschain/veritas/pkg/runtime"
	"github.com/veritaschain/veritas/pkg/storage"
)

// ErrWrongHeight is returned when a Propose/Prevote/Precommit names a
// height other than the one currently being decided.
var ErrWrongHeight = errors.New("consensus: message for wrong height")

// ErrWrongPrevHash is returned when a Propose's prev_hash does not
// match the last committed block's hash (spec §4.H Propose effect).
var ErrWrongPrevHash = errors.New("consensus: propose prev_hash mismatch")

// ErrNotLeader is returned when a Propose's author is not the round's
// leader.
var ErrNotLeader = errors.New("consensus: propose author is not round leader")

// ErrDuplicatePropose is returned when a second, different Propose
// arrives for a (height, round) that already has one accepted.
var ErrDuplicatePropose = errors.New("consensus: propose already accepted for this round")

// Network is the narrow send surface the engine needs from the peer
// transport layer (component G): broadcast to every connected
// validator, or address one by its consensus public key. Kept as an
// interface so this package never imports pkg/network, matching the
// one-way dependency DESIGN NOTES §9 asks for between consensus and
// transport.
type Network interface {
	Broadcast(raw []byte)
	SendTo(peer crypto.PublicKey, raw []byte)
}

// roundVotes tallies Prevotes or Precommits observed within one round,
// keyed first by the hash they vote for.
type roundVotes struct {
	prevotes   map[crypto.Hash]map[crypto.PublicKey]*messages.Prevote
	precommits map[precommitKey]map[crypto.PublicKey]*messages.Precommit
}

type precommitKey struct {
	proposeHash crypto.Hash
	blockHash   crypto.Hash
}

func newRoundVotes() *roundVotes {
	return &roundVotes{
		prevotes:   make(map[crypto.Hash]map[crypto.PublicKey]*messages.Prevote),
		precommits: make(map[precommitKey]map[crypto.PublicKey]*messages.Precommit),
	}
}

// Engine is the per-validator BFT state machine of spec §4.H. One
// Engine instance drives exactly one validator's view of exactly one
// chain; pkg/node.Loop owns it and feeds it decoded envelopes and timer
// events, never touching its internal state directly.
type Engine struct {
	networkID uint32
	db        *storage.Database
	dispatch  *runtime.Dispatcher
	codec     blockchain.TxCodec
	pool      *blockchain.Pool
	net       Network
	clock     Clock

	selfConsensusKey crypto.PublicKey
	selfSecretKey    crypto.SecretKey

	config *blockchain.ConsensusConfig

	height      uint64
	round       uint32
	lockedRound uint32 // messages.NotLocked when no lock is held
	lockedHash  crypto.Hash
	lastHash    crypto.Hash

	proposes map[uint32]*messages.Propose
	votes    map[uint32]*roundVotes
	pending  map[uint32]struct{} // rounds awaiting missing tx bodies before a precommit can be cast

	evidence *EvidencePool
	onCommit func(block *blockchain.Block, txHashes []crypto.Hash)

	roundTimer   <-chan time.Time
	proposeTimer <-chan time.Time
}

// Config bundles everything Engine needs to start driving one chain,
// beyond the live ConsensusConfig (read from storage at NewEngine time
// via the schema's ActiveConfig).
type Config struct {
	NetworkID        uint32
	Database         *storage.Database
	Dispatcher       *runtime.Dispatcher
	Codec            blockchain.TxCodec
	Pool             *blockchain.Pool
	Network          Network
	Clock            Clock
	SelfConsensusKey crypto.PublicKey
	SelfSecretKey    crypto.SecretKey

	// OnCommit, if set, is called synchronously at the end of every
	// commit with the newly committed block and the transaction hashes
	// it included, so callers (pkg/node.Loop) can remove them from the
	// pool and notify pushapi subscribers without polling.
	OnCommit func(block *blockchain.Block, txHashes []crypto.Hash)
}

// NewEngine builds an Engine at the height following the database's
// last committed block (or genesis, height 0, if none), reading the
// configuration active at that height.
func NewEngine(cfg Config) (*Engine, error) {
	snapshot := cfg.Database.Snapshot()
	schema, err := blockchain.NewSchema(snapshot)
	if err != nil {
		return nil, fmt.Errorf("consensus: opening schema: %w", err)
	}
	height, hasBlock := schema.Height()
	var lastHash crypto.Hash
	nextHeight := uint64(0)
	if hasBlock {
		block, ok := schema.Block(height)
		if !ok {
			return nil, fmt.Errorf("consensus: height %d recorded but block missing", height)
		}
		lastHash = block.ObjectHash()
		nextHeight = height + 1
	}
	activeConfig, ok := schema.ActiveConfig(nextHeight)
	if !ok {
		return nil, fmt.Errorf("consensus: no active configuration at height %d", nextHeight)
	}
	if err := activeConfig.Validate(); err != nil {
		return nil, fmt.Errorf("consensus: active configuration invalid: %w", err)
	}
	e := &Engine{
		networkID:        cfg.NetworkID,
		db:               cfg.Database,
		dispatch:         cfg.Dispatcher,
		codec:            cfg.Codec,
		pool:             cfg.Pool,
		net:              cfg.Network,
		clock:            cfg.Clock,
		selfConsensusKey: cfg.SelfConsensusKey,
		selfSecretKey:    cfg.SelfSecretKey,
		config:           activeConfig,
		height:           nextHeight,
		round:            1,
		lockedRound:      messages.NotLocked,
		lastHash:         lastHash,
		proposes:         make(map[uint32]*messages.Propose),
		votes:            make(map[uint32]*roundVotes),
		pending:          make(map[uint32]struct{}),
		evidence:         NewEvidencePool(),
		onCommit:         cfg.OnCommit,
	}
	return e, nil
}

// Height returns the height currently being decided.
func (e *Engine) Height() uint64 { return e.height }

// Round returns the round currently being attempted at Height().
func (e *Engine) Round() uint32 { return e.round }

// Evidence returns every equivocation this engine has observed.
func (e *Engine) Evidence() []Evidence { return e.evidence.All() }

// Start arms the timers for the engine's initial round. Callers must
// call this exactly once before feeding the engine any timer events.
func (e *Engine) Start() {
	e.enterRound(e.round)
}

// RoundTimerChan returns the channel that fires when the current
// round's RoundTimeout elapses. The caller (pkg/node.Loop) must re-read
// this after every processed event, since entering a new round replaces
// the channel.
func (e *Engine) RoundTimerChan() <-chan time.Time { return e.roundTimer }

// ProposeTimerChan returns the channel that fires when the current
// round's ProposeTimeout elapses, or nil if this validator is not the
// round's leader (a nil channel blocks forever in a select, which is
// the behavior a non-leader wants).
func (e *Engine) ProposeTimerChan() <-chan time.Time { return e.proposeTimer }

func (e *Engine) isLeader(round uint32) bool {
	idx := e.config.LeaderAt(e.height, round)
	return e.config.Validators[idx].ConsensusKey == e.selfConsensusKey
}

// enterRound arms RoundTimeout and, if this validator leads the round,
// ProposeTimeout (spec §4.H "Timer rules": "On entering round r: arm
// RoundTimeout(h, r) ... if leader of r, arm ProposeTimeout(h, r)").
func (e *Engine) enterRound(round uint32) {
	e.round = round
	if _, ok := e.votes[round]; !ok {
		e.votes[round] = newRoundVotes()
	}
	e.roundTimer = e.clock.After(e.config.RoundTimeout)
	if e.isLeader(round) {
		e.proposeTimer = e.clock.After(e.config.ProposeTimeout)
	} else {
		e.proposeTimer = nil
	}

	// A re-entered round with a live lock re-broadcasts it as a Prevote
	// (spec §4.H "Timer rules": "any lock from r' <= r is preserved and
	// re-broadcast as a Prevote in the new round").
	if e.lockedRound != messages.NotLocked {
		e.broadcastPrevote(round, e.lockedHash)
	}
}

// OnRoundTimeout handles RoundTimeout firing in the current (height,
// round): advance to round+1, preserving any lock (spec §4.H).
func (e *Engine) OnRoundTimeout() {
	e.enterRound(e.round + 1)
}

// OnProposeTimeout handles ProposeTimeout firing for a round this
// validator leads: assemble and broadcast a Propose (spec §4.H "upon
// firing, assemble and broadcast a Propose").
func (e *Engine) OnProposeTimeout() {
	if !e.isLeader(e.round) {
		return
	}
	if _, exists := e.proposes[e.round]; exists {
		return
	}
	txHashes := e.pool.SelectForPropose(e.config.MaxTransactionsPerBlock)
	p := &messages.Propose{
		Author:   e.selfConsensusKey,
		Height:   e.height,
		Round:    e.round,
		PrevHash: e.lastHash,
		TxHashes: txHashes,
	}
	e.proposes[e.round] = p
	raw := messages.SealConsensus(e.networkID, messages.TypePropose, p, e.selfSecretKey)
	e.net.Broadcast(raw)
	e.tryPrevote(e.round, p)
}

// HandleEnvelope decodes raw as a consensus-class message, verifies its
// signature, and dispatches it to the matching handler. Any error means
// the message was dropped unprocessed; the caller decides whether to
// also disconnect the sending peer (spec §7 "peer messages that fail
// decoding are dropped and the sending peer may be disconnected").
func (e *Engine) HandleEnvelope(raw []byte) error {
	env, err := messages.Decode(raw, e.networkID)
	if err != nil {
		return err
	}
	if env.Header.Class != messages.ClassConsensus {
		return fmt.Errorf("consensus: envelope is not consensus-class")
	}
	msg, err := messages.DecodeConsensus(env)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *messages.Connect:
		return messages.VerifySignature(raw, m.Author)
	case *messages.Propose:
		if err := messages.VerifySignature(raw, m.Author); err != nil {
			return err
		}
		return e.handlePropose(raw, m)
	case *messages.Prevote:
		if err := messages.VerifySignature(raw, m.Author); err != nil {
			return err
		}
		return e.handlePrevote(raw, m)
	case *messages.Precommit:
		if err := messages.VerifySignature(raw, m.Author); err != nil {
			return err
		}
		return e.handlePrecommit(raw, m)
	case *messages.Status:
		return messages.VerifySignature(raw, m.Author)
	case *messages.RequestPropose:
		if err := messages.VerifySignature(raw, m.Author); err != nil {
			return err
		}
		return e.handleRequestPropose(m)
	case *messages.RequestPrevotes:
		if err := messages.VerifySignature(raw, m.Author); err != nil {
			return err
		}
		return e.handleRequestPrevotes(m)
	case *messages.RequestTransactions:
		if err := messages.VerifySignature(raw, m.Author); err != nil {
			return err
		}
		return e.handleRequestTransactions(m)
	case *messages.ResponseTransactions:
		return e.handleResponseTransactions(m)
	default:
		return fmt.Errorf("consensus: unhandled message type %T", msg)
	}
}

// handlePropose applies spec §4.H's Propose effect.
func (e *Engine) handlePropose(raw []byte, p *messages.Propose) error {
	if p.Height != e.height {
		return ErrWrongHeight
	}
	idx := e.config.LeaderAt(p.Height, p.Round)
	if e.config.Validators[idx].ConsensusKey != p.Author {
		return ErrNotLeader
	}
	if ev, equiv := e.evidence.observe(p.Author, p.Height, p.Round, evidencePropose, raw); equiv {
		return fmt.Errorf("consensus: %s", ev)
	}
	if existing, ok := e.proposes[p.Round]; ok {
		if proposeHash(existing) == proposeHash(p) {
			return nil
		}
		return ErrDuplicatePropose
	}
	if p.PrevHash != e.lastHash {
		return ErrWrongPrevHash
	}
	e.proposes[p.Round] = p

	var missing []crypto.Hash
	for _, h := range p.TxHashes {
		if _, ok := e.pool.Get(h); !ok {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		req := &messages.RequestTransactions{Author: e.selfConsensusKey, To: p.Author, TxHashes: missing}
		e.net.SendTo(p.Author, messages.SealConsensus(e.networkID, messages.TypeRequestTransactions, req, e.selfSecretKey))
		e.pending[p.Round] = struct{}{}
		return nil
	}
	return e.tryPrevote(p.Round, p)
}

// tryPrevote broadcasts a Prevote for p once every named transaction is
// locally available (spec §4.H: "when all bodies are local, broadcasts
// Prevote(h, r, propose_hash, locked_round)").
func (e *Engine) tryPrevote(round uint32, p *messages.Propose) error {
	delete(e.pending, round)
	hash := proposeHash(p)
	v := &messages.Prevote{
		Author:      e.selfConsensusKey,
		Height:      e.height,
		Round:       round,
		ProposeHash: hash,
		LockedRound: e.lockedRound,
	}
	raw := messages.SealConsensus(e.networkID, messages.TypePrevote, v, e.selfSecretKey)
	e.net.Broadcast(raw)
	return e.recordPrevote(raw, v)
}

func (e *Engine) broadcastPrevote(round uint32, hash crypto.Hash) {
	v := &messages.Prevote{
		Author:      e.selfConsensusKey,
		Height:      e.height,
		Round:       round,
		ProposeHash: hash,
		LockedRound: e.lockedRound,
	}
	raw := messages.SealConsensus(e.networkID, messages.TypePrevote, v, e.selfSecretKey)
	e.net.Broadcast(raw)
	_ = e.recordPrevote(raw, v)
}

// handlePrevote applies spec §4.H's Prevote effect: tally, and on
// reaching majority, lock and attempt a Precommit.
func (e *Engine) handlePrevote(raw []byte, v *messages.Prevote) error {
	if v.Height != e.height {
		return ErrWrongHeight
	}
	if ev, equiv := e.evidence.observe(v.Author, v.Height, v.Round, evidencePrevote, raw); equiv {
		return fmt.Errorf("consensus: %s", ev)
	}
	return e.recordPrevote(raw, v)
}

func (e *Engine) recordPrevote(raw []byte, v *messages.Prevote) error {
	rv, ok := e.votes[v.Round]
	if !ok {
		rv = newRoundVotes()
		e.votes[v.Round] = rv
	}
	byValidator, ok := rv.prevotes[v.ProposeHash]
	if !ok {
		byValidator = make(map[crypto.PublicKey]*messages.Prevote)
		rv.prevotes[v.ProposeHash] = byValidator
	}
	byValidator[v.Author] = v

	if len(byValidator) < e.config.Majority() {
		return nil
	}
	p, ok := e.proposes[v.Round]
	if !ok || proposeHash(p) != v.ProposeHash {
		return nil
	}
	e.lockedRound = v.Round
	e.lockedHash = v.ProposeHash
	return e.tryPrecommit(v.Round, p)
}

// tryPrecommit runs block assembly and broadcasts a Precommit, per spec
// §4.H: "The validator must have the proposed tx set locally before
// precommitting." If a named transaction is still missing, assembly is
// deferred until ResponseTransactions fills the gap.
func (e *Engine) tryPrecommit(round uint32, p *messages.Propose) error {
	snapshot := e.db.Snapshot()
	// epoch is the decided view for this height (spec §3: "increments
	// per decided view for the same height"), i.e. the round that
	// produced this Precommit, not the configuration's activation height.
	result, err := blockchain.Assemble(snapshot, e.dispatch, e.codec, e.height, uint64(round), p.Author, e.lastHash, p.TxHashes, e.pool)
	if err != nil {
		if errors.Is(err, blockchain.ErrMissingTransaction) {
			e.pending[round] = struct{}{}
			return nil
		}
		return fmt.Errorf("consensus: assembling block: %w", err)
	}
	blockHash := result.Block.ObjectHash()
	c := &messages.Precommit{
		Author:      e.selfConsensusKey,
		Height:      e.height,
		Round:       round,
		ProposeHash: proposeHash(p),
		BlockHash:   blockHash,
	}
	raw := messages.SealConsensus(e.networkID, messages.TypePrecommit, c, e.selfSecretKey)
	e.net.Broadcast(raw)
	return e.recordPrecommit(raw, c, result)
}

// handlePrecommit applies spec §4.H's Precommit effect: tally, and on
// reaching majority, commit.
func (e *Engine) handlePrecommit(raw []byte, c *messages.Precommit) error {
	if c.Height != e.height {
		return ErrWrongHeight
	}
	if ev, equiv := e.evidence.observe(c.Author, c.Height, c.Round, evidencePrecommit, raw); equiv {
		return fmt.Errorf("consensus: %s", ev)
	}
	return e.recordPrecommit(raw, c, nil)
}

// recordPrecommit tallies c and, on reaching majority, commits. result
// is the locally assembled block for this validator's own Precommit (if
// any); other validators' Precommits carry result == nil and trigger
// commit from the tally once this validator's own Precommit for the
// same block_hash is among the tallied ones, re-running the
// deterministic block assembly to recover the block and patch.
func (e *Engine) recordPrecommit(raw []byte, c *messages.Precommit, result *blockchain.AssembleResult) error {
	rv, ok := e.votes[c.Round]
	if !ok {
		rv = newRoundVotes()
		e.votes[c.Round] = rv
	}
	key := precommitKey{proposeHash: c.ProposeHash, blockHash: c.BlockHash}
	byValidator, ok := rv.precommits[key]
	if !ok {
		byValidator = make(map[crypto.PublicKey]*messages.Precommit)
		rv.precommits[key] = byValidator
	}
	byValidator[c.Author] = c

	if len(byValidator) < e.config.Majority() {
		return nil
	}
	if result == nil {
		// Quorum reached on a block_hash this validator has not itself
		// precommitted yet (e.g. its own Precommit is still pending missing
		// tx bodies): it cannot commit blind and waits for its own
		// assembly to catch up and reach the same tally.
		if _, own := byValidator[e.selfConsensusKey]; !own {
			return nil
		}
		p, ok := e.proposes[c.Round]
		if !ok {
			return nil
		}
		rebuilt, err := blockchain.Assemble(e.db.Snapshot(), e.dispatch, e.codec, e.height, uint64(c.Round), p.Author, e.lastHash, p.TxHashes, e.pool)
		if err != nil {
			return fmt.Errorf("consensus: assembling block: %w", err)
		}
		result = rebuilt
	}
	return e.commit(c.Round, result)
}

// commit applies spec §4.H's Precommit-quorum effect: persist the block
// and merge its patch, advance height and reset round state, and
// broadcast a Status summary.
func (e *Engine) commit(round uint32, result *blockchain.AssembleResult) error {
	if err := e.db.Merge(result.Patch); err != nil {
		return fmt.Errorf("consensus: merging committed patch: %w", err)
	}
	var txHashes []crypto.Hash
	if p, ok := e.proposes[round]; ok {
		txHashes = p.TxHashes
	}
	e.lastHash = result.Block.ObjectHash()
	e.height++
	e.round = 1
	e.lockedRound = messages.NotLocked
	e.lockedHash = crypto.Hash{}
	e.proposes = make(map[uint32]*messages.Propose)
	e.votes = make(map[uint32]*roundVotes)
	e.pending = make(map[uint32]struct{})

	if e.onCommit != nil {
		e.onCommit(result.Block, txHashes)
	}

	snapshot := e.db.Snapshot()
	schema, err := blockchain.NewSchema(snapshot)
	if err == nil {
		if cfg, ok := schema.ActiveConfig(e.height); ok {
			e.config = cfg
		}
	}

	status := &messages.Status{Author: e.selfConsensusKey, Height: e.height, LastHash: e.lastHash}
	e.net.Broadcast(messages.SealConsensus(e.networkID, messages.TypeStatus, status, e.selfSecretKey))

	e.enterRound(e.round)
	return nil
}

// RetryPendingPrecommits re-attempts assembly for every round still
// waiting on transaction bodies. Callers invoke this after the pool
// gains new transactions (e.g. from a ResponseTransactions).
func (e *Engine) RetryPendingPrecommits() error {
	for round := range e.pending {
		p, ok := e.proposes[round]
		if !ok {
			delete(e.pending, round)
			continue
		}
		if e.lockedRound == round {
			if err := e.tryPrecommit(round, p); err != nil {
				return err
			}
			continue
		}
		if err := e.tryPrevote(round, p); err != nil {
			return err
		}
	}
	return nil
}

// handleRequestPropose answers a RequestPropose with the stored Propose
// for (Height, Round), if this validator has one.
func (e *Engine) handleRequestPropose(r *messages.RequestPropose) error {
	if r.To != e.selfConsensusKey || r.Height != e.height {
		return nil
	}
	p, ok := e.proposes[r.Round]
	if !ok {
		return nil
	}
	e.net.SendTo(r.Author, messages.SealConsensus(e.networkID, messages.TypePropose, p, e.selfSecretKey))
	return nil
}

func (e *Engine) handleRequestPrevotes(r *messages.RequestPrevotes) error {
	if r.To != e.selfConsensusKey {
		return nil
	}
	rv, ok := e.votes[r.Round]
	if !ok {
		return nil
	}
	byValidator, ok := rv.prevotes[r.ProposeHash]
	if !ok {
		return nil
	}
	for _, v := range byValidator {
		e.net.SendTo(r.Author, messages.SealConsensus(e.networkID, messages.TypePrevote, v, e.selfSecretKey))
	}
	return nil
}

func (e *Engine) handleRequestTransactions(r *messages.RequestTransactions) error {
	if r.To != e.selfConsensusKey {
		return nil
	}
	resp := &messages.ResponseTransactions{Author: e.selfConsensusKey, To: r.Author}
	for _, h := range r.TxHashes {
		if tx, ok := e.pool.Get(h); ok {
			resp.Transactions = append(resp.Transactions, tx.Raw)
		}
	}
	if len(resp.Transactions) == 0 {
		return nil
	}
	e.net.SendTo(r.Author, messages.SealConsensus(e.networkID, messages.TypeResponseTransactions, resp, e.selfSecretKey))
	return nil
}

func (e *Engine) handleResponseTransactions(r *messages.ResponseTransactions) error {
	if r.To != e.selfConsensusKey {
		return nil
	}
	for _, raw := range r.Transactions {
		if err := e.codec.VerifySignature(raw); err != nil {
			continue
		}
		tx, err := e.codec.Decode(raw)
		if err != nil {
			continue
		}
		if err := e.dispatch.Verify(tx); err != nil {
			continue
		}
		_ = e.pool.Add(crypto.SHA256(raw), raw)
	}
	return e.RetryPendingPrecommits()
}

func proposeHash(p *messages.Propose) crypto.Hash {
	return crypto.SHA256(p.MarshalBody())
}
