package blockchain

import (
	"errors"
	"time"

	"github.com/veritaschain/veritas/pkg/crypto"
)

// ErrConfigNoValidators is returned by ConsensusConfig.Validate when the
// validator set is empty.
var ErrConfigNoValidators = errors.New("blockchain: consensus config has no validators")

// ErrConfigTimeoutOrder is returned by ConsensusConfig.Validate when
// RoundTimeout does not exceed ProposeTimeout (spec §4.H).
var ErrConfigTimeoutOrder = errors.New("blockchain: round_timeout must exceed propose_timeout")

// ValidatorKeys pairs the two public keys a validator is identified by:
// its consensus key (signs Propose/Prevote/Precommit) and its service
// key (signs service-level artifacts outside the consensus protocol
// itself), per spec §3 "Configuration": "validator public keys
// (consensus + service)".
type ValidatorKeys struct {
	ConsensusKey crypto.PublicKey
	ServiceKey   crypto.PublicKey
}

// ConsensusConfig lists the active validator set and every
// consensus-relevant timeout, per spec §3. Configurations are versioned;
// a change takes effect only at a pre-announced ActivationHeight.
type ConsensusConfig struct {
	// Validators is the ordered validator set. Ordering matters: leader
	// selection is (height+round) mod N over this slice (spec §4.H).
	Validators []ValidatorKeys

	// RoundTimeout bounds how long a validator waits in a round before
	// advancing to the next one (spec §4.H). Must be greater than
	// ProposeTimeout (spec §4.H "round_timeout > propose_timeout is
	// required").
	RoundTimeout time.Duration
	// StatusTimeout bounds how often a committed validator broadcasts an
	// unsolicited Status summary.
	StatusTimeout time.Duration
	// PeersTimeout bounds how often the transport layer exchanges peer
	// address lists.
	PeersTimeout time.Duration
	// ProposeTimeout bounds how long a round's leader waits, after
	// becoming leader, before assembling and broadcasting its Propose.
	ProposeTimeout time.Duration

	// MaxTransactionsPerBlock caps how many pool transactions a leader
	// may include in a single Propose.
	MaxTransactionsPerBlock uint32

	// ActivationHeight is the height at which this configuration (if it
	// differs from the one active at the previous height) takes effect.
	// Height 0's genesis configuration always activates at height 0.
	ActivationHeight uint64
}

// N returns the number of validators.
func (c *ConsensusConfig) N() int { return len(c.Validators) }

// Majority returns floor(2N/3)+1, the quorum size for Prevote/Precommit
// tallies (spec glossary "Quorum / majority").
func (c *ConsensusConfig) Majority() int {
	n := c.N()
	return (2*n)/3 + 1
}

// ByzantineTolerance returns floor((N-1)/3), the maximum number of
// Byzantine validators this configuration tolerates (spec §1).
func (c *ConsensusConfig) ByzantineTolerance() int {
	n := c.N()
	return (n - 1) / 3
}

// LeaderAt returns the index into Validators of the leader for (height,
// round), per spec §4.H: "Leader of (h, r) is (h + r) mod N".
func (c *ConsensusConfig) LeaderAt(height uint64, round uint32) int {
	n := uint64(c.N())
	if n == 0 {
		return 0
	}
	return int((height + uint64(round)) % n)
}

// Validate checks the structural invariants spec §4.H requires of a
// configuration before it can be activated.
func (c *ConsensusConfig) Validate() error {
	if len(c.Validators) == 0 {
		return ErrConfigNoValidators
	}
	if c.RoundTimeout <= c.ProposeTimeout {
		return ErrConfigTimeoutOrder
	}
	return nil
}
