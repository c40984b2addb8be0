package consensus

import (
	"fmt"

	"github.com/veritaschain/veritas/pkg/crypto"
)

// evidenceKind distinguishes which message class an equivocation was
// observed in, since a validator can equivocate independently on
// Propose, Prevote, and Precommit within the same (height, round).
type evidenceKind uint8

const (
	evidencePropose evidenceKind = iota
	evidencePrevote
	evidencePrecommit
)

type evidenceKey struct {
	validator crypto.PublicKey
	height    uint64
	round     uint32
	kind      evidenceKind
}

// Evidence records two differently-signed messages from the same
// validator for the same (height, round, class) (spec §4.H "Ordering
// and tie-breaks": "On equivocation ... both messages are retained as
// evidence; neither is counted toward a quorum").
type Evidence struct {
	Validator crypto.PublicKey
	Height    uint64
	Round     uint32
	First     []byte // raw signed message bytes
	Second    []byte
}

// EvidencePool keeps every equivocation a validator has observed,
// in-memory only: spec leaves gossiping evidence as an Open Question,
// resolved here (DESIGN.md) as "logged locally, not propagated".
type EvidencePool struct {
	seen     map[evidenceKey][]byte // first raw message seen per key
	evidence []Evidence
}

// NewEvidencePool returns an empty EvidencePool.
func NewEvidencePool() *EvidencePool {
	return &EvidencePool{seen: make(map[evidenceKey][]byte)}
}

// observe records that validator signed raw for (height, round, kind).
// It returns an Evidence and true if raw differs from a previously seen
// message under the same key — i.e. an equivocation — in which case the
// caller must not count either message toward any quorum.
func (p *EvidencePool) observe(validator crypto.PublicKey, height uint64, round uint32, kind evidenceKind, raw []byte) (Evidence, bool) {
	key := evidenceKey{validator: validator, height: height, round: round, kind: kind}
	prior, ok := p.seen[key]
	if !ok {
		p.seen[key] = raw
		return Evidence{}, false
	}
	if bytesEqual(prior, raw) {
		return Evidence{}, false
	}
	ev := Evidence{Validator: validator, Height: height, Round: round, First: prior, Second: raw}
	p.evidence = append(p.evidence, ev)
	return ev, true
}

// All returns every equivocation recorded so far.
func (p *EvidencePool) All() []Evidence {
	out := make([]Evidence, len(p.evidence))
	copy(out, p.evidence)
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (e Evidence) String() string {
	return fmt.Sprintf("equivocation by %s at height=%d round=%d", e.Validator, e.Height, e.Round)
}
