package messages

import (
	"fmt"

	"github.com/veritaschain/veritas/pkg/runtime"
)

// Codec adapts the wire format to pkg/blockchain's TxCodec interface, so
// block assembly can verify and decode pooled transactions without
// importing this package's concrete message types.
type Codec struct {
	NetworkID uint32
}

// NewCodec returns a Codec bound to networkID (the genesis-derived id
// every peer message on this chain must carry, spec §4.F).
func NewCodec(networkID uint32) *Codec {
	return &Codec{NetworkID: networkID}
}

// Decode parses raw as a Service/Transaction envelope and returns the
// runtime.Transaction it carries. It does not check the signature; call
// VerifySignature first.
func (c *Codec) Decode(raw []byte) (runtime.Transaction, error) {
	env, err := Decode(raw, c.NetworkID)
	if err != nil {
		return runtime.Transaction{}, err
	}
	if env.Header.Class != ClassService || env.Header.Type != TypeTransaction {
		return runtime.Transaction{}, fmt.Errorf("%w: class %s type %d is not a transaction", ErrUnknownType, env.Header.Class, env.Header.Type)
	}
	tm, err := UnmarshalTxMessage(env.Body)
	if err != nil {
		return runtime.Transaction{}, err
	}
	return runtime.Transaction{ServiceID: tm.ServiceID, Payload: tm.Payload}, nil
}

// VerifySignature decodes raw far enough to find its claimed author and
// checks the trailing signature against it (spec §3 "Lifecycle":
// "accepted into the pool once signature + domain-specific verify()
// succeed").
func (c *Codec) VerifySignature(raw []byte) error {
	env, err := Decode(raw, c.NetworkID)
	if err != nil {
		return err
	}
	if env.Header.Class != ClassService || env.Header.Type != TypeTransaction {
		return fmt.Errorf("%w: class %s type %d is not a transaction", ErrUnknownType, env.Header.Class, env.Header.Type)
	}
	tm, err := UnmarshalTxMessage(env.Body)
	if err != nil {
		return err
	}
	return VerifySignature(raw, tm.Author)
}
