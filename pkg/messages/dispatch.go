package messages

import (
	"fmt"

	"github.com/veritaschain/veritas/pkg/crypto"
)

// bodyMarshaler is implemented by every concrete consensus message type
// defined in consensus.go.
type bodyMarshaler interface {
	MarshalBody() []byte
}

// SealConsensus seals a consensus-class message of typ, signed by sk
// under networkID.
func SealConsensus(networkID uint32, typ Type, msg bodyMarshaler, sk crypto.SecretKey) []byte {
	return Seal(networkID, ClassConsensus, typ, msg.MarshalBody(), sk)
}

// DecodeConsensus decodes a consensus-class Envelope's body into its
// concrete message type, dispatching on env.Header.Type. The caller
// must have already confirmed env.Header.Class == ClassConsensus.
func DecodeConsensus(env *Envelope) (interface{}, error) {
	switch env.Header.Type {
	case TypeConnect:
		return UnmarshalConnect(env.Body)
	case TypePropose:
		return UnmarshalPropose(env.Body)
	case TypePrevote:
		return UnmarshalPrevote(env.Body)
	case TypePrecommit:
		return UnmarshalPrecommit(env.Body)
	case TypeStatus:
		return UnmarshalStatus(env.Body)
	case TypeRequestPropose:
		return UnmarshalRequestPropose(env.Body)
	case TypeRequestPrevotes:
		return UnmarshalRequestPrevotes(env.Body)
	case TypeRequestTransactions:
		return UnmarshalRequestTransactions(env.Body)
	case TypeResponseTransactions:
		return UnmarshalResponseTransactions(env.Body)
	default:
		return nil, fmt.Errorf("%w: consensus type %d", ErrUnknownType, env.Header.Type)
	}
}
