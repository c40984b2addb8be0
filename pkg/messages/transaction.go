package messages

import (
	"encoding/binary"
	"fmt"

	"github.com/veritaschain/veritas/pkg/crypto"
)

// TxMessage is the Service-class, TypeTransaction body: a signed call
// into one service's Execute, addressed by ServiceID (spec §4.F
// "Service messages carry one transaction addressed to a service id").
type TxMessage struct {
	Author    crypto.PublicKey
	ServiceID uint16
	Payload   []byte
}

const txMessageFixedSize = crypto.PublicKeySize + 2 + descriptorSize

func (t *TxMessage) MarshalBody() []byte {
	w := newSegWriter(txMessageFixedSize)
	off, ln := w.put(t.Payload)
	fixed := make([]byte, txMessageFixedSize)
	i := 0
	writePK(fixed[i:i+crypto.PublicKeySize], t.Author)
	i += crypto.PublicKeySize
	binary.LittleEndian.PutUint16(fixed[i:i+2], t.ServiceID)
	i += 2
	writeDescriptor(fixed[i:i+descriptorSize], off, ln)
	return w.finish(fixed)
}

func UnmarshalTxMessage(body []byte) (*TxMessage, error) {
	if len(body) < txMessageFixedSize {
		return nil, fmt.Errorf("%w: transaction body too short", ErrMalformed)
	}
	t := &TxMessage{}
	i := 0
	t.Author = readPK(body[i : i+crypto.PublicKeySize])
	i += crypto.PublicKeySize
	t.ServiceID = binary.LittleEndian.Uint16(body[i : i+2])
	i += 2
	off, ln := readDescriptor(body[i : i+descriptorSize])
	r := segReader{body: body}
	payload, err := r.get(off, ln)
	if err != nil {
		return nil, err
	}
	t.Payload = payload
	return t, nil
}

// SealTransaction builds a fully signed, wire-ready Service/Transaction
// envelope carrying serviceID/payload, signed by sk under networkID.
func SealTransaction(networkID uint32, serviceID uint16, payload []byte, author crypto.PublicKey, sk crypto.SecretKey) []byte {
	tm := &TxMessage{Author: author, ServiceID: serviceID, Payload: payload}
	return Seal(networkID, ClassService, TypeTransaction, tm.MarshalBody(), sk)
}
