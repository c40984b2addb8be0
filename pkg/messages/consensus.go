package messages

import (
	"encoding/binary"
	"fmt"

	"github.com/veritaschain/veritas/pkg/crypto"
)

// NotLocked is the sentinel LockedRound value meaning "this validator
// holds no lock" (spec §4.H "Locks": "initialized to NOT_LOCKED").
const NotLocked uint32 = 0xFFFFFFFF

func writeHash(buf []byte, h crypto.Hash) { copy(buf, h[:]) }
func readHash(buf []byte) crypto.Hash {
	var h crypto.Hash
	copy(h[:], buf)
	return h
}
func writePK(buf []byte, k crypto.PublicKey) { copy(buf, k[:]) }
func readPK(buf []byte) crypto.PublicKey {
	var k crypto.PublicKey
	copy(k[:], buf)
	return k
}

// Connect announces a validator's network identity and listen address.
// Per spec §4.G, the first payload after a handshake must be a Connect
// message whose author matches the handshake identity.
type Connect struct {
	Author   crypto.PublicKey
	Time     uint64 // unix nanos, informational only
	Address  string
}

const connectFixedSize = crypto.PublicKeySize + 8 + descriptorSize

func (c *Connect) MarshalBody() []byte {
	w := newSegWriter(connectFixedSize)
	off, ln := w.put([]byte(c.Address))
	fixed := make([]byte, connectFixedSize)
	writePK(fixed[0:crypto.PublicKeySize], c.Author)
	binary.LittleEndian.PutUint64(fixed[crypto.PublicKeySize:crypto.PublicKeySize+8], c.Time)
	writeDescriptor(fixed[crypto.PublicKeySize+8:], off, ln)
	return w.finish(fixed)
}

func UnmarshalConnect(body []byte) (*Connect, error) {
	if len(body) < connectFixedSize {
		return nil, fmt.Errorf("%w: connect body too short", ErrMalformed)
	}
	c := &Connect{}
	c.Author = readPK(body[0:crypto.PublicKeySize])
	c.Time = binary.LittleEndian.Uint64(body[crypto.PublicKeySize : crypto.PublicKeySize+8])
	off, ln := readDescriptor(body[crypto.PublicKeySize+8:])
	r := segReader{body: body}
	addr, err := r.get(off, ln)
	if err != nil {
		return nil, err
	}
	if err := checkUTF8("address", string(addr)); err != nil {
		return nil, err
	}
	c.Address = string(addr)
	return c, nil
}

// Propose is the leader's block proposal for (Height, Round), naming
// the transactions to include by hash (spec §4.H).
type Propose struct {
	Author   crypto.PublicKey
	Height   uint64
	Round    uint32
	PrevHash crypto.Hash
	TxHashes []crypto.Hash
}

const proposeFixedSize = crypto.PublicKeySize + 8 + 4 + crypto.HashSize + descriptorSize

func (p *Propose) MarshalBody() []byte {
	w := newSegWriter(proposeFixedSize)
	seg := make([]byte, 0, len(p.TxHashes)*crypto.HashSize)
	for _, h := range p.TxHashes {
		seg = append(seg, h[:]...)
	}
	off, ln := w.put(seg)
	fixed := make([]byte, proposeFixedSize)
	i := 0
	writePK(fixed[i:i+crypto.PublicKeySize], p.Author)
	i += crypto.PublicKeySize
	binary.LittleEndian.PutUint64(fixed[i:i+8], p.Height)
	i += 8
	binary.LittleEndian.PutUint32(fixed[i:i+4], p.Round)
	i += 4
	writeHash(fixed[i:i+crypto.HashSize], p.PrevHash)
	i += crypto.HashSize
	writeDescriptor(fixed[i:i+descriptorSize], off, ln)
	return w.finish(fixed)
}

func UnmarshalPropose(body []byte) (*Propose, error) {
	if len(body) < proposeFixedSize {
		return nil, fmt.Errorf("%w: propose body too short", ErrMalformed)
	}
	p := &Propose{}
	i := 0
	p.Author = readPK(body[i : i+crypto.PublicKeySize])
	i += crypto.PublicKeySize
	p.Height = binary.LittleEndian.Uint64(body[i : i+8])
	i += 8
	p.Round = binary.LittleEndian.Uint32(body[i : i+4])
	i += 4
	p.PrevHash = readHash(body[i : i+crypto.HashSize])
	i += crypto.HashSize
	off, ln := readDescriptor(body[i : i+descriptorSize])
	r := segReader{body: body}
	seg, err := r.get(off, ln)
	if err != nil {
		return nil, err
	}
	if len(seg)%crypto.HashSize != 0 {
		return nil, fmt.Errorf("%w: propose tx hash segment not a multiple of hash size", ErrMalformed)
	}
	for o := 0; o < len(seg); o += crypto.HashSize {
		p.TxHashes = append(p.TxHashes, readHash(seg[o:o+crypto.HashSize]))
	}
	return p, nil
}

// Prevote tallies a validator's vote for propose_hash at (Height,
// Round), carrying along its current lock so peers can detect and
// re-broadcast it across round changes (spec §4.H).
type Prevote struct {
	Author      crypto.PublicKey
	Height      uint64
	Round       uint32
	ProposeHash crypto.Hash
	LockedRound uint32
}

const prevoteFixedSize = crypto.PublicKeySize + 8 + 4 + crypto.HashSize + 4

func (v *Prevote) MarshalBody() []byte {
	buf := make([]byte, prevoteFixedSize)
	i := 0
	writePK(buf[i:i+crypto.PublicKeySize], v.Author)
	i += crypto.PublicKeySize
	binary.LittleEndian.PutUint64(buf[i:i+8], v.Height)
	i += 8
	binary.LittleEndian.PutUint32(buf[i:i+4], v.Round)
	i += 4
	writeHash(buf[i:i+crypto.HashSize], v.ProposeHash)
	i += crypto.HashSize
	binary.LittleEndian.PutUint32(buf[i:i+4], v.LockedRound)
	return buf
}

func UnmarshalPrevote(body []byte) (*Prevote, error) {
	if len(body) < prevoteFixedSize {
		return nil, fmt.Errorf("%w: prevote body too short", ErrMalformed)
	}
	v := &Prevote{}
	i := 0
	v.Author = readPK(body[i : i+crypto.PublicKeySize])
	i += crypto.PublicKeySize
	v.Height = binary.LittleEndian.Uint64(body[i : i+8])
	i += 8
	v.Round = binary.LittleEndian.Uint32(body[i : i+4])
	i += 4
	v.ProposeHash = readHash(body[i : i+crypto.HashSize])
	i += crypto.HashSize
	v.LockedRound = binary.LittleEndian.Uint32(body[i : i+4])
	return v, nil
}

// Precommit tallies a validator's commitment to block_hash for
// (Height, Round, propose_hash) (spec §4.H).
type Precommit struct {
	Author      crypto.PublicKey
	Height      uint64
	Round       uint32
	ProposeHash crypto.Hash
	BlockHash   crypto.Hash
}

const precommitFixedSize = crypto.PublicKeySize + 8 + 4 + crypto.HashSize + crypto.HashSize

func (c *Precommit) MarshalBody() []byte {
	buf := make([]byte, precommitFixedSize)
	i := 0
	writePK(buf[i:i+crypto.PublicKeySize], c.Author)
	i += crypto.PublicKeySize
	binary.LittleEndian.PutUint64(buf[i:i+8], c.Height)
	i += 8
	binary.LittleEndian.PutUint32(buf[i:i+4], c.Round)
	i += 4
	writeHash(buf[i:i+crypto.HashSize], c.ProposeHash)
	i += crypto.HashSize
	writeHash(buf[i:i+crypto.HashSize], c.BlockHash)
	return buf
}

func UnmarshalPrecommit(body []byte) (*Precommit, error) {
	if len(body) < precommitFixedSize {
		return nil, fmt.Errorf("%w: precommit body too short", ErrMalformed)
	}
	c := &Precommit{}
	i := 0
	c.Author = readPK(body[i : i+crypto.PublicKeySize])
	i += crypto.PublicKeySize
	c.Height = binary.LittleEndian.Uint64(body[i : i+8])
	i += 8
	c.Round = binary.LittleEndian.Uint32(body[i : i+4])
	i += 4
	c.ProposeHash = readHash(body[i : i+crypto.HashSize])
	i += crypto.HashSize
	c.BlockHash = readHash(body[i : i+crypto.HashSize])
	return c, nil
}

// Status is the unsolicited summary a validator broadcasts after every
// commit (spec §4.H: "advances to height h+1 ... and broadcasts a
// Status summary").
type Status struct {
	Author   crypto.PublicKey
	Height   uint64
	LastHash crypto.Hash
}

const statusFixedSize = crypto.PublicKeySize + 8 + crypto.HashSize

func (s *Status) MarshalBody() []byte {
	buf := make([]byte, statusFixedSize)
	i := 0
	writePK(buf[i:i+crypto.PublicKeySize], s.Author)
	i += crypto.PublicKeySize
	binary.LittleEndian.PutUint64(buf[i:i+8], s.Height)
	i += 8
	writeHash(buf[i:i+crypto.HashSize], s.LastHash)
	return buf
}

func UnmarshalStatus(body []byte) (*Status, error) {
	if len(body) < statusFixedSize {
		return nil, fmt.Errorf("%w: status body too short", ErrMalformed)
	}
	s := &Status{}
	i := 0
	s.Author = readPK(body[i : i+crypto.PublicKeySize])
	i += crypto.PublicKeySize
	s.Height = binary.LittleEndian.Uint64(body[i : i+8])
	i += 8
	s.LastHash = readHash(body[i : i+crypto.HashSize])
	return s, nil
}

// RequestPropose asks To for the Propose it holds at (Height, Round)
// (spec §4.H "RequestPropose").
type RequestPropose struct {
	Author crypto.PublicKey
	To     crypto.PublicKey
	Height uint64
	Round  uint32
}

const requestProposeFixedSize = crypto.PublicKeySize*2 + 8 + 4

func (r *RequestPropose) MarshalBody() []byte {
	buf := make([]byte, requestProposeFixedSize)
	i := 0
	writePK(buf[i:i+crypto.PublicKeySize], r.Author)
	i += crypto.PublicKeySize
	writePK(buf[i:i+crypto.PublicKeySize], r.To)
	i += crypto.PublicKeySize
	binary.LittleEndian.PutUint64(buf[i:i+8], r.Height)
	i += 8
	binary.LittleEndian.PutUint32(buf[i:i+4], r.Round)
	return buf
}

func UnmarshalRequestPropose(body []byte) (*RequestPropose, error) {
	if len(body) < requestProposeFixedSize {
		return nil, fmt.Errorf("%w: request_propose body too short", ErrMalformed)
	}
	r := &RequestPropose{}
	i := 0
	r.Author = readPK(body[i : i+crypto.PublicKeySize])
	i += crypto.PublicKeySize
	r.To = readPK(body[i : i+crypto.PublicKeySize])
	i += crypto.PublicKeySize
	r.Height = binary.LittleEndian.Uint64(body[i : i+8])
	i += 8
	r.Round = binary.LittleEndian.Uint32(body[i : i+4])
	return r, nil
}

// RequestPrevotes asks To for its tallied prevotes on ProposeHash at
// (Height, Round) (spec §4.H "RequestPrevotes").
type RequestPrevotes struct {
	Author      crypto.PublicKey
	To          crypto.PublicKey
	Height      uint64
	Round       uint32
	ProposeHash crypto.Hash
}

const requestPrevotesFixedSize = crypto.PublicKeySize*2 + 8 + 4 + crypto.HashSize

func (r *RequestPrevotes) MarshalBody() []byte {
	buf := make([]byte, requestPrevotesFixedSize)
	i := 0
	writePK(buf[i:i+crypto.PublicKeySize], r.Author)
	i += crypto.PublicKeySize
	writePK(buf[i:i+crypto.PublicKeySize], r.To)
	i += crypto.PublicKeySize
	binary.LittleEndian.PutUint64(buf[i:i+8], r.Height)
	i += 8
	binary.LittleEndian.PutUint32(buf[i:i+4], r.Round)
	i += 4
	writeHash(buf[i:i+crypto.HashSize], r.ProposeHash)
	return buf
}

func UnmarshalRequestPrevotes(body []byte) (*RequestPrevotes, error) {
	if len(body) < requestPrevotesFixedSize {
		return nil, fmt.Errorf("%w: request_prevotes body too short", ErrMalformed)
	}
	r := &RequestPrevotes{}
	i := 0
	r.Author = readPK(body[i : i+crypto.PublicKeySize])
	i += crypto.PublicKeySize
	r.To = readPK(body[i : i+crypto.PublicKeySize])
	i += crypto.PublicKeySize
	r.Height = binary.LittleEndian.Uint64(body[i : i+8])
	i += 8
	r.Round = binary.LittleEndian.Uint32(body[i : i+4])
	i += 4
	r.ProposeHash = readHash(body[i : i+crypto.HashSize])
	return r, nil
}

// RequestTransactions asks To for the raw bodies of TxHashes (spec
// §4.H "RequestTransactions").
type RequestTransactions struct {
	Author   crypto.PublicKey
	To       crypto.PublicKey
	TxHashes []crypto.Hash
}

const requestTransactionsFixedSize = crypto.PublicKeySize*2 + descriptorSize

func (r *RequestTransactions) MarshalBody() []byte {
	w := newSegWriter(requestTransactionsFixedSize)
	seg := make([]byte, 0, len(r.TxHashes)*crypto.HashSize)
	for _, h := range r.TxHashes {
		seg = append(seg, h[:]...)
	}
	off, ln := w.put(seg)
	fixed := make([]byte, requestTransactionsFixedSize)
	i := 0
	writePK(fixed[i:i+crypto.PublicKeySize], r.Author)
	i += crypto.PublicKeySize
	writePK(fixed[i:i+crypto.PublicKeySize], r.To)
	i += crypto.PublicKeySize
	writeDescriptor(fixed[i:i+descriptorSize], off, ln)
	return w.finish(fixed)
}

func UnmarshalRequestTransactions(body []byte) (*RequestTransactions, error) {
	if len(body) < requestTransactionsFixedSize {
		return nil, fmt.Errorf("%w: request_transactions body too short", ErrMalformed)
	}
	r := &RequestTransactions{}
	i := 0
	r.Author = readPK(body[i : i+crypto.PublicKeySize])
	i += crypto.PublicKeySize
	r.To = readPK(body[i : i+crypto.PublicKeySize])
	i += crypto.PublicKeySize
	off, ln := readDescriptor(body[i : i+descriptorSize])
	rd := segReader{body: body}
	seg, err := rd.get(off, ln)
	if err != nil {
		return nil, err
	}
	if len(seg)%crypto.HashSize != 0 {
		return nil, fmt.Errorf("%w: request_transactions hash segment misaligned", ErrMalformed)
	}
	for o := 0; o < len(seg); o += crypto.HashSize {
		r.TxHashes = append(r.TxHashes, readHash(seg[o:o+crypto.HashSize]))
	}
	return r, nil
}

// ResponseTransactions answers a RequestTransactions with the raw,
// still-signed transaction envelopes the requester was missing. The
// consensus layer checks only that To names the receiving validator and
// verifies each transaction on its own; a response is not matched
// against an earlier request.
type ResponseTransactions struct {
	Author       crypto.PublicKey
	To           crypto.PublicKey
	Transactions [][]byte
}

func (r *ResponseTransactions) fixedSize() int {
	return crypto.PublicKeySize*2 + 4 + descriptorSize*len(r.Transactions)
}

func (r *ResponseTransactions) MarshalBody() []byte {
	fixedSize := r.fixedSize()
	w := newSegWriter(fixedSize)
	descs := make([][2]uint32, len(r.Transactions))
	for idx, tx := range r.Transactions {
		off, ln := w.put(tx)
		descs[idx] = [2]uint32{off, ln}
	}
	fixed := make([]byte, fixedSize)
	i := 0
	writePK(fixed[i:i+crypto.PublicKeySize], r.Author)
	i += crypto.PublicKeySize
	writePK(fixed[i:i+crypto.PublicKeySize], r.To)
	i += crypto.PublicKeySize
	binary.LittleEndian.PutUint32(fixed[i:i+4], uint32(len(r.Transactions)))
	i += 4
	for _, d := range descs {
		writeDescriptor(fixed[i:i+descriptorSize], d[0], d[1])
		i += descriptorSize
	}
	return w.finish(fixed)
}

func UnmarshalResponseTransactions(body []byte) (*ResponseTransactions, error) {
	minSize := crypto.PublicKeySize*2 + 4
	if len(body) < minSize {
		return nil, fmt.Errorf("%w: response_transactions body too short", ErrMalformed)
	}
	r := &ResponseTransactions{}
	i := 0
	r.Author = readPK(body[i : i+crypto.PublicKeySize])
	i += crypto.PublicKeySize
	r.To = readPK(body[i : i+crypto.PublicKeySize])
	i += crypto.PublicKeySize
	count := binary.LittleEndian.Uint32(body[i : i+4])
	i += 4
	if uint64(i)+uint64(count)*descriptorSize > uint64(len(body)) {
		return nil, fmt.Errorf("%w: response_transactions descriptor table truncated", ErrMalformed)
	}
	rd := segReader{body: body}
	for n := uint32(0); n < count; n++ {
		off, ln := readDescriptor(body[i : i+descriptorSize])
		i += descriptorSize
		tx, err := rd.get(off, ln)
		if err != nil {
			return nil, err
		}
		r.Transactions = append(r.Transactions, tx)
	}
	return r, nil
}
