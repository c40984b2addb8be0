package blockchain

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/veritaschain/veritas/pkg/crypto"
	"github.com/veritaschain/veritas/pkg/storage"
	"github.com/veritaschain/veritas/pkg/storage/keys"
)

const schemaNamespace = "core"

func addr(name string) storage.Address { return storage.NewAddress(schemaNamespace, name) }

// Schema is the authenticated and plain storage layout for the
// blockchain component: committed blocks by height, transaction
// locations and results by hash, and the versioned configuration
// history, per spec §3 "Configuration" and §6 "Persistent storage
// layout". It is a thin view over a storage.Access, the same shape as
// pkg/storage/prooflist.ProofList and pkg/storage/proofmap.ProofMap's
// own New(access, addr) constructors.
type Schema struct {
	access storage.Access
}

// NewSchema wraps access with the blockchain schema. Every call
// declares its index addresses, so opening the same Schema twice over
// incompatible prior state surfaces storage.ErrTypeConflict immediately.
func NewSchema(access storage.Access) (*Schema, error) {
	if err := access.DeclareIndex(addr("blocks"), storage.IndexMap); err != nil {
		return nil, err
	}
	if err := access.DeclareIndex(addr("tx_locations"), storage.IndexMap); err != nil {
		return nil, err
	}
	if err := access.DeclareIndex(addr("tx_results"), storage.IndexMap); err != nil {
		return nil, err
	}
	if err := access.DeclareIndex(addr("configs"), storage.IndexMap); err != nil {
		return nil, err
	}
	if err := access.DeclareIndex(addr("meta"), storage.IndexMap); err != nil {
		return nil, err
	}
	return &Schema{access: access}, nil
}

func blockKey(height uint64) []byte { return keys.Concat(keys.U64(height)) }

func hashKey(h crypto.Hash) []byte { return keys.Concat(keys.HashKey(h)) }

func cfgKey(activationHeight uint64) []byte { return keys.Concat(keys.U64(activationHeight)) }

// PutBlock stores b at its own height. It does not validate height
// monotonicity or linkage; callers (pkg/consensus's commit path) are
// responsible for only ever calling this with the next expected height
// (spec §3: "height (u64) strictly monotonic from 0").
func (s *Schema) PutBlock(b *Block) error {
	return s.access.Put(addr("blocks"), blockKey(b.Height), encodeBlock(b))
}

// Block returns the committed block at height, or ok=false if none.
func (s *Schema) Block(height uint64) (*Block, bool) {
	v, ok := s.access.Get(addr("blocks"), blockKey(height))
	if !ok {
		return nil, false
	}
	b, err := decodeBlock(v)
	if err != nil {
		return nil, false
	}
	return b, true
}

// Height returns the height of the most recently committed block, or
// (0, false) before genesis has been committed.
func (s *Schema) Height() (uint64, bool) {
	v, ok := s.access.Get(addr("meta"), []byte("height"))
	if !ok {
		return 0, false
	}
	var h keys.U64
	if _, err := h.Read(v); err != nil {
		return 0, false
	}
	return uint64(h), true
}

// SetHeight records height as the most recently committed block's
// height. Called once per commit, after PutBlock.
func (s *Schema) SetHeight(height uint64) error {
	buf := make([]byte, 8)
	keys.U64(height).Write(buf)
	return s.access.Put(addr("meta"), []byte("height"), buf)
}

// PutTxLocation records where a committed transaction lives (spec §6
// "location").
func (s *Schema) PutTxLocation(hash crypto.Hash, loc TxLocation) error {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf[0:8], loc.Height)
	binary.LittleEndian.PutUint32(buf[8:12], loc.Position)
	return s.access.Put(addr("tx_locations"), hashKey(hash), buf)
}

// TxLocation returns where hash was committed, or ok=false if it was
// never committed (it may still be pooled, or entirely unknown — spec
// §6 distinguishes these at the HTTP layer, not here).
func (s *Schema) TxLocation(hash crypto.Hash) (TxLocation, bool) {
	v, ok := s.access.Get(addr("tx_locations"), hashKey(hash))
	if !ok || len(v) < 12 {
		return TxLocation{}, false
	}
	return TxLocation{
		Height:   binary.LittleEndian.Uint64(v[0:8]),
		Position: binary.LittleEndian.Uint32(v[8:12]),
	}, true
}

// PutTxResult records the execution outcome of a committed transaction.
func (s *Schema) PutTxResult(hash crypto.Hash, res TxResult) error {
	return s.access.Put(addr("tx_results"), hashKey(hash), res.bytes())
}

// TxResult returns the recorded outcome for hash, or ok=false if it was
// never committed.
func (s *Schema) TxResult(hash crypto.Hash) (TxResult, bool) {
	v, ok := s.access.Get(addr("tx_results"), hashKey(hash))
	if !ok {
		return TxResult{}, false
	}
	res, err := decodeTxResult(v)
	if err != nil {
		return TxResult{}, false
	}
	return res, true
}

// PutConfig stores cfg, indexed by its own ActivationHeight (spec §3
// "Configuration": "Configurations are versioned; any consensus
// parameter change takes effect at a pre-announced activation height.").
func (s *Schema) PutConfig(cfg *ConsensusConfig) error {
	return s.access.Put(addr("configs"), cfgKey(cfg.ActivationHeight), encodeConfig(cfg))
}

// ActiveConfig returns the configuration in effect at height: the
// config with the greatest ActivationHeight that is <= height. It scans
// backward from height to 0, which is adequate for the activation
// cadence consensus configs change at; callers needing this on every
// block should cache the result across heights sharing the same
// configuration.
func (s *Schema) ActiveConfig(height uint64) (*ConsensusConfig, bool) {
	for h := height; ; h-- {
		if v, ok := s.access.Get(addr("configs"), cfgKey(h)); ok {
			cfg, err := decodeConfig(v)
			if err == nil {
				return cfg, true
			}
		}
		if h == 0 {
			break
		}
	}
	return nil, false
}

// --- encodings ---

func encodeBlock(b *Block) []byte {
	body := b.Bytes()
	buf := make([]byte, 0, 4+len(body))
	buf = encodeUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	return buf
}

func decodeBlock(buf []byte) (*Block, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("blockchain: decoding block: short buffer")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, fmt.Errorf("blockchain: decoding block: truncated body")
	}
	return decodeBlockBody(buf[:n])
}

func decodeBlockBody(buf []byte) (*Block, error) {
	b := &Block{AdditionalHeaders: make(map[string][]byte)}
	need := func(n int) error {
		if len(buf) < n {
			return fmt.Errorf("blockchain: decoding block body: short buffer")
		}
		return nil
	}
	if err := need(8); err != nil {
		return nil, err
	}
	b.Height = binary.LittleEndian.Uint64(buf[:8])
	buf = buf[8:]
	if err := need(8); err != nil {
		return nil, err
	}
	b.Epoch = binary.LittleEndian.Uint64(buf[:8])
	buf = buf[8:]
	if err := need(crypto.HashSize); err != nil {
		return nil, err
	}
	copy(b.PrevHash[:], buf[:crypto.HashSize])
	buf = buf[crypto.HashSize:]
	if err := need(crypto.HashSize); err != nil {
		return nil, err
	}
	copy(b.TxHash[:], buf[:crypto.HashSize])
	buf = buf[crypto.HashSize:]
	if err := need(crypto.HashSize); err != nil {
		return nil, err
	}
	copy(b.StateHash[:], buf[:crypto.HashSize])
	buf = buf[crypto.HashSize:]
	if err := need(crypto.HashSize); err != nil {
		return nil, err
	}
	copy(b.ErrorHash[:], buf[:crypto.HashSize])
	buf = buf[crypto.HashSize:]
	if err := need(4); err != nil {
		return nil, err
	}
	b.TxCount = binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if err := need(crypto.PublicKeySize); err != nil {
		return nil, err
	}
	copy(b.ProposerID[:], buf[:crypto.PublicKeySize])
	buf = buf[crypto.PublicKeySize:]
	if err := need(4); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	for i := uint32(0); i < count; i++ {
		if err := need(4); err != nil {
			return nil, err
		}
		kl := binary.LittleEndian.Uint32(buf[:4])
		buf = buf[4:]
		if err := need(int(kl)); err != nil {
			return nil, err
		}
		key := string(buf[:kl])
		buf = buf[kl:]
		if err := need(4); err != nil {
			return nil, err
		}
		vl := binary.LittleEndian.Uint32(buf[:4])
		buf = buf[4:]
		if err := need(int(vl)); err != nil {
			return nil, err
		}
		val := append([]byte(nil), buf[:vl]...)
		buf = buf[vl:]
		b.AdditionalHeaders[key] = val
	}
	return b, nil
}

func encodeConfig(c *ConsensusConfig) []byte {
	buf := make([]byte, 0, 128)
	buf = encodeUint32(buf, uint32(len(c.Validators)))
	for _, v := range c.Validators {
		buf = append(buf, v.ConsensusKey[:]...)
		buf = append(buf, v.ServiceKey[:]...)
	}
	buf = encodeUint64(buf, uint64(c.RoundTimeout))
	buf = encodeUint64(buf, uint64(c.StatusTimeout))
	buf = encodeUint64(buf, uint64(c.PeersTimeout))
	buf = encodeUint64(buf, uint64(c.ProposeTimeout))
	buf = encodeUint32(buf, c.MaxTransactionsPerBlock)
	buf = encodeUint64(buf, c.ActivationHeight)
	return buf
}

func decodeConfig(buf []byte) (*ConsensusConfig, error) {
	need := func(n int) error {
		if len(buf) < n {
			return fmt.Errorf("blockchain: decoding config: short buffer")
		}
		return nil
	}
	if err := need(4); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	validators := make([]ValidatorKeys, n)
	for i := range validators {
		if err := need(2 * crypto.PublicKeySize); err != nil {
			return nil, err
		}
		copy(validators[i].ConsensusKey[:], buf[:crypto.PublicKeySize])
		copy(validators[i].ServiceKey[:], buf[crypto.PublicKeySize:2*crypto.PublicKeySize])
		buf = buf[2*crypto.PublicKeySize:]
	}
	if err := need(8 * 4); err != nil {
		return nil, err
	}
	roundTimeout := binary.LittleEndian.Uint64(buf[0:8])
	statusTimeout := binary.LittleEndian.Uint64(buf[8:16])
	peersTimeout := binary.LittleEndian.Uint64(buf[16:24])
	proposeTimeout := binary.LittleEndian.Uint64(buf[24:32])
	buf = buf[32:]
	if err := need(4 + 8); err != nil {
		return nil, err
	}
	maxTx := binary.LittleEndian.Uint32(buf[0:4])
	activation := binary.LittleEndian.Uint64(buf[4:12])
	return &ConsensusConfig{
		Validators:              validators,
		RoundTimeout:            time.Duration(roundTimeout),
		StatusTimeout:           time.Duration(statusTimeout),
		PeersTimeout:            time.Duration(peersTimeout),
		ProposeTimeout:          time.Duration(proposeTimeout),
		MaxTransactionsPerBlock: maxTx,
		ActivationHeight:        activation,
	}, nil
}
