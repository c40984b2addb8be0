// Package genesis loads the genesis configuration document of spec §6:
// a TOML file naming the initial ConsensusConfig, the ordered validator
// key set, the listen address, and an optional genesis_time. Decoded
// with github.com/BurntSushi/toml, the same library the teacher's own
// go.mod carries (pkg/config in the teacher reads YAML for runtime
// settings; genesis is the one document this module treats as TOML,
// per spec §6 "A TOML document containing the initial ConsensusConfig
// ...").
package genesis

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/veritaschain/veritas/pkg/blockchain"
	"github.com/veritaschain/veritas/pkg/crypto"
)

// Validator is one entry of the genesis validator set, as it appears
// in the TOML document: hex-encoded consensus and service public keys
// plus the address other validators dial to reach it.
type Validator struct {
	ConsensusKey string `toml:"consensus_key"`
	ServiceKey   string `toml:"service_key"`
	Address      string `toml:"address"`
}

// Document is the raw shape of the genesis TOML file, decoded
// field-for-field before being resolved into a Config.
type Document struct {
	ListenAddress string      `toml:"listen_address"`
	GenesisTime   string      `toml:"genesis_time"` // RFC3339; empty means "not set"
	Validators    []Validator `toml:"validators"`

	Consensus struct {
		RoundTimeoutMillis     int64  `toml:"round_timeout_millis"`
		StatusTimeoutMillis    int64  `toml:"status_timeout_millis"`
		PeersTimeoutMillis     int64  `toml:"peers_timeout_millis"`
		ProposeTimeoutMillis   int64  `toml:"propose_timeout_millis"`
		MaxTransactionsPerBlock uint32 `toml:"max_transactions_per_block"`
	} `toml:"consensus"`
}

// Config is the resolved genesis configuration: a ConsensusConfig
// ready to activate at height 0, the validators' dial addresses keyed
// by consensus public key (spec §4.G's connect list), the node's own
// listen address, and the optional genesis time.
type Config struct {
	Consensus     blockchain.ConsensusConfig
	ConnectList   map[crypto.PublicKey]string
	ListenAddress string
	GenesisTime   time.Time // zero value if unset
}

// Load reads and resolves the genesis document at path.
func Load(path string) (*Config, error) {
	var doc Document
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("genesis: decoding %s: %w", path, err)
	}
	return resolve(&doc)
}

func resolve(doc *Document) (*Config, error) {
	if len(doc.Validators) == 0 {
		return nil, fmt.Errorf("genesis: validators list is empty")
	}
	if doc.ListenAddress == "" {
		return nil, fmt.Errorf("genesis: listen_address is required")
	}

	validators := make([]blockchain.ValidatorKeys, len(doc.Validators))
	connectList := make(map[crypto.PublicKey]string, len(doc.Validators))
	for i, v := range doc.Validators {
		consensusKey, err := decodePublicKey(v.ConsensusKey)
		if err != nil {
			return nil, fmt.Errorf("genesis: validators[%d].consensus_key: %w", i, err)
		}
		serviceKey, err := decodePublicKey(v.ServiceKey)
		if err != nil {
			return nil, fmt.Errorf("genesis: validators[%d].service_key: %w", i, err)
		}
		if v.Address == "" {
			return nil, fmt.Errorf("genesis: validators[%d].address is required", i)
		}
		validators[i] = blockchain.ValidatorKeys{ConsensusKey: consensusKey, ServiceKey: serviceKey}
		connectList[consensusKey] = v.Address
	}

	cfg := blockchain.ConsensusConfig{
		Validators:              validators,
		RoundTimeout:            durationOrDefault(doc.Consensus.RoundTimeoutMillis, 3000*time.Millisecond),
		StatusTimeout:           durationOrDefault(doc.Consensus.StatusTimeoutMillis, 5000*time.Millisecond),
		PeersTimeout:            durationOrDefault(doc.Consensus.PeersTimeoutMillis, 10000*time.Millisecond),
		ProposeTimeout:          durationOrDefault(doc.Consensus.ProposeTimeoutMillis, 500*time.Millisecond),
		MaxTransactionsPerBlock: doc.Consensus.MaxTransactionsPerBlock,
		ActivationHeight:        0,
	}
	if cfg.MaxTransactionsPerBlock == 0 {
		cfg.MaxTransactionsPerBlock = 1000
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}

	out := &Config{Consensus: cfg, ConnectList: connectList, ListenAddress: doc.ListenAddress}
	if strings.TrimSpace(doc.GenesisTime) != "" {
		t, err := time.Parse(time.RFC3339, doc.GenesisTime)
		if err != nil {
			return nil, fmt.Errorf("genesis: genesis_time: %w", err)
		}
		out.GenesisTime = t
	}
	return out, nil
}

func durationOrDefault(millis int64, def time.Duration) time.Duration {
	if millis <= 0 {
		return def
	}
	return time.Duration(millis) * time.Millisecond
}

func decodePublicKey(s string) (crypto.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return crypto.PublicKey{}, fmt.Errorf("invalid hex: %w", err)
	}
	return crypto.PublicKeyFromBytes(b)
}
