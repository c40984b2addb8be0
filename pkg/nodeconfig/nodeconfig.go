// Package nodeconfig loads the node-local runtime configuration of
// spec §1.1 (EXPANSION): everything that is not part of genesis —
// listen address override, storage path, connect-list file, network
// tuning, master-key handling. Decoded with gopkg.in/yaml.v3 in the
// same struct-tag style as the teacher's pkg/config/anchor_config.go,
// including its Duration wrapper for human-readable durations.
package nodeconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "3s",
// "500ms", matching the teacher's own Duration type.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// NetworkSettings bounds the peer transport component (spec §4.G).
type NetworkSettings struct {
	ListenAddress          string   `yaml:"listen_address"`
	MaxOutgoingConnections int      `yaml:"max_outgoing_connections"`
	MaxIncomingConnections int      `yaml:"max_incoming_connections"`
	OutgoingQueueDepth     int      `yaml:"outgoing_queue_depth"`
	TCPConnectMaxRetries   int      `yaml:"tcp_connect_max_retries"`
	RedialBaseDelay        Duration `yaml:"redial_base_delay"`
	RedialMaxDelay         Duration `yaml:"redial_max_delay"`
}

// APISettings bounds the public HTTP/WebSocket surface (spec §6).
type APISettings struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// KeysSettings locates this node's identity key material.
type KeysSettings struct {
	ConsensusKeyPath string `yaml:"consensus_key_path"`
	ServiceKeyPath   string `yaml:"service_key_path"`
	// MasterKeyPass selects how the passphrase encrypting the key files
	// is obtained: "env" reads it from VERITAS_MASTER_PASS (spec §6
	// "EXONUM_MASTER_PASS carries the master key passphrase when
	// --master-key-pass env is selected"), "pass:<value>" carries it
	// inline (development only). "prompt" passes Validate, but
	// MasterKeyPassphrase returns an error for it: no interactive prompt
	// is implemented.
	MasterKeyPass string `yaml:"master_key_pass"`
}

// NodeConfig is the resolved node-local runtime configuration.
type NodeConfig struct {
	Environment   string          `yaml:"environment"`
	GenesisPath   string          `yaml:"genesis_path"`
	StoragePath   string          `yaml:"storage_path"`
	ConnectListPath string        `yaml:"connect_list_path"`
	Network       NetworkSettings `yaml:"network"`
	API           APISettings     `yaml:"api"`
	Keys          KeysSettings    `yaml:"keys"`
}

// masterKeyPassEnv is the environment variable spec §6 names
// (generalized from the teacher's EXONUM_MASTER_PASS-equivalent).
const masterKeyPassEnv = "VERITAS_MASTER_PASS"

// Load reads and parses the YAML node configuration at path, then
// applies defaults for anything left unset.
func Load(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nodeconfig: reading %s: %w", path, err)
	}
	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("nodeconfig: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *NodeConfig) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.Network.MaxOutgoingConnections == 0 {
		c.Network.MaxOutgoingConnections = 16
	}
	if c.Network.MaxIncomingConnections == 0 {
		c.Network.MaxIncomingConnections = 32
	}
	if c.Network.OutgoingQueueDepth == 0 {
		c.Network.OutgoingQueueDepth = 256
	}
	if c.Network.TCPConnectMaxRetries == 0 {
		c.Network.TCPConnectMaxRetries = 5
	}
	if c.Network.RedialBaseDelay == 0 {
		c.Network.RedialBaseDelay = Duration(500 * time.Millisecond)
	}
	if c.Network.RedialMaxDelay == 0 {
		c.Network.RedialMaxDelay = Duration(30 * time.Second)
	}
	if c.API.ListenAddress == "" {
		c.API.ListenAddress = "127.0.0.1:8080"
	}
	if c.Keys.MasterKeyPass == "" {
		c.Keys.MasterKeyPass = "env"
	}
}

// Validate checks the structural requirements a node needs to boot,
// accumulating every violation the way the teacher's Validate methods
// do rather than failing on the first one.
func (c *NodeConfig) Validate() error {
	var errs []string
	if c.GenesisPath == "" {
		errs = append(errs, "genesis_path is required")
	}
	if c.StoragePath == "" {
		errs = append(errs, "storage_path is required")
	}
	if c.Keys.ConsensusKeyPath == "" {
		errs = append(errs, "keys.consensus_key_path is required")
	}
	if c.Keys.ServiceKeyPath == "" {
		errs = append(errs, "keys.service_key_path is required")
	}
	switch {
	case c.Keys.MasterKeyPass == "env":
	case c.Keys.MasterKeyPass == "prompt":
	case strings.HasPrefix(c.Keys.MasterKeyPass, "pass:"):
	default:
		errs = append(errs, "keys.master_key_pass must be \"env\", \"prompt\", or \"pass:<value>\"")
	}
	if len(errs) > 0 {
		return fmt.Errorf("nodeconfig: invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MasterKeyPassphrase resolves the configured master-key passphrase
// source into the actual passphrase bytes.
func (c *NodeConfig) MasterKeyPassphrase() (string, error) {
	switch {
	case c.Keys.MasterKeyPass == "env":
		pass, ok := os.LookupEnv(masterKeyPassEnv)
		if !ok {
			return "", fmt.Errorf("nodeconfig: %s is not set", masterKeyPassEnv)
		}
		return pass, nil
	case strings.HasPrefix(c.Keys.MasterKeyPass, "pass:"):
		return strings.TrimPrefix(c.Keys.MasterKeyPass, "pass:"), nil
	default:
		return "", fmt.Errorf("nodeconfig: master_key_pass %q requires interactive prompting, not supported by MasterKeyPassphrase", c.Keys.MasterKeyPass)
	}
}
