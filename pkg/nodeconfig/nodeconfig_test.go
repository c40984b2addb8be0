package nodeconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
genesis_path: genesis.toml
storage_path: ./data
keys:
  consensus_key_path: consensus.key
  service_key_path: service.key
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "production" {
		t.Fatalf("Environment = %q, want production", cfg.Environment)
	}
	if cfg.Network.MaxOutgoingConnections != 16 {
		t.Fatalf("MaxOutgoingConnections = %d, want 16", cfg.Network.MaxOutgoingConnections)
	}
	if cfg.API.ListenAddress != "127.0.0.1:8080" {
		t.Fatalf("API.ListenAddress = %q, want 127.0.0.1:8080", cfg.API.ListenAddress)
	}
	if cfg.Keys.MasterKeyPass != "env" {
		t.Fatalf("MasterKeyPass = %q, want env", cfg.Keys.MasterKeyPass)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := &NodeConfig{}
	cfg.applyDefaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected Validate to fail on an empty config")
	}
	for _, want := range []string{"genesis_path", "storage_path", "consensus_key_path", "service_key_path"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Validate() error %q missing mention of %q", err, want)
		}
	}
}

func TestMasterKeyPassphraseResolution(t *testing.T) {
	t.Setenv("VERITAS_MASTER_PASS", "from-env")
	envCfg := &NodeConfig{Keys: KeysSettings{MasterKeyPass: "env"}}
	pass, err := envCfg.MasterKeyPassphrase()
	if err != nil || pass != "from-env" {
		t.Fatalf("MasterKeyPassphrase() = (%q, %v), want (from-env, nil)", pass, err)
	}

	inlineCfg := &NodeConfig{Keys: KeysSettings{MasterKeyPass: "pass:inline-secret"}}
	pass, err = inlineCfg.MasterKeyPassphrase()
	if err != nil || pass != "inline-secret" {
		t.Fatalf("MasterKeyPassphrase() = (%q, %v), want (inline-secret, nil)", pass, err)
	}

	promptCfg := &NodeConfig{Keys: KeysSettings{MasterKeyPass: "prompt"}}
	if _, err := promptCfg.MasterKeyPassphrase(); err == nil {
		t.Fatalf("expected an error resolving a prompt-based passphrase non-interactively")
	}
}
