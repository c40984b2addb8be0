package genesis

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/veritaschain/veritas/pkg/crypto"
)

func writeGenesis(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genesis.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing test genesis: %v", err)
	}
	return path
}

func randomHexKey(t *testing.T) string {
	t.Helper()
	seed, err := crypto.GenerateSeed()
	if err != nil {
		t.Fatalf("GenerateSeed: %v", err)
	}
	_, pk := crypto.KeyPair(seed)
	return hex.EncodeToString(pk[:])
}

func TestLoadResolvesValidatorsAndDefaults(t *testing.T) {
	consensusKey := randomHexKey(t)
	serviceKey := randomHexKey(t)
	body := `
listen_address = "127.0.0.1:26650"

[[validators]]
consensus_key = "` + consensusKey + `"
service_key = "` + serviceKey + `"
address = "10.0.0.1:26650"

[consensus]
max_transactions_per_block = 500
`
	path := writeGenesis(t, body)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:26650" {
		t.Fatalf("ListenAddress = %q", cfg.ListenAddress)
	}
	if got := len(cfg.Consensus.Validators); got != 1 {
		t.Fatalf("len(Validators) = %d, want 1", got)
	}
	if cfg.Consensus.MaxTransactionsPerBlock != 500 {
		t.Fatalf("MaxTransactionsPerBlock = %d, want 500", cfg.Consensus.MaxTransactionsPerBlock)
	}
	if cfg.Consensus.RoundTimeout == 0 {
		t.Fatalf("RoundTimeout should have a default, got 0")
	}
	if len(cfg.ConnectList) != 1 {
		t.Fatalf("len(ConnectList) = %d, want 1", len(cfg.ConnectList))
	}
}

func TestLoadRejectsEmptyValidators(t *testing.T) {
	path := writeGenesis(t, `listen_address = "127.0.0.1:26650"`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error loading a genesis with no validators")
	}
}

func TestLoadRejectsBadPublicKeyHex(t *testing.T) {
	body := `
listen_address = "127.0.0.1:26650"

[[validators]]
consensus_key = "not-hex"
service_key = "` + randomHexKey(t) + `"
address = "10.0.0.1:26650"
`
	path := writeGenesis(t, body)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error loading a genesis with an invalid consensus_key")
	}
}
