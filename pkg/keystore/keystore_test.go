package keystore

import (
	"path/filepath"
	"testing"

	"github.com/veritaschain/veritas/pkg/crypto"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	seed, err := crypto.GenerateSeed()
	if err != nil {
		t.Fatalf("GenerateSeed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "consensus.key")
	if err := Save(path, seed, "correct horse battery staple"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != seed {
		t.Fatalf("round-tripped seed does not match original")
	}
}

func TestLoadRejectsWrongPassphrase(t *testing.T) {
	seed, _ := crypto.GenerateSeed()
	path := filepath.Join(t.TempDir(), "service.key")
	if err := Save(path, seed, "right-passphrase"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := Load(path, "wrong-passphrase"); err == nil {
		t.Fatalf("expected Load to fail with the wrong passphrase")
	}
}
