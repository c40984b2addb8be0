// Package keystore implements the key-file encryption the PURPOSE &
// SCOPE section of the specification calls out as an external
// collaborator rather than core consensus/storage logic — but which
// cmd/node still needs to turn a passphrase into the Ed25519 seeds
// signing consensus and service traffic. It encrypts a crypto.Seed
// with a passphrase-derived key, using golang.org/x/crypto (already
// pulled in by the teacher's own go.mod) for the KDF and AEAD rather
// than hand-rolling either, per the "never fall back to the standard
// library where the ecosystem shows a way" rule.
package keystore

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/veritaschain/veritas/pkg/crypto"
)

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	saltSize     = 16
	derivedKeyLen = chacha20poly1305.KeySize
)

// file is the on-disk JSON shape of an encrypted key file.
type file struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Save encrypts seed under passphrase and writes it to path as JSON,
// with file permissions restricted to the owner.
func Save(path string, seed crypto.Seed, passphrase string) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("keystore: generating salt: %w", err)
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("keystore: initializing cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("keystore: generating nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, seed[:], nil)

	data, err := json.MarshalIndent(file{Salt: salt, Nonce: nonce, Ciphertext: ciphertext}, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: encoding key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("keystore: writing %s: %w", path, err)
	}
	return nil
}

// Load reads and decrypts the key file at path using passphrase.
func Load(path string, passphrase string) (crypto.Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return crypto.Seed{}, fmt.Errorf("keystore: reading %s: %w", path, err)
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return crypto.Seed{}, fmt.Errorf("keystore: parsing %s: %w", path, err)
	}
	key, err := deriveKey(passphrase, f.Salt)
	if err != nil {
		return crypto.Seed{}, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return crypto.Seed{}, fmt.Errorf("keystore: initializing cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, f.Nonce, f.Ciphertext, nil)
	if err != nil {
		return crypto.Seed{}, fmt.Errorf("keystore: wrong passphrase or corrupt key file %s", path)
	}
	if len(plaintext) != len(crypto.Seed{}) {
		return crypto.Seed{}, fmt.Errorf("keystore: decrypted seed has wrong length %d", len(plaintext))
	}
	var out crypto.Seed
	copy(out[:], plaintext)
	return out, nil
}

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, derivedKeyLen)
	if err != nil {
		return nil, fmt.Errorf("keystore: deriving key: %w", err)
	}
	return key, nil
}
