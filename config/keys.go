package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tyler-smith/go-bip39"
)

// WalletKeys is the stored wallet key file: either a raw secret or a seed
// phrase, with the phrase taking precedence when both are present.
type WalletKeys struct {
	Phrase string `json:"phrase,omitempty"`
	Secret string `json:"secret,omitempty"`
}

// LoadWalletKey reads the key file and derives the wallet signing key.
func LoadWalletKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet keys file: %w", err)
	}
	var keys WalletKeys
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse wallet keys file: %w", err)
	}
	return keys.PrivateKey()
}

// PrivateKey derives the ed25519 key. A phrase is stretched with bip39 using
// an empty passphrase and the first 32 seed bytes form the key seed.
func (k WalletKeys) PrivateKey() (ed25519.PrivateKey, error) {
	if k.Phrase != "" {
		seed, err := bip39.NewSeedWithErrorChecking(k.Phrase, "")
		if err != nil {
			return nil, fmt.Errorf("invalid seed phrase: %w", err)
		}
		return ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize]), nil
	}
	if k.Secret == "" {
		return nil, fmt.Errorf("wallet keys file holds neither a phrase nor a secret")
	}
	secret, err := hex.DecodeString(k.Secret)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet secret: %w", err)
	}
	if len(secret) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid wallet secret length: %d", len(secret))
	}
	return ed25519.NewKeyFromSeed(secret), nil
}

// NewWalletKeys generates a fresh seed phrase with 256 bits of entropy.
func NewWalletKeys() (*WalletKeys, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, err
	}
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	return &WalletKeys{Phrase: phrase}, nil
}
