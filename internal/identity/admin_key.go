// Package identity resolves the relay operator's admin identity.
package identity

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	nostr "github.com/nbd-wtf/go-nostr"
)

// DefaultKeyFileName is used under the data directory when no key file is
// configured.
const DefaultKeyFileName = "admin.key"

// AdminIdentity is the key whose events the relay never charges for.
type AdminIdentity struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"-"`
	// Generated is set when the key was created by this process; the relay
	// announces it once so the operator can pick it up.
	Generated bool `json:"-"`
}

// Generate creates a fresh secp256k1 key pair.
func Generate() (*AdminIdentity, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return fromPrivateKey(priv), nil
}

func fromPrivateKey(priv *btcec.PrivateKey) *AdminIdentity {
	return &AdminIdentity{
		PublicKey:  hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		PrivateKey: hex.EncodeToString(priv.Serialize()),
	}
}

// Resolve returns the configured public key when set. Otherwise it loads
// the private key at keyFile, generating and saving one on first run.
func Resolve(configuredPubKey, keyFile string) (*AdminIdentity, error) {
	if configuredPubKey != "" {
		if !nostr.IsValid32ByteHex(configuredPubKey) {
			return nil, fmt.Errorf("configured admin pubkey must be 64 lowercase hex characters")
		}
		return &AdminIdentity{PublicKey: configuredPubKey}, nil
	}

	if _, err := os.Stat(keyFile); os.IsNotExist(err) {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := save(id, keyFile); err != nil {
			return nil, fmt.Errorf("failed to save admin key: %w", err)
		}
		id.Generated = true
		return id, nil
	}
	return load(keyFile)
}

func save(id *AdminIdentity, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	// only the private key is stored; the public key is derived on load
	return os.WriteFile(path, []byte(id.PrivateKey+"\n"), 0o600)
}

func load(path string) (*AdminIdentity, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read admin key file: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode admin key: %w", err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("admin key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return fromPrivateKey(priv), nil
}
