// Package signing provides ed25519 signing and verification for ledger
// entries. Each stream writer holds exactly one active signing key; every
// entry records the id of the key that signed it so historical entries
// remain verifiable after the active key changes.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "ledger-signing.key"
	publicKeyFile  = "ledger-signing.pub"
)

// KeyManager creates and persists the writer's ed25519 signing keypair.
// The private key never leaves the key directory; the public key and key id
// are exportable for verifier configuration.
type KeyManager struct {
	dir  string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewKeyManager returns a KeyManager that stores key files in dir.
func NewKeyManager(dir string) *KeyManager {
	return &KeyManager{dir: dir}
}

// LoadOrCreate loads the keypair from disk if present; generates and
// persists a new one otherwise.
func (m *KeyManager) LoadOrCreate() error {
	if err := m.Load(); err == nil {
		return nil
	}
	return m.Create()
}

// Load reads an existing keypair from the configured directory.
func (m *KeyManager) Load() error {
	privPEM, err := os.ReadFile(filepath.Join(m.dir, privateKeyFile))
	if err != nil {
		return fmt.Errorf("read signing key: %w", err)
	}
	pubPEM, err := os.ReadFile(filepath.Join(m.dir, publicKeyFile))
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	priv, err := decodePrivateKey(privPEM)
	if err != nil {
		return err
	}
	pub, err := DecodePublicKey(pubPEM)
	if err != nil {
		return err
	}
	m.priv = priv
	m.pub = pub
	return nil
}

// Create generates a new ed25519 keypair and saves it to disk.
func (m *KeyManager) Create() error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("create key dir %q: %w", m.dir, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	if err := os.WriteFile(filepath.Join(m.dir, privateKeyFile), privPEM, 0o600); err != nil {
		return fmt.Errorf("write signing key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, publicKeyFile), pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	m.priv = priv
	m.pub = pub
	return nil
}

// PrivateKey returns the loaded private key.
func (m *KeyManager) PrivateKey() ed25519.PrivateKey { return m.priv }

// PublicKey returns the loaded public key.
func (m *KeyManager) PublicKey() ed25519.PublicKey { return m.pub }

// KeyID returns the identifier of the loaded keypair.
func (m *KeyManager) KeyID() string { return KeyID(m.pub) }

// PublicKeyPEM returns the public key in PKIX PEM form.
func (m *KeyManager) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(m.pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// KeyID derives the identifier of a public key: the hex SHA-256 of its
// PKIX encoding. Entries store this as signer_key_id.
func KeyID(pub ed25519.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		// ed25519 keys always marshal; a failure means a malformed key.
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// DecodePublicKey parses a PEM-encoded ed25519 public key.
func DecodePublicKey(pemBytes []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want ed25519", key)
	}
	return pub, nil
}

func decodePrivateKey(pemBytes []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want ed25519", key)
	}
	return priv, nil
}
