package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
)

// Signer signs entry hashes with a single ed25519 private key.
type Signer struct {
	priv  ed25519.PrivateKey
	keyID string
}

// NewSigner creates a Signer from a private key. The key id is derived
// from the corresponding public key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{
		priv:  priv,
		keyID: KeyID(priv.Public().(ed25519.PublicKey)),
	}
}

// Sign signs a hex-encoded entry hash and returns the base64 signature.
// The signature covers the raw hash bytes, not the hex string.
func (s *Signer) Sign(hashHex string) (string, error) {
	raw, err := hex.DecodeString(hashHex)
	if err != nil {
		return "", fmt.Errorf("decode entry hash: %w", err)
	}
	sig := ed25519.Sign(s.priv, raw)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// KeyID returns the id recorded as signer_key_id on entries this Signer signs.
func (s *Signer) KeyID() string { return s.keyID }

// Keyring maps signer key ids to public keys so that entries signed before
// a key change still verify. Registration is additive only.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyring returns an empty Keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]ed25519.PublicKey)}
}

// Add registers a public key under its derived key id.
func (r *Keyring) Add(pub ed25519.PublicKey) string {
	id := KeyID(pub)
	r.mu.Lock()
	r.keys[id] = pub
	r.mu.Unlock()
	return id
}

// Verify checks a base64 signature over a hex entry hash against the public
// key registered under keyID.
func (r *Keyring) Verify(keyID, hashHex, sigBase64 string) error {
	r.mu.RLock()
	pub, ok := r.keys[keyID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown signer key id %q", keyID)
	}

	raw, err := hex.DecodeString(hashHex)
	if err != nil {
		return fmt.Errorf("decode entry hash: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigBase64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(pub, raw, sig) {
		return fmt.Errorf("signature does not verify under key %q", keyID)
	}
	return nil
}
