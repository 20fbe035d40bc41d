package canonical

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint computes the content fingerprint of a fact: the hex SHA-256
// of the canonical encoding of its content-key fields, prefixed by the fact
// type. Two facts with identical content keys always fingerprint identically
// regardless of submission order, process, or wall-clock time; the result is
// what the storage layer's uniqueness constraint deduplicates on.
func Fingerprint(factType string, contentKey map[string]any) (string, error) {
	enc, err := Encode(map[string]any{
		"fact_type":   factType,
		"content_key": contentKey,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(enc)
	return hex.EncodeToString(sum[:]), nil
}

// Digest returns the hex SHA-256 of raw bytes. Used to key rejection
// records when the submission could not be fingerprinted at all.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
