// Package ledger implements the append-only, hash-chained evidence store.
// Each stream is an independent chain of signed entries with strictly
// increasing, gap-free sequence numbers; entries are never updated or
// deleted, and every derived view is rebuildable from Scan alone.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the well-known anchor of every chain. The first entry of a
// stream (seq 1) chains from this constant rather than from a stored row.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single immutable fact recorded in a stream.
//
// RecordedAt is informational only: it is excluded from the hash preimage,
// the fingerprint, and all ordering, so replaying the same entries always
// reproduces identical derived state regardless of when they were ingested.
type Entry struct {
	Seq         uint64          `json:"seq"`
	StreamID    string          `json:"stream_id"`
	FactType    string          `json:"fact_type"`
	Payload     json.RawMessage `json:"payload"` // canonical encoding, byte-stable
	Fingerprint string          `json:"fingerprint"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
	Signature   string          `json:"signature"` // base64 ed25519 over the raw hash bytes
	SignerKeyID string          `json:"signer_key_id"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// hashEntry computes the deterministic SHA-256 hash over the fields that
// define an entry's identity: sequence, fact type, canonical payload, and
// the previous entry's hash. The variable-length fields are length-prefixed
// so no field content can masquerade as a boundary.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%s|%d|", e.Seq, len(e.FactType), e.FactType, len(e.Payload))
	h.Write(e.Payload)
	fmt.Fprintf(h, "|%s", e.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}
