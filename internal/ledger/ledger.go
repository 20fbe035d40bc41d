package ledger

import "context"

// Head describes the tip of a stream's chain. An empty stream has Seq 0 and
// Root equal to GenesisHash.
type Head struct {
	Seq  uint64 `json:"seq"`
	Root string `json:"root"`
}

// Ledger is the write/read contract of the evidence store. There is no
// update or delete: the only mutation is Append, and it is atomic per
// stream — dedup check, sequence assignment, hashing, signing, and insert
// commit together or not at all.
//
// MemoryLedger, PostgresLedger, and SQLiteLedger implement this interface.
type Ledger interface {
	// Append records a canonical payload as the next entry of streamID.
	// A fact whose fingerprint is already recorded returns *DuplicateError
	// carrying the existing sequence. Appends to distinct streams proceed
	// in parallel; appends to one stream are serialized.
	Append(ctx context.Context, streamID, factType string, payload []byte, fingerprint string) (*Entry, error)

	// Get returns the entry at seq (1-based) in streamID.
	Get(ctx context.Context, streamID string, seq uint64) (*Entry, error)

	// Head returns the current tip of streamID.
	Head(ctx context.Context, streamID string) (*Head, error)

	// Scan streams entries of streamID in sequence order, from `from`
	// through `to` inclusive (to == 0 means the current tip). It is lazy,
	// restartable at any sequence, and safe to run concurrently with
	// appends: readers only ever observe fully committed entries.
	// A non-nil error from fn stops the scan and is returned unchanged.
	Scan(ctx context.Context, streamID string, from, to uint64, fn func(*Entry) error) error
}
