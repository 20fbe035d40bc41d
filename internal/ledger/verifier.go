package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/factrail/factrail/internal/signing"
)

// BreakReason classifies the first integrity failure found in a range.
type BreakReason string

const (
	ReasonHashMismatch     BreakReason = "hash_mismatch"
	ReasonChainBreak       BreakReason = "chain_break"
	ReasonSignatureInvalid BreakReason = "signature_invalid"
	ReasonSequenceGap      BreakReason = "sequence_gap"
)

// VerifyResult reports the outcome of a chain verification. A broken chain
// is a terminal finding: the verifier pinpoints the first bad sequence and
// never repairs, skips, or continues past it.
type VerifyResult struct {
	Valid     bool        `json:"valid"`
	Checked   uint64      `json:"checked"`
	BrokenSeq uint64      `json:"broken_seq,omitempty"`
	Reason    BreakReason `json:"reason,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// Verifier recomputes entry hashes, prev-hash linkage, and signatures over
// ranges of a chain. It holds no write capability at all.
type Verifier struct {
	ledger Ledger
	keys   *signing.Keyring
}

// NewVerifier creates a Verifier reading from ledger and validating
// signatures against keys (looked up by each entry's signer key id).
func NewVerifier(ledger Ledger, keys *signing.Keyring) *Verifier {
	return &Verifier{ledger: ledger, keys: keys}
}

// errBroken stops the scan as soon as the first failure is found.
var errBroken = errors.New("ledger: chain broken")

// VerifyChain checks entries [from, to] of streamID (to == 0 means the
// current tip). The chain is anchored on GenesisHash when from <= 1, or on
// the stored hash of entry from-1 otherwise. An explicit range extending
// past the tip is ErrNotFound, same as Replay over that range.
func (v *Verifier) VerifyChain(ctx context.Context, streamID string, from, to uint64) (*VerifyResult, error) {
	if from == 0 {
		from = 1
	}

	expectedPrev := GenesisHash
	if from > 1 {
		anchor, err := v.ledger.Get(ctx, streamID, from-1)
		if err != nil {
			return nil, fmt.Errorf("read anchor entry %d: %w", from-1, err)
		}
		expectedPrev = anchor.Hash
	}

	result := &VerifyResult{Valid: true}
	expectedSeq := from

	err := v.ledger.Scan(ctx, streamID, from, to, func(e *Entry) error {
		if e.Seq != expectedSeq {
			return v.broken(result, expectedSeq, ReasonSequenceGap,
				fmt.Sprintf("expected seq %d, found %d", expectedSeq, e.Seq))
		}
		if e.PrevHash != expectedPrev {
			return v.broken(result, e.Seq, ReasonChainBreak,
				fmt.Sprintf("prev_hash %q does not match prior entry hash %q", e.PrevHash, expectedPrev))
		}
		if recomputed := hashEntry(e); recomputed != e.Hash {
			return v.broken(result, e.Seq, ReasonHashMismatch,
				fmt.Sprintf("stored hash %q, recomputed %q", e.Hash, recomputed))
		}
		if err := v.keys.Verify(e.SignerKeyID, e.Hash, e.Signature); err != nil {
			return v.broken(result, e.Seq, ReasonSignatureInvalid, err.Error())
		}
		result.Checked++
		expectedSeq = e.Seq + 1
		expectedPrev = e.Hash
		return nil
	})
	if err != nil && !errors.Is(err, errBroken) {
		return nil, err
	}
	if result.Valid && to != 0 && expectedSeq <= to {
		return nil, fmt.Errorf("%w: verify reached seq %d, wanted through %d", ErrNotFound, expectedSeq-1, to)
	}
	return result, nil
}

func (v *Verifier) broken(r *VerifyResult, seq uint64, reason BreakReason, detail string) error {
	r.Valid = false
	r.BrokenSeq = seq
	r.Reason = reason
	r.Detail = detail
	return errBroken
}
