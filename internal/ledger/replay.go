package ledger

import (
	"context"
	"fmt"
)

// Projector folds ledger entries into derived state. Implementations must
// be deterministic: applying the same entries in the same order always
// produces byte-identical State output. Projectors never write back to the
// ledger.
type Projector interface {
	// Apply folds one entry into the projector's state. Entries arrive in
	// strict sequence order, exactly once each.
	Apply(e *Entry) error

	// State serializes the current derived state.
	State() ([]byte, error)

	// Reset discards all derived state, returning the projector to its
	// initial condition for a fresh replay.
	Reset()
}

// Replay feeds the entries [from, to] of streamID (to == 0 means the tip)
// into projector, in sequence order, exactly once each. It fails on any gap
// rather than silently skipping. Restart from a checkpoint by passing
// from = checkpoint+1 without resetting the projector.
func Replay(ctx context.Context, l Ledger, streamID string, from, to uint64, projector Projector) error {
	if from == 0 {
		from = 1
	}
	expected := from
	err := l.Scan(ctx, streamID, from, to, func(e *Entry) error {
		if e.Seq != expected {
			return fmt.Errorf("%w: replay expected seq %d, found %d", ErrSequenceConflict, expected, e.Seq)
		}
		if err := projector.Apply(e); err != nil {
			return fmt.Errorf("apply entry %d: %w", e.Seq, err)
		}
		expected = e.Seq + 1
		return nil
	})
	if err != nil {
		return err
	}
	if to != 0 && expected <= to {
		return fmt.Errorf("%w: replay reached seq %d, wanted through %d", ErrNotFound, expected-1, to)
	}
	return nil
}
