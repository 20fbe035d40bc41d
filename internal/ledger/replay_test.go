package ledger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/factrail/factrail/internal/ledger"
)

// seqRecorder is a minimal projector that records the sequences it saw.
type seqRecorder struct {
	seqs []uint64
}

func (p *seqRecorder) Apply(e *ledger.Entry) error {
	p.seqs = append(p.seqs, e.Seq)
	return nil
}

func (p *seqRecorder) State() ([]byte, error) { return json.Marshal(p.seqs) }
func (p *seqRecorder) Reset()                 { p.seqs = nil }

func TestReplay_everyEntryOnceInOrder(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, "scans", 8)

	p := &seqRecorder{}
	if err := ledger.Replay(context.Background(), l, "scans", 1, 0, p); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(p.seqs) != 8 {
		t.Fatalf("applied %d entries, want 8", len(p.seqs))
	}
	for i, seq := range p.seqs {
		if seq != uint64(i+1) {
			t.Errorf("position %d saw seq %d", i, seq)
		}
	}
}

func TestReplay_deterministicState(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, "scans", 8)

	run := func() []byte {
		p := &seqRecorder{}
		if err := ledger.Replay(context.Background(), l, "scans", 1, 0, p); err != nil {
			t.Fatalf("Replay: %v", err)
		}
		state, err := p.State()
		if err != nil {
			t.Fatal(err)
		}
		return state
	}

	first := run()
	for i := 0; i < 5; i++ {
		if next := run(); !bytes.Equal(first, next) {
			t.Fatalf("replay state not byte-identical: %s vs %s", first, next)
		}
	}
}

func TestReplay_checkpointRestart(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, "scans", 10)

	// Full replay in one pass.
	full := &seqRecorder{}
	if err := ledger.Replay(context.Background(), l, "scans", 1, 0, full); err != nil {
		t.Fatal(err)
	}
	fullState, _ := full.State()

	// Same replay split at a checkpoint: resume from checkpoint+1 without Reset.
	split := &seqRecorder{}
	if err := ledger.Replay(context.Background(), l, "scans", 1, 6, split); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Replay(context.Background(), l, "scans", 7, 0, split); err != nil {
		t.Fatal(err)
	}
	splitState, _ := split.State()

	if !bytes.Equal(fullState, splitState) {
		t.Errorf("checkpointed replay diverged: %s vs %s", fullState, splitState)
	}
}

func TestReplay_failsOnGap(t *testing.T) {
	_, stub, _ := buildChain(t, 5)
	stub.entries = append(stub.entries[:2], stub.entries[3:]...) // drop seq 3

	err := ledger.Replay(context.Background(), stub, "scans", 1, 0, &seqRecorder{})
	if !errors.Is(err, ledger.ErrSequenceConflict) {
		t.Errorf("expected ErrSequenceConflict on gap, got %v", err)
	}
}

func TestReplay_failsWhenRangeExceedsChain(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, "scans", 3)

	err := ledger.Replay(context.Background(), l, "scans", 1, 10, &seqRecorder{})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound for range past the tip, got %v", err)
	}
}

func TestReplay_projectorErrorStopsReplay(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, "scans", 5)

	boom := errors.New("boom")
	p := &failingProjector{failAt: 3, err: boom}
	err := ledger.Replay(context.Background(), l, "scans", 1, 0, p)
	if !errors.Is(err, boom) {
		t.Errorf("expected projector error to surface, got %v", err)
	}
	if p.applied != 3 {
		t.Errorf("replay continued past the failure: applied %d", p.applied)
	}
}

type failingProjector struct {
	failAt  int
	err     error
	applied int
}

func (p *failingProjector) Apply(e *ledger.Entry) error {
	p.applied++
	if p.applied == p.failAt {
		return p.err
	}
	return nil
}

func (p *failingProjector) State() ([]byte, error) { return nil, fmt.Errorf("unused") }
func (p *failingProjector) Reset()                 { p.applied = 0 }
