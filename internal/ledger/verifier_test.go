package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/factrail/factrail/internal/ledger"
)

// tamperLedger serves a fixed, possibly corrupted slice of entries so tests
// can observe how the verifier reacts to storage-level tampering.
type tamperLedger struct {
	entries []*ledger.Entry
}

func (l *tamperLedger) Append(context.Context, string, string, []byte, string) (*ledger.Entry, error) {
	return nil, ledger.ErrSequenceConflict
}

func (l *tamperLedger) Get(_ context.Context, _ string, seq uint64) (*ledger.Entry, error) {
	for _, e := range l.entries {
		if e.Seq == seq {
			return e, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (l *tamperLedger) Head(context.Context, string) (*ledger.Head, error) {
	if len(l.entries) == 0 {
		return &ledger.Head{Seq: 0, Root: ledger.GenesisHash}, nil
	}
	tip := l.entries[len(l.entries)-1]
	return &ledger.Head{Seq: tip.Seq, Root: tip.Hash}, nil
}

func (l *tamperLedger) Scan(_ context.Context, _ string, from, to uint64, fn func(*ledger.Entry) error) error {
	for _, e := range l.entries {
		if e.Seq < from || (to != 0 && e.Seq > to) {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// buildChain appends n valid entries to a memory ledger, deep-copies them
// into a tamperLedger, and returns a verifier over the copies so tests can
// corrupt individual fields.
func buildChain(t *testing.T, n int) ([]*ledger.Entry, *tamperLedger, *ledger.Verifier) {
	t.Helper()
	mem, keyring := newTestLedger(t)
	appendN(t, mem, "scans", n)

	copies := make([]*ledger.Entry, 0, n)
	err := mem.Scan(context.Background(), "scans", 1, 0, func(e *ledger.Entry) error {
		cp := *e
		copies = append(copies, &cp)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	stub := &tamperLedger{entries: copies}
	return copies, stub, ledger.NewVerifier(stub, keyring)
}

func TestVerifyChain_validChain(t *testing.T) {
	_, _, v := buildChain(t, 5)

	result, err := v.VerifyChain(context.Background(), "scans", 1, 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid chain: %+v", result)
	}
	if result.Checked != 5 {
		t.Errorf("checked %d entries, want 5", result.Checked)
	}
}

func TestVerifyChain_emptyStreamIsValid(t *testing.T) {
	_, _, v := buildChain(t, 0)

	result, err := v.VerifyChain(context.Background(), "scans", 1, 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Valid || result.Checked != 0 {
		t.Errorf("empty stream should verify trivially: %+v", result)
	}
}

func TestVerifyChain_tamperedPayload(t *testing.T) {
	entries, _, v := buildChain(t, 5)
	entries[2].Payload = []byte(`{"n":"forged"}`)

	result, err := v.VerifyChain(context.Background(), "scans", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Fatal("tampered payload must break verification")
	}
	if result.BrokenSeq != 3 {
		t.Errorf("broken at seq %d, want 3", result.BrokenSeq)
	}
	if result.Reason != ledger.ReasonHashMismatch {
		t.Errorf("reason %s, want %s", result.Reason, ledger.ReasonHashMismatch)
	}
	if result.Checked != 2 {
		t.Errorf("verifier should stop at the first failure, checked %d", result.Checked)
	}
}

func TestVerifyChain_brokenLink(t *testing.T) {
	entries, _, v := buildChain(t, 5)
	entries[3].PrevHash = entries[1].Hash // skip a link

	result, err := v.VerifyChain(context.Background(), "scans", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Fatal("broken linkage must fail verification")
	}
	if result.BrokenSeq != 4 || result.Reason != ledger.ReasonChainBreak {
		t.Errorf("got seq %d reason %s, want 4 %s", result.BrokenSeq, result.Reason, ledger.ReasonChainBreak)
	}
}

func TestVerifyChain_forgedSignature(t *testing.T) {
	entries, _, v := buildChain(t, 5)
	entries[4].Signature = entries[0].Signature // valid base64, wrong message

	result, err := v.VerifyChain(context.Background(), "scans", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Fatal("forged signature must fail verification")
	}
	if result.BrokenSeq != 5 || result.Reason != ledger.ReasonSignatureInvalid {
		t.Errorf("got seq %d reason %s, want 5 %s", result.BrokenSeq, result.Reason, ledger.ReasonSignatureInvalid)
	}
}

func TestVerifyChain_sequenceGap(t *testing.T) {
	entries, stub, v := buildChain(t, 5)
	stub.entries = append(entries[:2], entries[3:]...) // drop seq 3

	result, err := v.VerifyChain(context.Background(), "scans", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Fatal("missing entry must fail verification")
	}
	if result.BrokenSeq != 3 || result.Reason != ledger.ReasonSequenceGap {
		t.Errorf("got seq %d reason %s, want 3 %s", result.BrokenSeq, result.Reason, ledger.ReasonSequenceGap)
	}
}

func TestVerifyChain_rangeAnchorsOnPriorEntry(t *testing.T) {
	_, _, v := buildChain(t, 5)

	// Verify just [3,5]; the anchor is entry 2's stored hash.
	result, err := v.VerifyChain(context.Background(), "scans", 3, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid || result.Checked != 3 {
		t.Errorf("range verification failed: %+v", result)
	}
}

func TestVerifyChain_rangePastTip(t *testing.T) {
	_, _, v := buildChain(t, 3)

	// An explicit end past the tip is an error, same as Replay over that
	// range, not a silently shortened valid result.
	_, err := v.VerifyChain(context.Background(), "scans", 1, 10)
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound for range past the tip, got %v", err)
	}

	// to == 0 still means "whatever the tip is".
	result, err := v.VerifyChain(context.Background(), "scans", 1, 0)
	if err != nil || !result.Valid || result.Checked != 3 {
		t.Errorf("open-ended verify failed: %+v, %v", result, err)
	}
}

func TestVerifyChain_rejectionsStreamVerifiesLikeAnyOther(t *testing.T) {
	mem, keyring := newTestLedger(t)
	_, err := mem.Append(context.Background(), "rejections", "rejection", []byte(`{"reason":"x"}`), "fp-r1")
	if err != nil {
		t.Fatal(err)
	}

	v := ledger.NewVerifier(mem, keyring)
	result, err := v.VerifyChain(context.Background(), "rejections", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid {
		t.Errorf("rejection stream should verify: %+v", result)
	}
}
