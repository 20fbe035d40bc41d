package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/factrail/factrail/internal/signing"
)

// sqliteErr mimics the driver's coded error type.
type sqliteErr struct{ code int }

func (e *sqliteErr) Error() string { return fmt.Sprintf("sqlite error (%d)", e.code) }
func (e *sqliteErr) Code() int     { return e.code }

func openTestSQLite(t *testing.T) *SQLiteLedger {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	l, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), signing.NewSigner(priv), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestSQLite_appendScanRoundtrip(t *testing.T) {
	l := openTestSQLite(t)
	ctx := context.Background()

	prev := GenesisHash
	for i := 1; i <= 3; i++ {
		entry, err := l.Append(ctx, "scans", "host-observed",
			[]byte(fmt.Sprintf(`{"host":"10.0.0.%d"}`, i)), fmt.Sprintf("fp-%d", i))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if entry.Seq != uint64(i) || entry.PrevHash != prev {
			t.Errorf("entry %d: seq=%d prev=%s", i, entry.Seq, entry.PrevHash)
		}
		prev = entry.Hash
	}

	head, err := l.Head(ctx, "scans")
	if err != nil {
		t.Fatal(err)
	}
	if head.Seq != 3 || head.Root != prev {
		t.Errorf("unexpected head: %+v", head)
	}

	_, err = l.Append(ctx, "scans", "host-observed", []byte(`{"host":"other"}`), "fp-2")
	dup, ok := AsDuplicate(err)
	if !ok || dup.Seq != 2 {
		t.Errorf("resubmitted fingerprint should resolve to seq 2, got %v", err)
	}

	var seqs []uint64
	if err := l.Scan(ctx, "scans", 1, 0, func(e *Entry) error {
		seqs = append(seqs, e.Seq)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Errorf("unexpected scan order: %v", seqs)
	}
}

func TestSQLite_insertErrClassification(t *testing.T) {
	l := openTestSQLite(t)
	ctx := context.Background()

	// Transient driver trouble must stay retryable, never latch the stream.
	const sqliteBusy = 5
	err := l.classifyInsertErr(ctx, "scans", "fp-busy", 1, &sqliteErr{code: sqliteBusy})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("busy: got %v, want ErrUnavailable", err)
	}
	if errors.Is(err, ErrSequenceConflict) {
		t.Error("busy must not be reported as a sequence conflict")
	}

	err = l.classifyInsertErr(ctx, "scans", "fp-ctx", 1,
		fmt.Errorf("insert: %w", context.DeadlineExceeded))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("deadline: got %v, want ErrUnavailable", err)
	}

	// A (stream_id, seq) collision means a writer got past the stream lock.
	err = l.classifyInsertErr(ctx, "scans", "fp-pk", 4, &sqliteErr{code: sqliteConstraintPrimaryKey})
	if !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("primary key: got %v, want ErrSequenceConflict", err)
	}

	// A fingerprint collision resolves to the committed entry.
	entry, aerr := l.Append(ctx, "scans", "host-observed", []byte(`{"host":"10.0.0.1"}`), "fp-race")
	if aerr != nil {
		t.Fatal(aerr)
	}
	err = l.classifyInsertErr(ctx, "scans", "fp-race", entry.Seq+1, &sqliteErr{code: sqliteConstraintUnique})
	dup, ok := AsDuplicate(err)
	if !ok || dup.Seq != entry.Seq {
		t.Errorf("unique: got %v, want duplicate of seq %d", err, entry.Seq)
	}
}
