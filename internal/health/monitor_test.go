package health

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/factrail/factrail/internal/ledger"
	"github.com/factrail/factrail/internal/signing"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubHalter struct {
	mu     sync.Mutex
	halted map[string]string
}

func (s *stubHalter) Halt(streamID, cause string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.halted[streamID]; !ok {
		s.halted[streamID] = cause
	}
}

func (s *stubHalter) cause(streamID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.halted[streamID]
	return c, ok
}

func testChain(t *testing.T, streams ...string) (*ledger.MemoryLedger, *ledger.Verifier) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keys := signing.NewKeyring()
	keys.Add(pub)

	l := ledger.NewMemory(signing.NewSigner(priv))
	for _, stream := range streams {
		for i := 0; i < 3; i++ {
			if _, err := l.Append(context.Background(), stream, "event",
				[]byte(fmt.Sprintf(`{"n":%d}`, i)), fmt.Sprintf("%s-fp-%d", stream, i)); err != nil {
				t.Fatal(err)
			}
		}
	}
	return l, ledger.NewVerifier(l, keys)
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestSweepAll_validChainsStayOpen(t *testing.T) {
	_, verifier := testChain(t, "scans", "incidents")
	halter := &stubHalter{halted: make(map[string]string)}

	var mu sync.Mutex
	results := make(map[string]bool)

	m := New(verifier, halter, []string{"scans", "incidents"}, Config{}, zap.NewNop())
	m.SetResultRecord(func(streamID string, valid bool) {
		mu.Lock()
		results[streamID] = valid
		mu.Unlock()
	})

	m.SweepAll(context.Background())

	if len(halter.halted) != 0 {
		t.Errorf("no stream should be halted: %v", halter.halted)
	}
	if !results["scans"] || !results["incidents"] {
		t.Errorf("unexpected sweep results: %v", results)
	}

	r, ok := m.LastResult("scans")
	if !ok || !r.Valid || r.Checked != 3 {
		t.Errorf("unexpected last result: %+v, %v", r, ok)
	}
}

func TestSweepAll_latchesTamperedStream(t *testing.T) {
	l, verifier := testChain(t, "scans", "incidents")
	halter := &stubHalter{halted: make(map[string]string)}

	entry, err := l.Get(context.Background(), "scans", 2)
	if err != nil {
		t.Fatal(err)
	}
	entry.Payload = []byte(`{"n":"forged"}`)

	m := New(verifier, halter, []string{"scans", "incidents"}, Config{}, zap.NewNop())
	m.SweepAll(context.Background())

	cause, ok := halter.cause("scans")
	if !ok {
		t.Fatal("tampered stream was not halted")
	}
	if !strings.Contains(cause, "hash_mismatch") || !strings.Contains(cause, "seq 2") {
		t.Errorf("unexpected halt cause: %s", cause)
	}
	if _, ok := halter.cause("incidents"); ok {
		t.Error("intact stream must not be halted")
	}
}

func TestSweep_missingStreamVerifiesEmpty(t *testing.T) {
	_, verifier := testChain(t)
	halter := &stubHalter{halted: make(map[string]string)}

	m := New(verifier, halter, []string{"never-written"}, Config{}, zap.NewNop())
	m.SweepAll(context.Background())

	if len(halter.halted) != 0 {
		t.Errorf("empty stream must not latch: %v", halter.halted)
	}
	if r, ok := m.LastResult("never-written"); !ok || !r.Valid || r.Checked != 0 {
		t.Errorf("unexpected result: %+v, %v", r, ok)
	}
}
