package ingest_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/factrail/factrail/internal/ingest"
	"github.com/factrail/factrail/internal/ledger"
	"github.com/factrail/factrail/internal/signing"
)

func newService(t *testing.T) (*ingest.Service, *ledger.MemoryLedger) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	l := ledger.NewMemory(signing.NewSigner(priv))
	return ingest.NewService(l, zap.NewNop()), l
}

func scanner(factTypes ...string) *ingest.Producer {
	return &ingest.Producer{ID: "scanner-7", FactTypes: factTypes}
}

func submitReq(key string) ingest.SubmitRequest {
	return ingest.SubmitRequest{
		StreamID:   "scans",
		FactType:   "host-observed",
		Payload:    map[string]any{"host": "10.0.0.4", "open_ports": []int{22, 443}},
		ContentKey: map[string]any{"host": "10.0.0.4", "scan_id": key},
	}
}

// ── Submit pipeline ──────────────────────────────────────────────────────

func TestSubmit_accepted(t *testing.T) {
	svc, l := newService(t)

	rcpt := svc.Submit(context.Background(), scanner("host-observed"), submitReq("s1"))
	if rcpt.Status != ingest.StatusAccepted {
		t.Fatalf("status = %s (%s)", rcpt.Status, rcpt.Reason)
	}
	if rcpt.Seq != 1 || rcpt.EntryHash == "" {
		t.Errorf("receipt missing entry details: %+v", rcpt)
	}
	if rcpt.RequestID == "" {
		t.Error("receipt missing request id")
	}

	entry, err := l.Get(context.Background(), "scans", 1)
	if err != nil {
		t.Fatal(err)
	}
	// The stored payload is the canonical encoding, not the submitted form.
	want := `{"host":"10.0.0.4","open_ports":[22,443]}`
	if string(entry.Payload) != want {
		t.Errorf("stored payload = %s, want %s", entry.Payload, want)
	}
}

func TestSubmit_duplicateResolvesToOriginal(t *testing.T) {
	svc, _ := newService(t)
	p := scanner("host-observed")

	first := svc.Submit(context.Background(), p, submitReq("s1"))
	if first.Status != ingest.StatusAccepted {
		t.Fatalf("first submit: %s", first.Status)
	}

	// Same content key, different payload: still the same fact.
	req := submitReq("s1")
	req.Payload = map[string]any{"host": "10.0.0.4", "open_ports": []int{22}}
	second := svc.Submit(context.Background(), p, req)
	if second.Status != ingest.StatusDuplicate {
		t.Fatalf("second submit: %s (%s)", second.Status, second.Reason)
	}
	if second.Seq != first.Seq {
		t.Errorf("duplicate receipt seq %d, want %d", second.Seq, first.Seq)
	}
	if second.RequestID == first.RequestID {
		t.Error("each submission gets its own request id")
	}
}

func TestSubmit_disallowedFactTypeIsRejectedAndRecorded(t *testing.T) {
	svc, l := newService(t)

	rcpt := svc.Submit(context.Background(), scanner("port-open"), submitReq("s1"))
	if rcpt.Status != ingest.StatusRejected {
		t.Fatalf("status = %s", rcpt.Status)
	}
	if !strings.Contains(rcpt.Reason, "may not submit") {
		t.Errorf("unexpected reason: %s", rcpt.Reason)
	}

	// The rejection itself is a fact in the reserved stream.
	head, err := l.Head(context.Background(), ingest.RejectionStream)
	if err != nil {
		t.Fatal(err)
	}
	if head.Seq != 1 {
		t.Fatalf("expected 1 rejection entry, head at %d", head.Seq)
	}
	entry, err := l.Get(context.Background(), ingest.RejectionStream, 1)
	if err != nil {
		t.Fatal(err)
	}
	var record map[string]any
	if err := json.Unmarshal(entry.Payload, &record); err != nil {
		t.Fatal(err)
	}
	if record["producer_id"] != "scanner-7" || record["stream_id"] != "scans" {
		t.Errorf("rejection record incomplete: %v", record)
	}

	// Nothing landed in the target stream.
	scansHead, _ := l.Head(context.Background(), "scans")
	if scansHead.Seq != 0 {
		t.Errorf("rejected fact must not reach the stream, head at %d", scansHead.Seq)
	}
}

func TestSubmit_reservedStream(t *testing.T) {
	svc, _ := newService(t)

	req := submitReq("s1")
	req.StreamID = ingest.RejectionStream
	rcpt := svc.Submit(context.Background(), scanner("host-observed"), req)
	if rcpt.Status != ingest.StatusRejected {
		t.Fatalf("status = %s", rcpt.Status)
	}
	if !strings.Contains(rcpt.Reason, "reserved") {
		t.Errorf("unexpected reason: %s", rcpt.Reason)
	}
}

func TestSubmit_missingContentKey(t *testing.T) {
	svc, _ := newService(t)

	req := submitReq("s1")
	req.ContentKey = nil
	rcpt := svc.Submit(context.Background(), scanner("host-observed"), req)
	if rcpt.Status != ingest.StatusRejected {
		t.Fatalf("status = %s", rcpt.Status)
	}
}

func TestSubmit_haltedStreamLatches(t *testing.T) {
	svc, _ := newService(t)
	p := scanner("host-observed")

	svc.Halt("scans", "chain integrity violation at seq 3")

	rcpt := svc.Submit(context.Background(), p, submitReq("s1"))
	if rcpt.Status != ingest.StatusRejected {
		t.Fatalf("status = %s", rcpt.Status)
	}
	if !strings.Contains(rcpt.Reason, "halted") {
		t.Errorf("unexpected reason: %s", rcpt.Reason)
	}

	// The latch never clears on its own, and the first cause wins.
	svc.Halt("scans", "some later cause")
	cause, ok := svc.HaltedCause("scans")
	if !ok || !strings.Contains(cause, "seq 3") {
		t.Errorf("halt cause = %q, %v", cause, ok)
	}

	// Other streams keep accepting.
	req := submitReq("s1")
	req.StreamID = "other"
	if rcpt := svc.Submit(context.Background(), p, req); rcpt.Status != ingest.StatusAccepted {
		t.Errorf("unrelated stream affected by halt: %s", rcpt.Status)
	}
}

func TestSubmit_nonCanonicalPayloadRejected(t *testing.T) {
	svc, _ := newService(t)

	req := submitReq("s1")
	req.Payload = map[string]any{"ch": make(chan int)}
	rcpt := svc.Submit(context.Background(), scanner("host-observed"), req)
	if rcpt.Status != ingest.StatusRejected {
		t.Fatalf("status = %s", rcpt.Status)
	}
	if !strings.Contains(rcpt.Reason, "payload") {
		t.Errorf("unexpected reason: %s", rcpt.Reason)
	}
}

// ── Producer registry ────────────────────────────────────────────────────

func TestRegistry_authenticate(t *testing.T) {
	reg := ingest.NewRegistry()
	if err := reg.RegisterWithKey("scanner-7", "super-secret-key", []string{"host-observed"}); err != nil {
		t.Fatal(err)
	}

	p, err := reg.Authenticate("scanner-7", "super-secret-key")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !p.Allows("host-observed") || p.Allows("port-open") {
		t.Errorf("unexpected fact type grants: %v", p.FactTypes)
	}

	if _, err := reg.Authenticate("scanner-7", "wrong-key"); err != ingest.ErrBadCredentials {
		t.Errorf("bad key: got %v", err)
	}
	if _, err := reg.Authenticate("nobody", "super-secret-key"); err != ingest.ErrBadCredentials {
		t.Errorf("unknown id: got %v", err)
	}
}

// ── Token issuer ─────────────────────────────────────────────────────────

func TestTokenIssuer_roundTrip(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	issuer := ingest.NewTokenIssuer(priv, "http://ledger.test", time.Minute)

	token, err := issuer.Issue(&ingest.Producer{ID: "scanner-7", FactTypes: []string{"host-observed"}})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.ProducerID != "scanner-7" {
		t.Errorf("producer id = %s", claims.ProducerID)
	}
	if len(claims.FactTypes) != 1 || claims.FactTypes[0] != "host-observed" {
		t.Errorf("fact types = %v", claims.FactTypes)
	}
}

func TestTokenIssuer_rejectsForeignToken(t *testing.T) {
	_, privA, _ := ed25519.GenerateKey(rand.Reader)
	_, privB, _ := ed25519.GenerateKey(rand.Reader)
	issuerA := ingest.NewTokenIssuer(privA, "http://ledger.test", time.Minute)
	issuerB := ingest.NewTokenIssuer(privB, "http://ledger.test", time.Minute)

	token, _ := issuerA.Issue(&ingest.Producer{ID: "scanner-7"})
	if _, err := issuerB.Verify(token); err == nil {
		t.Error("token signed by a different key must not verify")
	}
}

func TestTokenIssuer_rejectsTampering(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	issuer := ingest.NewTokenIssuer(priv, "http://ledger.test", time.Minute)

	token, _ := issuer.Issue(&ingest.Producer{ID: "scanner-7"})
	parts := strings.Split(token, ".")
	parts[1] = parts[1][:len(parts[1])-2] + "xx" // corrupt the claims
	if _, err := issuer.Verify(strings.Join(parts, ".")); err == nil {
		t.Error("tampered token must not verify")
	}
}
