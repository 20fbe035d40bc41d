package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/factrail/factrail/internal/signing"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation.
// It is primarily useful for tests and for embedding the store in a single
// process without durable persistence.
type MemoryLedger struct {
	signer *signing.Signer

	mu      sync.RWMutex
	streams map[string]*memStream
}

type memStream struct {
	entries      []*Entry          // entries[i] has Seq i+1
	fingerprints map[string]uint64 // fingerprint -> seq
}

// NewMemory creates an empty MemoryLedger whose entries are signed by signer.
func NewMemory(signer *signing.Signer) *MemoryLedger {
	return &MemoryLedger{
		signer:  signer,
		streams: make(map[string]*memStream),
	}
}

func (l *MemoryLedger) stream(streamID string) *memStream {
	s, ok := l.streams[streamID]
	if !ok {
		s = &memStream{fingerprints: make(map[string]uint64)}
		l.streams[streamID] = s
	}
	return s
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, streamID, factType string, payload []byte, fingerprint string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stream(streamID)
	if seq, ok := s.fingerprints[fingerprint]; ok {
		return nil, &DuplicateError{Seq: seq}
	}

	prevHash := GenesisHash
	if n := len(s.entries); n > 0 {
		prevHash = s.entries[n-1].Hash
	}

	entry := &Entry{
		Seq:         uint64(len(s.entries)) + 1,
		StreamID:    streamID,
		FactType:    factType,
		Payload:     append([]byte(nil), payload...),
		Fingerprint: fingerprint,
		PrevHash:    prevHash,
		RecordedAt:  time.Now().UTC(),
	}
	entry.Hash = hashEntry(entry)

	sig, err := l.signer.Sign(entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("sign entry: %w", err)
	}
	entry.Signature = sig
	entry.SignerKeyID = l.signer.KeyID()

	s.entries = append(s.entries, entry)
	s.fingerprints[fingerprint] = entry.Seq
	return entry, nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, streamID string, seq uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.streams[streamID]
	if !ok || seq == 0 || seq > uint64(len(s.entries)) {
		return nil, ErrNotFound
	}
	return s.entries[seq-1], nil
}

// Head implements Ledger.
func (l *MemoryLedger) Head(_ context.Context, streamID string) (*Head, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.streams[streamID]
	if !ok || len(s.entries) == 0 {
		return &Head{Seq: 0, Root: GenesisHash}, nil
	}
	tip := s.entries[len(s.entries)-1]
	return &Head{Seq: tip.Seq, Root: tip.Hash}, nil
}

// Scan implements Ledger. The entry slice is snapshotted under the read
// lock, so a scan never observes a partially appended entry.
func (l *MemoryLedger) Scan(_ context.Context, streamID string, from, to uint64, fn func(*Entry) error) error {
	l.mu.RLock()
	s, ok := l.streams[streamID]
	var snapshot []*Entry
	if ok {
		snapshot = s.entries[:len(s.entries):len(s.entries)]
	}
	l.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	end := uint64(len(snapshot))
	if to != 0 && to < end {
		end = to
	}
	for seq := from; seq <= end; seq++ {
		if err := fn(snapshot[seq-1]); err != nil {
			return err
		}
	}
	return nil
}
