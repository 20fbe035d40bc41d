package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/factrail/factrail/internal/canonical"
	"github.com/factrail/factrail/internal/ledger"
)

// RejectionStream is the reserved stream that records every rejected
// submission, keyed by the offending fact's fingerprint. Producers cannot
// submit to it directly.
const RejectionStream = "rejections"

// rejectionFactType is the fact type of entries in the rejection stream.
const rejectionFactType = "rejection"

// Status is the outcome of a submission.
type Status string

const (
	StatusAccepted    Status = "accepted"
	StatusDuplicate   Status = "duplicate"
	StatusRejected    Status = "rejected"
	StatusUnavailable Status = "unavailable"
)

// SubmitRequest is one inbound fact. ContentKey carries the caller-chosen
// fields that define the fact's identity for dedup; Payload is the full fact
// content, canonicalized before storage.
type SubmitRequest struct {
	StreamID   string
	FactType   string
	Payload    map[string]any
	ContentKey map[string]any
}

// Receipt reports the outcome of a submission. RequestID is a correlation
// id for logs only — it never participates in hashing, fingerprints, or
// ordering.
type Receipt struct {
	RequestID string `json:"request_id"`
	Status    Status `json:"status"`
	Seq       uint64 `json:"seq,omitempty"`
	EntryHash string `json:"entry_hash,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Service is the stream writer: it owns the submit pipeline
// (validate → canonicalize → fingerprint → append) and the per-stream halt
// latch that stops all writes to a stream whose chain can no longer be
// trusted.
type Service struct {
	ledger ledger.Ledger
	logger *zap.Logger

	mu     sync.RWMutex
	halted map[string]string // stream id -> cause
}

// NewService creates the writer service on top of a ledger backend.
func NewService(l ledger.Ledger, logger *zap.Logger) *Service {
	return &Service{
		ledger: l,
		logger: logger,
		halted: make(map[string]string),
	}
}

// Halt latches streamID into the halted state. Used when a sequence
// conflict or chain-integrity violation is detected; only operator action
// (out of band) clears it.
func (s *Service) Halt(streamID, cause string) {
	s.mu.Lock()
	if _, ok := s.halted[streamID]; !ok {
		s.halted[streamID] = cause
	}
	s.mu.Unlock()
	s.logger.Error("stream halted, no further appends will be accepted",
		zap.String("stream", streamID),
		zap.String("cause", cause),
	)
}

// HaltedCause returns the halt cause of streamID, if halted.
func (s *Service) HaltedCause(streamID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cause, ok := s.halted[streamID]
	return cause, ok
}

// Submit runs one fact through the full lifecycle:
// submitted → dedup → {duplicate | accepted} → sequenced → appended → signed.
// Every outcome maps onto the Receipt status; rejections are additionally
// recorded in the rejection stream so nothing is silently dropped.
// StatusUnavailable means the whole call is safe to retry with the same
// content key — retries resolve through the fingerprint, never double-write.
func (s *Service) Submit(ctx context.Context, p *Producer, req SubmitRequest) *Receipt {
	rcpt := &Receipt{RequestID: uuid.New().String()}

	if req.StreamID == RejectionStream {
		return s.reject(ctx, p, req, rcpt, "stream is reserved")
	}
	if cause, ok := s.HaltedCause(req.StreamID); ok {
		return s.reject(ctx, p, req, rcpt, fmt.Sprintf("stream halted: %s", cause))
	}
	if !p.Allows(req.FactType) {
		return s.reject(ctx, p, req, rcpt, fmt.Sprintf("producer %q may not submit fact type %q", p.ID, req.FactType))
	}
	if len(req.ContentKey) == 0 {
		return s.reject(ctx, p, req, rcpt, "content key is required")
	}

	fingerprint, err := canonical.Fingerprint(req.FactType, req.ContentKey)
	if err != nil {
		return s.reject(ctx, p, req, rcpt, fmt.Sprintf("content key: %v", err))
	}

	payload, err := canonical.Encode(req.Payload)
	if err != nil {
		return s.reject(ctx, p, req, rcpt, fmt.Sprintf("payload: %v", err))
	}

	entry, err := s.ledger.Append(ctx, req.StreamID, req.FactType, payload, fingerprint)
	switch {
	case err == nil:
		rcpt.Status = StatusAccepted
		rcpt.Seq = entry.Seq
		rcpt.EntryHash = entry.Hash
		return rcpt

	case isDuplicate(err, rcpt):
		return rcpt

	case errors.Is(err, ledger.ErrSequenceConflict):
		s.Halt(req.StreamID, err.Error())
		return s.reject(ctx, p, req, rcpt, fmt.Sprintf("stream halted: %v", err))

	case errors.Is(err, ledger.ErrUnavailable):
		rcpt.Status = StatusUnavailable
		rcpt.Reason = err.Error()
		s.logger.Warn("append unavailable",
			zap.String("stream", req.StreamID),
			zap.String("request_id", rcpt.RequestID),
			zap.Error(err),
		)
		return rcpt

	default:
		// Unclassified append failures are treated as transient so the
		// caller retries rather than losing the fact.
		rcpt.Status = StatusUnavailable
		rcpt.Reason = err.Error()
		s.logger.Error("append failed",
			zap.String("stream", req.StreamID),
			zap.String("request_id", rcpt.RequestID),
			zap.Error(err),
		)
		return rcpt
	}
}

func isDuplicate(err error, rcpt *Receipt) bool {
	dup, ok := ledger.AsDuplicate(err)
	if !ok {
		return false
	}
	rcpt.Status = StatusDuplicate
	rcpt.Seq = dup.Seq
	return true
}

// reject finalizes a rejected receipt and records the rejection as a fact
// in the rejection stream. A failure to record is logged but never masks
// the rejection itself.
func (s *Service) reject(ctx context.Context, p *Producer, req SubmitRequest, rcpt *Receipt, reason string) *Receipt {
	rcpt.Status = StatusRejected
	rcpt.Reason = reason

	fingerprint, err := canonical.Fingerprint(req.FactType, req.ContentKey)
	if err != nil {
		// The content key itself was not canonicalizable; fall back to a
		// digest of its display form so the rejection is still keyed.
		fingerprint = canonical.Digest([]byte(fmt.Sprintf("%s|%s|%v", req.StreamID, req.FactType, req.ContentKey)))
	}

	producerID := ""
	if p != nil {
		producerID = p.ID
	}
	payload, err := canonical.Encode(map[string]any{
		"stream_id":   req.StreamID,
		"fact_type":   req.FactType,
		"fingerprint": fingerprint,
		"producer_id": producerID,
		"reason":      reason,
	})
	if err != nil {
		s.logger.Error("encode rejection record", zap.Error(err))
		return rcpt
	}

	rejFingerprint, err := canonical.Fingerprint(rejectionFactType, map[string]any{
		"fingerprint": fingerprint,
		"reason":      reason,
	})
	if err != nil {
		s.logger.Error("fingerprint rejection record", zap.Error(err))
		return rcpt
	}

	if _, err := s.ledger.Append(ctx, RejectionStream, rejectionFactType, payload, rejFingerprint); err != nil {
		if _, ok := ledger.AsDuplicate(err); !ok {
			s.logger.Error("record rejection",
				zap.String("stream", req.StreamID),
				zap.String("fingerprint", fingerprint),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("fact rejected",
		zap.String("stream", req.StreamID),
		zap.String("fact_type", req.FactType),
		zap.String("producer", producerID),
		zap.String("reason", reason),
		zap.String("request_id", rcpt.RequestID),
	)
	return rcpt
}
