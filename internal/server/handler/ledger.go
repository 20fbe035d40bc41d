package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/factrail/factrail/internal/ledger"
	"github.com/factrail/factrail/internal/projection"
)

// maxScanLimit caps the page size of entry listings.
const maxScanLimit = 1000

// halter is the write-side halt latch, satisfied by *ingest.Service.
// A failed verification must stop appends to the affected stream.
type halter interface {
	Halt(streamID, cause string)
}

// LedgerHandler exposes the read API over streams: head, ordered scan,
// single-entry lookup, chain verification, and replay.
type LedgerHandler struct {
	ledger   ledger.Ledger
	verifier *ledger.Verifier
	index    *projection.Index // optional; enables fact-type filtering
	writer   halter            // optional; latches streams on verify failure
	logger   *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler. index and writer may be nil.
func NewLedgerHandler(l ledger.Ledger, v *ledger.Verifier, index *projection.Index, writer halter, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, verifier: v, index: index, writer: writer, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	s := rg.Group("/streams/:stream")
	{
		s.GET("", h.Head)
		s.GET("/entries", h.Entries)
		s.GET("/entries/:seq", h.GetEntry)
		s.GET("/verify", h.Verify)
		s.POST("/replay", h.Replay)
	}
}

// Head handles GET /streams/:stream — returns the chain length and root hash.
func (h *LedgerHandler) Head(c *gin.Context) {
	streamID := c.Param("stream")
	if !validStreamID(streamID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}

	head, err := h.ledger.Head(c.Request.Context(), streamID)
	if err != nil {
		h.logger.Error("ledger head", zap.String("stream", streamID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, head)
}

// Entries handles GET /streams/:stream/entries — ordered scan, optionally
// filtered by fact type through the rebuildable read index.
func (h *LedgerHandler) Entries(c *gin.Context) {
	streamID := c.Param("stream")
	if !validStreamID(streamID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}

	from, ok := queryUint(c, "from", 1)
	if !ok {
		return
	}
	to, ok := queryUint(c, "to", 0)
	if !ok {
		return
	}
	limit, ok := queryUint(c, "limit", 100)
	if !ok {
		return
	}
	if limit == 0 || limit > maxScanLimit {
		limit = maxScanLimit
	}

	ctx := c.Request.Context()
	factType := c.Query("type")

	var entries []*ledger.Entry
	var err error
	if factType != "" && h.index != nil {
		entries, err = h.entriesByType(c, streamID, factType, from, to, limit)
	} else {
		err = h.ledger.Scan(ctx, streamID, from, to, func(e *ledger.Entry) error {
			if factType != "" && e.FactType != factType {
				return nil
			}
			entries = append(entries, e)
			if uint64(len(entries)) >= limit {
				return errScanDone
			}
			return nil
		})
		if errors.Is(err, errScanDone) {
			err = nil
		}
	}
	if err != nil {
		h.logger.Error("scan entries", zap.String("stream", streamID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to scan ledger"})
		return
	}

	next := uint64(0)
	if n := len(entries); n > 0 && uint64(n) == limit {
		next = entries[n-1].Seq + 1
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"next":    next,
	})
}

var errScanDone = errors.New("scan limit reached")

// entriesByType serves type-filtered listings through the projection index:
// sync the index to the chain tip, look up matching sequences, then read the
// authoritative entries back from the ledger.
func (h *LedgerHandler) entriesByType(c *gin.Context, streamID, factType string, from, to, limit uint64) ([]*ledger.Entry, error) {
	ctx := c.Request.Context()
	if err := h.index.Sync(ctx, h.ledger, streamID); err != nil {
		return nil, err
	}
	seqs, err := h.index.SeqsByType(ctx, streamID, factType, from)
	if err != nil {
		return nil, err
	}

	entries := make([]*ledger.Entry, 0, limit)
	for _, seq := range seqs {
		if to != 0 && seq > to {
			break
		}
		entry, err := h.ledger.Get(ctx, streamID, seq)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		if uint64(len(entries)) >= limit {
			break
		}
	}
	return entries, nil
}

// GetEntry handles GET /streams/:stream/entries/:seq.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	streamID := c.Param("stream")
	if !validStreamID(streamID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil || seq == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a positive integer"})
		return
	}

	entry, err := h.ledger.Get(c.Request.Context(), streamID, seq)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	if err != nil {
		h.logger.Error("get entry", zap.String("stream", streamID), zap.Uint64("seq", seq), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Verify handles GET /streams/:stream/verify — recomputes hashes, linkage,
// and signatures over a range. A broken chain additionally latches the
// stream's writer so nothing is appended past a compromised tail.
func (h *LedgerHandler) Verify(c *gin.Context) {
	streamID := c.Param("stream")
	if !validStreamID(streamID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}
	from, ok := queryUint(c, "from", 1)
	if !ok {
		return
	}
	to, ok := queryUint(c, "to", 0)
	if !ok {
		return
	}

	result, err := h.verifier.VerifyChain(c.Request.Context(), streamID, from, to)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "range extends past the stream tip"})
		return
	}
	if err != nil {
		h.logger.Error("verify chain", zap.String("stream", streamID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "verification could not complete"})
		return
	}

	RecordVerify(streamID, result.Valid)
	if !result.Valid {
		h.logger.Error("chain integrity violation",
			zap.String("stream", streamID),
			zap.Uint64("broken_seq", result.BrokenSeq),
			zap.String("reason", string(result.Reason)),
			zap.String("detail", result.Detail),
		)
		if h.writer != nil {
			h.writer.Halt(streamID, "chain integrity violation at seq "+strconv.FormatUint(result.BrokenSeq, 10)+": "+string(result.Reason))
		}
	}
	c.JSON(http.StatusOK, result)
}

// Replay handles POST /streams/:stream/replay — folds a range of entries
// through a named built-in projector and returns the derived state.
func (h *LedgerHandler) Replay(c *gin.Context) {
	streamID := c.Param("stream")
	if !validStreamID(streamID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}

	var req ReplayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var projector ledger.Projector
	switch req.Projector {
	case "type_count":
		projector = projection.NewTypeCount()
	case "current_state":
		field := req.EntityField
		if field == "" {
			field = "id"
		}
		projector = projection.NewCurrentState(field)
	}

	if err := ledger.Replay(c.Request.Context(), h.ledger, streamID, req.From, req.To, projector); err != nil {
		h.logger.Error("replay", zap.String("stream", streamID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "replay failed: " + err.Error()})
		return
	}

	state, err := projector.State()
	if err != nil {
		h.logger.Error("projector state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to serialize derived state"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"projector": req.Projector,
		"from":      req.From,
		"to":        req.To,
		"state":     json.RawMessage(state),
	})
}

// queryUint parses an optional unsigned query parameter, writing a 400
// response and returning ok=false on malformed input.
func queryUint(c *gin.Context, name string, def uint64) (uint64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a non-negative integer"})
		return 0, false
	}
	return v, true
}
