package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/factrail/factrail/internal/ingest"
)

// SubmitHandler exposes the write API: one endpoint that runs a fact
// through the ingest pipeline.
type SubmitHandler struct {
	svc    *ingest.Service
	logger *zap.Logger
}

// NewSubmitHandler creates a SubmitHandler.
func NewSubmitHandler(svc *ingest.Service, logger *zap.Logger) *SubmitHandler {
	return &SubmitHandler{svc: svc, logger: logger}
}

// Register mounts the submit route on the given router group. The group is
// expected to carry the RequireProducer middleware.
func (h *SubmitHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/streams/:stream/facts", h.Submit)
}

// Submit handles POST /streams/:stream/facts.
func (h *SubmitHandler) Submit(c *gin.Context) {
	producer, ok := producerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "producer identity missing"})
		return
	}

	streamID := c.Param("stream")
	if !validStreamID(streamID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}

	var req SubmitFactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start := time.Now()
	rcpt := h.svc.Submit(c.Request.Context(), producer, ingest.SubmitRequest{
		StreamID:   streamID,
		FactType:   req.FactType,
		Payload:    req.Payload,
		ContentKey: req.ContentKey,
	})
	appendDuration.WithLabelValues(streamID).Observe(time.Since(start).Seconds())
	factsTotal.WithLabelValues(streamID, string(rcpt.Status)).Inc()

	switch rcpt.Status {
	case ingest.StatusAccepted:
		c.JSON(http.StatusCreated, rcpt)
	case ingest.StatusDuplicate:
		c.JSON(http.StatusOK, rcpt)
	case ingest.StatusRejected:
		c.JSON(http.StatusUnprocessableEntity, rcpt)
	case ingest.StatusUnavailable:
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, rcpt)
	default:
		h.logger.Error("unknown receipt status", zap.String("status", string(rcpt.Status)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
