package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/factrail/factrail/internal/ingest"
)

// producerKey is the gin context key under which the verified producer
// identity is stored by RequireProducer.
const producerKey = "factrail.producer"

// AuthHandler exchanges producer credentials for short-lived submit tokens.
type AuthHandler struct {
	registry *ingest.Registry
	tokens   *ingest.TokenIssuer
	logger   *zap.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(registry *ingest.Registry, tokens *ingest.TokenIssuer, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{registry: registry, tokens: tokens, logger: logger}
}

// Register mounts the auth routes on the given router group.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/producers/token", h.Token)
}

// Token handles POST /producers/token — verifies a producer id + API key
// and issues a JWT bound to the producer's allowed fact types.
func (h *AuthHandler) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	producer, err := h.registry.Authenticate(req.ProducerID, req.APIKey)
	if err != nil {
		if errors.Is(err, ingest.ErrBadCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid producer credentials"})
			return
		}
		h.logger.Error("authenticate producer", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
		return
	}

	token, err := h.tokens.Issue(producer)
	if err != nil {
		h.logger.Error("issue producer token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(h.tokens.TTL().Seconds()),
	})
}

// RequireProducer returns a middleware that verifies the Bearer producer
// token and stores the resulting identity in the request context. The
// allowed fact-type set travels inside the signed token; a payload-declared
// identity is never consulted.
func RequireProducer(tokens *ingest.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid producer token"})
			return
		}

		c.Set(producerKey, &ingest.Producer{
			ID:        claims.ProducerID,
			FactTypes: claims.FactTypes,
		})
		c.Next()
	}
}

// producerFrom extracts the verified producer set by RequireProducer.
func producerFrom(c *gin.Context) (*ingest.Producer, bool) {
	v, ok := c.Get(producerKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*ingest.Producer)
	return p, ok
}
