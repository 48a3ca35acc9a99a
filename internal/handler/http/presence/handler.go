package presence

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/response"
)

// ConnectionChecker reports connections held by this instance
type ConnectionChecker interface {
	IsConnected(userID uuid.UUID) bool
}

// PresenceReader reports online marks shared between instances
type PresenceReader interface {
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Handler answers whether a user can currently be rung
type Handler struct {
	local  ConnectionChecker
	shared PresenceReader
}

// NewHandler creates a new presence handler. shared may be nil.
func NewHandler(local ConnectionChecker, shared PresenceReader) *Handler {
	return &Handler{
		local:  local,
		shared: shared,
	}
}

// GetPresence returns the online flag of a user
// GET /v1/presence/:user_id
func (h *Handler) GetPresence(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}

	online := h.local.IsConnected(userID)
	if !online && h.shared != nil {
		online, err = h.shared.IsUserOnline(c.Request.Context(), userID)
		if err != nil {
			// Redis is best-effort; fall back to local connections only
			logger.FromContext(c.Request.Context()).Debug("Shared presence lookup failed",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			online = false
		}
	}

	response.Success(c, http.StatusOK, gin.H{
		"user_id": userID,
		"online":  online,
	})
}
