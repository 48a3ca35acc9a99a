package call

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/service/call"
	"callsignal-backend/pkg/response"
)

// Handler serves call status queries and the REST hang-up
type Handler struct {
	callService *call.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *call.Service) *Handler {
	return &Handler{
		callService: callService,
	}
}

// CallView is a call as seen by the requesting participant
type CallView struct {
	CallID    uuid.UUID        `json:"call_id"`
	CallerID  uuid.UUID        `json:"caller_id"`
	CalleeID  uuid.UUID        `json:"callee_id"`
	CallKind  domain.CallKind  `json:"call_kind"`
	State     string           `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
	EndReason domain.EndReason `json:"end_reason,omitempty"`
}

func newCallView(c *domain.CallSession, userID uuid.UUID) *CallView {
	return &CallView{
		CallID:    c.CallID,
		CallerID:  c.CallerID,
		CalleeID:  c.CalleeID,
		CallKind:  c.Kind,
		State:     c.StateFor(userID),
		CreatedAt: c.CreatedAt,
		EndedAt:   c.EndedAt,
		EndReason: c.EndReason,
	}
}

// GetCall returns the status of a call, including one that just ended
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	session, err := h.callService.CallStatus(callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, newCallView(session, userID))
}

// GetActiveCall returns the caller's ringing or ongoing call
// GET /v1/calls/active
func (h *Handler) GetActiveCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	session, err := h.callService.ActiveCall(userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, newCallView(session, userID))
}

// EndCall hangs up, cancels or rejects a call the same way a call_end event does
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	session, err := h.callService.EndCall(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, newCallView(session, userID))
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

func callIDParam(c *gin.Context) (uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, false
	}
	return callID, true
}
