package presence

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partycast/backend/internal/apperr"
	"github.com/partycast/backend/pkg/response"
)

// Handler exposes viewer registration and counting over HTTP for clients that do not hold a WebSocket.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a presence handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterRequest is the body for POST /broadcasts/:id/viewers.
type RegisterRequest struct {
	ViewerID string    `json:"viewer_id" binding:"required"`
	EventID  uuid.UUID `json:"event_id" binding:"required"`
}

// Register handles POST /broadcasts/:id/viewers.
func (h *Handler) Register(c *gin.Context) {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid broadcast id")
		return
	}
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.svc.Register(c.Request.Context(), streamID, req.EventID, req.ViewerID); err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, gin.H{"viewer_id": req.ViewerID, "heartbeat_interval_ms": h.svc.Config().HeartbeatInterval.Milliseconds()})
}

// Heartbeat handles PUT /broadcasts/:id/viewers/:viewerId/heartbeat. 410 tells the client to register again.
func (h *Handler) Heartbeat(c *gin.Context) {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid broadcast id")
		return
	}
	if err := h.svc.Heartbeat(c.Request.Context(), streamID, c.Param("viewerId")); err != nil {
		h.fail(c, err)
		return
	}
	response.NoContent(c)
}

// Unregister handles DELETE /broadcasts/:id/viewers/:viewerId.
func (h *Handler) Unregister(c *gin.Context) {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid broadcast id")
		return
	}
	if err := h.svc.Unregister(c.Request.Context(), streamID, c.Param("viewerId")); err != nil {
		h.fail(c, err)
		return
	}
	response.NoContent(c)
}

// Count handles GET /broadcasts/:id/viewers/count.
func (h *Handler) Count(c *gin.Context) {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid broadcast id")
		return
	}
	n, err := h.svc.ActiveCount(c.Request.Context(), streamID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"count": n})
}

func (h *Handler) fail(c *gin.Context, err error) {
	if !errors.Is(err, apperr.ErrNotRegistered) && apperr.HTTPStatus(err) >= 500 {
		h.logger.Error("presence request failed", zap.Error(err), zap.String("path", c.FullPath()))
	}
	response.Fail(c, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
}
