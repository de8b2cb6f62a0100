package signaling

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partycast/backend/internal/apperr"
	"github.com/partycast/backend/internal/models"
	"github.com/partycast/backend/pkg/response"
)

// Handler accepts signaling messages over HTTP. Delivery happens on the relay; there is no read endpoint.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a signaling handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// SendRequest is the body for POST /broadcasts/:id/signals.
type SendRequest struct {
	EventID     uuid.UUID          `json:"event_id" binding:"required"`
	SenderType  models.SenderType  `json:"sender_type" binding:"required"`
	SenderID    string             `json:"sender_id" binding:"required"`
	TargetID    string             `json:"target_id"`
	MessageType models.MessageType `json:"message_type" binding:"required"`
	MessageData json.RawMessage    `json:"message_data" binding:"required"`
}

// Send handles POST /broadcasts/:id/signals.
func (h *Handler) Send(c *gin.Context) {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid broadcast id")
		return
	}
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	env := Envelope{
		StreamID:   streamID,
		EventID:    req.EventID,
		SenderType: req.SenderType,
		SenderID:   req.SenderID,
		TargetID:   req.TargetID,
	}
	if err := h.svc.Send(c.Request.Context(), env, req.MessageType, req.MessageData); err != nil {
		if apperr.HTTPStatus(err) >= 500 {
			h.logger.Error("signal send failed", zap.Error(err), zap.String("stream_id", streamID.String()))
		}
		response.Fail(c, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
		return
	}
	response.NoContent(c)
}
