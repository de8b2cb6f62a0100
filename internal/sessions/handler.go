package sessions

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partycast/backend/internal/apperr"
	"github.com/partycast/backend/internal/middleware"
	"github.com/partycast/backend/pkg/response"
)

// Handler exposes the session lifecycle over HTTP.
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHandler creates a sessions handler.
func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: manager, logger: logger}
}

// StartRequest is the body for POST /events/:id/broadcasts.
type StartRequest struct {
	Title     string `json:"title"`
	CreatedBy string `json:"created_by"`
}

// Start handles POST /events/:id/broadcasts. Returns 409 when the event is already live.
func (h *Handler) Start(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	var req StartRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	createdBy := middleware.DisplayName(c)
	if createdBy == "" {
		createdBy = req.CreatedBy
	}
	s, err := h.manager.Start(c.Request.Context(), eventID, req.Title, createdBy)
	if err != nil {
		h.fail(c, err, "start broadcast failed")
		return
	}
	response.Created(c, s)
}

// Stop handles POST /broadcasts/:id/stop. Stopping an ended broadcast is not an error.
func (h *Handler) Stop(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid broadcast id")
		return
	}
	s, err := h.manager.Stop(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "stop broadcast failed")
		return
	}
	response.OK(c, s)
}

// Active handles GET /events/:id/broadcasts/active. Data is null when nothing is live.
func (h *Handler) Active(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	s, err := h.manager.GetActive(c.Request.Context(), eventID)
	if err != nil {
		h.fail(c, err, "get active broadcast failed")
		return
	}
	if s == nil {
		response.OK(c, nil)
		return
	}
	response.OK(c, s)
}

// Get handles GET /broadcasts/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid broadcast id")
		return
	}
	s, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "get broadcast failed")
		return
	}
	response.OK(c, s)
}

func (h *Handler) fail(c *gin.Context, err error, msg string) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		h.logger.Error(msg, zap.Error(err), zap.String("path", c.FullPath()))
	}
	response.Fail(c, status, apperr.Code(err), err.Error())
}
