package recordings

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partycast/backend/internal/apperr"
	"github.com/partycast/backend/pkg/response"
	"github.com/partycast/backend/pkg/storage"
)

// Handler serves the replay gallery endpoints.
type Handler struct {
	store   Store
	objects storage.ObjectStore
	logger  *zap.Logger
}

// NewHandler creates a recordings handler. objects may be nil, which disables download URLs.
func NewHandler(store Store, objects storage.ObjectStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, objects: objects, logger: logger}
}

// ListByEvent handles GET /events/:id/recordings.
func (h *Handler) ListByEvent(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	list, err := h.store.ListRecordingsByEvent(c.Request.Context(), eventID)
	if err != nil {
		h.logger.Error("list recordings failed", zap.Error(err), zap.String("event_id", eventID.String()))
		response.Internal(c, "failed to list recordings")
		return
	}
	response.OK(c, list)
}

// IncrementViews handles POST /recordings/:id/views.
func (h *Handler) IncrementViews(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	n, err := h.store.IncrementRecordingViews(c.Request.Context(), id)
	if err != nil {
		if apperr.HTTPStatus(err) >= 500 {
			h.logger.Error("increment views failed", zap.Error(err), zap.String("recording_id", id.String()))
		}
		response.Fail(c, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
		return
	}
	response.OK(c, gin.H{"view_count": n})
}

// DownloadURL handles GET /recordings/:id/download-url.
func (h *Handler) DownloadURL(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	rec, err := h.store.GetRecording(c.Request.Context(), id)
	if err != nil {
		response.Fail(c, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
		return
	}
	if h.objects == nil {
		response.OK(c, gin.H{"download_url": rec.URL})
		return
	}
	url, err := h.objects.DownloadURL(c.Request.Context(), rec.StoragePath)
	if err != nil {
		h.logger.Error("download url failed", zap.Error(err), zap.String("recording_id", id.String()))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url})
}
