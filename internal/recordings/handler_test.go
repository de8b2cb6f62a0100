package recordings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partycast/backend/internal/memstore"
	"github.com/partycast/backend/internal/models"
)

func TestGalleryEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := memstore.New()
	event := uuid.New()
	rec := &models.StreamRecording{
		StreamID:    uuid.New(),
		EventID:     event,
		URL:         "https://cdn.example/recordings/x.ivf",
		StoragePath: "recordings/x.ivf",
		Filename:    "x.ivf",
		StartedAt:   time.Now().Add(-time.Minute),
		EndedAt:     time.Now(),
	}
	created, err := store.CreateRecording(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, created)

	h := NewHandler(store, nil, nil)
	r := gin.New()
	r.GET("/events/:id/recordings", h.ListByEvent)
	r.POST("/recordings/:id/views", h.IncrementViews)
	r.GET("/recordings/:id/download-url", h.DownloadURL)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events/"+event.String()+"/recordings", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []models.StreamRecording `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, rec.ID, list.Data[0].ID)

	for i := 1; i <= 2; i++ {
		w = httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/recordings/"+rec.ID.String()+"/views", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Data struct {
				ViewCount int `json:"view_count"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, i, body.Data.ViewCount)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/recordings/"+rec.ID.String()+"/download-url", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cdn.example")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/recordings/"+uuid.NewString()+"/views", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events/"+uuid.NewString()+"/recordings", nil))
	assert.JSONEq(t, `{"success":true,"data":[]}`, w.Body.String())
}
