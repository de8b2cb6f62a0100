package sessions

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partycast/backend/internal/models"
)

type envelope struct {
	Success bool                     `json:"success"`
	Data    *models.BroadcastSession `json:"data"`
	Code    string                   `json:"code"`
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(newManager(), nil)
	r := gin.New()
	r.POST("/events/:id/broadcasts", h.Start)
	r.GET("/events/:id/broadcasts/active", h.Active)
	r.POST("/broadcasts/:id/stop", h.Stop)
	return r
}

func do(r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestHandlerLifecycle(t *testing.T) {
	r := newRouter()
	event := uuid.New().String()

	w, env := do(r, http.MethodPost, "/events/"+event+"/broadcasts", `{"title":"Friday set","created_by":"dj"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.NotNil(t, env.Data)
	assert.Equal(t, "dj", env.Data.CreatedBy)
	id := env.Data.ID.String()

	w, env = do(r, http.MethodPost, "/events/"+event+"/broadcasts", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SESSION_CONFLICT", env.Code)

	w, env = do(r, http.MethodGet, "/events/"+event+"/broadcasts/active", "")
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, env.Data)
	assert.Equal(t, id, env.Data.ID.String())

	for i := 0; i < 2; i++ {
		w, env = do(r, http.MethodPost, "/broadcasts/"+id+"/stop", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.False(t, env.Data.IsActive)
	}

	w, env = do(r, http.MethodGet, "/events/"+event+"/broadcasts/active", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, env.Data)

	w, _ = do(r, http.MethodPost, "/broadcasts/"+uuid.New().String()+"/stop", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(r, http.MethodPost, "/events/not-a-uuid/broadcasts", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
