package app

import (
	"bytes"
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

	"github.com/partycast/backend/config"
	"github.com/partycast/backend/internal/auth"
	"github.com/partycast/backend/internal/recorder"
	"github.com/partycast/backend/pkg/storage"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{StoreDriver: config.DriverMemory, RelayDriver: config.DriverMemory, CORSAllowedOrigins: "*"},
		JWT:    config.JWTConfig{Secret: "test-secret", TTL: time.Hour},
		Recording: config.RecordingConfig{
			SpoolDir:     t.TempDir(),
			LocalDir:     t.TempDir(),
			LocalBaseURL: "http://localhost:8080/files",
		},
		Presence: config.PresenceConfig{ActiveWindow: 30 * time.Second, ExpiryWindow: time.Minute, HeartbeatInterval: 10 * time.Second},
		WebRTC:   config.WebRTCConfig{ICEUrls: []string{"stun:stun.example.org:3478", ""}},
	}
}

type body struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
}

func call(t *testing.T, r http.Handler, method, path, token string, payload interface{}) (int, body) {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var b body
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	}
	return w.Code, b
}

func TestNewWithMemoryDrivers(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Pool)
	assert.Nil(t, a.Redis)
	assert.Nil(t, a.Queue)
	assert.IsType(t, &storage.Local{}, a.Objects)
	assert.Len(t, a.ICEServers(), 1)

	f, err := a.PeerFactory()
	require.NoError(t, err)
	assert.NotNil(t, f)
}

func TestBroadcastOverHTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, err := New(context.Background(), memoryConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()
	jwtService := auth.NewJWTService("test-secret", time.Hour)
	r := NewRouter(a, jwtService)
	token, err := jwtService.Generate("u1", "DJ Nova")
	require.NoError(t, err)

	code, _ := call(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)

	event := uuid.New()
	code, b := call(t, r, http.MethodPost, "/events/"+event.String()+"/broadcasts", token, gin.H{"title": "friday"})
	require.Equal(t, http.StatusCreated, code)
	var session struct {
		ID        uuid.UUID `json:"id"`
		CreatedBy string    `json:"created_by"`
	}
	require.NoError(t, json.Unmarshal(b.Data, &session))
	assert.Equal(t, "DJ Nova", session.CreatedBy)

	code, b = call(t, r, http.MethodPost, "/events/"+event.String()+"/broadcasts", "", gin.H{"title": "again"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "SESSION_CONFLICT", b.Code)

	base := "/broadcasts/" + session.ID.String()
	code, _ = call(t, r, http.MethodPost, base+"/viewers", "", gin.H{"viewer_id": "v1", "event_id": event})
	require.Equal(t, http.StatusCreated, code)
	code, _ = call(t, r, http.MethodPut, base+"/viewers/v1/heartbeat", "", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, b = call(t, r, http.MethodGet, base+"/viewers/count", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"count":1}`, string(b.Data))

	code, _ = call(t, r, http.MethodPost, base+"/signals", "", gin.H{
		"event_id": event, "sender_type": "viewer", "sender_id": "v1",
		"message_type": "answer", "message_data": gin.H{"type": "answer", "sdp": "x"},
	})
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = call(t, r, http.MethodPost, base+"/stop", "", nil)
	assert.Equal(t, http.StatusOK, code)
	code, b = call(t, r, http.MethodGet, "/events/"+event.String()+"/broadcasts/active", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "null", string(b.Data))
}

func TestRecordingPersistedThroughPipelineIsListed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, err := New(context.Background(), memoryConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()
	r := NewRouter(a, nil)

	event := uuid.New()
	info := recorder.CaptureInfo{StreamID: uuid.New(), EventID: event, Title: "set"}
	start := time.Now().Add(-time.Minute)
	rec, err := a.Pipeline.Persist(context.Background(), info, start, time.Now(), bytes.NewReader([]byte("ivf")), 3)
	require.NoError(t, err)

	code, b := call(t, r, http.MethodGet, "/events/"+event.String()+"/recordings", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(b.Data), rec.StreamID.String())

	code, b = call(t, r, http.MethodPost, "/recordings/"+rec.ID.String()+"/views", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(b.Data), `"view_count":1`)

	code, b = call(t, r, http.MethodGet, "/recordings/"+rec.ID.String()+"/download-url", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(b.Data), "http://localhost:8080/files/recordings/")
}

func TestRequiredJWTRejectsAnonymous(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := memoryConfig(t)
	cfg.JWT.Required = true
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	r := NewRouter(a, auth.NewJWTService("test-secret", time.Hour))

	code, _ := call(t, r, http.MethodGet, "/events/"+uuid.NewString()+"/broadcasts/active", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = call(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
}
