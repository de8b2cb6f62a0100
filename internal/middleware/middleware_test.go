package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partycast/backend/internal/auth"
)

func init() { gin.SetMode(gin.TestMode) }

func newRouter(jwtService *auth.JWTService, required bool) *gin.Engine {
	r := gin.New()
	r.Use(CORS(ParseOrigins("http://localhost:3000")), JWT(jwtService, required))
	r.GET("/who", func(c *gin.Context) { c.String(http.StatusOK, DisplayName(c)) })
	return r
}

func TestJWTOptional(t *testing.T) {
	svc := auth.NewJWTService("s", time.Hour)
	r := newRouter(svc, false)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/who", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	tok, err := svc.Generate("u1", "Grace")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "Grace", w.Body.String())
}

func TestJWTRequiredAndInvalid(t *testing.T) {
	svc := auth.NewJWTService("s", time.Hour)
	r := newRouter(svc, true)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/who", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	r := newRouter(nil, false)
	req := httptest.NewRequest(http.MethodOptions, "/who", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginsCheckOrigin(t *testing.T) {
	o := ParseOrigins("https://a.example, https://b.example")
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, o.CheckOrigin(req))

	req.Header.Set("Origin", "https://b.example")
	assert.True(t, o.CheckOrigin(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, o.CheckOrigin(req))

	assert.Equal(t, "*", ParseOrigins("*").Allow("https://any.example"))
	assert.Equal(t, "*", ParseOrigins("").Allow(""))
}
