package app

import (
	"github.com/gin-gonic/gin"

	"github.com/partycast/backend/internal/auth"
	"github.com/partycast/backend/internal/middleware"
	"github.com/partycast/backend/internal/presence"
	"github.com/partycast/backend/internal/realtime"
	"github.com/partycast/backend/internal/recordings"
	"github.com/partycast/backend/internal/sessions"
	"github.com/partycast/backend/internal/signaling"
	"github.com/partycast/backend/pkg/response"
	"github.com/partycast/backend/pkg/storage"
)

// NewRouter builds the HTTP API and the WebSocket gateway.
func NewRouter(a *App, jwtService *auth.JWTService) *gin.Engine {
	logger := a.Logger
	sessionHandler := sessions.NewHandler(a.Sessions, logger)
	presenceHandler := presence.NewHandler(a.Presence, logger)
	signalHandler := signaling.NewHandler(a.Signaling, logger)
	recordingHandler := recordings.NewHandler(a.Recordings, a.Objects, logger)
	origins := middleware.ParseOrigins(a.Config.Server.CORSAllowedOrigins)
	gateway := realtime.NewGateway(a.Signaling, a.Presence, a.Sessions, logger)
	gateway.SetCheckOrigin(origins.CheckOrigin)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(origins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Locally stored recordings
	if _, ok := a.Objects.(*storage.Local); ok {
		router.Static("/files", a.Config.Recording.LocalDir)
	}

	api := router.Group("")
	api.Use(middleware.JWT(jwtService, a.Config.JWT.Required))
	{
		// Session lifecycle
		api.POST("/events/:id/broadcasts", sessionHandler.Start)
		api.GET("/events/:id/broadcasts/active", sessionHandler.Active)
		api.GET("/broadcasts/:id", sessionHandler.Get)
		api.POST("/broadcasts/:id/stop", sessionHandler.Stop)

		// Presence
		api.POST("/broadcasts/:id/viewers", presenceHandler.Register)
		api.PUT("/broadcasts/:id/viewers/:viewerId/heartbeat", presenceHandler.Heartbeat)
		api.DELETE("/broadcasts/:id/viewers/:viewerId", presenceHandler.Unregister)
		api.GET("/broadcasts/:id/viewers/count", presenceHandler.Count)

		// Signaling
		api.POST("/broadcasts/:id/signals", signalHandler.Send)

		// Recordings
		api.GET("/events/:id/recordings", recordingHandler.ListByEvent)
		api.POST("/recordings/:id/views", recordingHandler.IncrementViews)
		api.GET("/recordings/:id/download-url", recordingHandler.DownloadURL)
	}

	// WebSocket (query parameters identify the participant)
	router.GET("/ws", gateway.ServeWs())
	return router
}
