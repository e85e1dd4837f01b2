package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/watchparty/internal/ice"
	"github.com/mossy-p/watchparty/internal/middleware"
	"github.com/mossy-p/watchparty/internal/users"
)

// Deps is everything the HTTP surface needs.
type Deps struct {
	AllowedOrigins []string
	JWTSecret      string
	Users          *users.Store
	Rooms          *Rooms
	Hub            *Hub
	ICE            ice.Config
	Logger         *logrus.Entry
}

// Register mounts every route on r.
func Register(r *gin.Engine, d Deps) {
	// Global CORS middleware (runs before routing)
	r.Use(OriginFilter(d.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(d.JWTSecret)

	api := r.Group("/api")
	{
		api.POST("/auth/login", Login(d.Users, d.JWTSecret, d.Logger))
		api.GET("/ice-config", ICEConfig(d.ICE))

		api.POST("/rooms", auth, d.Rooms.Create())
		api.GET("/rooms/:roomId", d.Rooms.Get())
		api.POST("/rooms/:roomId/join", auth, d.Rooms.Join())
		api.DELETE("/rooms/:roomId", auth, d.Rooms.Delete())
	}

	// WebSocket relay - accepts room code or ID
	r.GET("/ws/room/:roomId", auth, d.Hub.HandleRelay())
}
