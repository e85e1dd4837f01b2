package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/watchparty/internal/ice"
)

// ICEConfig serves the STUN/TURN configuration peers should use.
func ICEConfig(cfg ice.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "private, max-age=60")
		c.JSON(http.StatusOK, cfg)
	}
}
