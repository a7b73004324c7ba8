package relay

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shiftboard/shiftsync/internal/store"
	"github.com/shiftboard/shiftsync/internal/version"
)

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// authorize accepts the token as ?auth= (what the store adapter sends) or as a
// bearer token.
func (s *Server) authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(s.config.AuthToken)
		if token == "" {
			c.Next()
			return
		}
		presented := c.Query("auth")
		if presented == "" {
			h := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(h), "bearer ") {
				presented = strings.TrimSpace(h[7:])
			}
		}
		if presented != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "permission denied"})
			return
		}
		c.Next()
	}
}

func (s *Server) checkVersion() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := version.Compatible(c.GetHeader(store.HeaderClientVersion)); err != nil {
			c.AbortWithStatusJSON(http.StatusUpgradeRequired, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}
