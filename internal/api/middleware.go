package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/semcache/internal/observability"
)

// maintenanceAuth rejects maintenance calls that do not present the shared
// secret. Runs before the handler so no side effect happens on a bad secret.
func maintenanceAuth(secret string, logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			logger.Warn("Maintenance secret not configured, rejecting request", nil)
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "maintenance endpoint disabled"})
			return
		}

		presented := c.GetHeader("X-Maintenance-Secret")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			logger.Warn("Maintenance request with bad secret", map[string]interface{}{
				"remote_addr": c.ClientIP(),
			})
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid maintenance secret"})
			return
		}
		c.Next()
	}
}

// requestLogger logs each request with its outcome and latency
func requestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("Request handled", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}
