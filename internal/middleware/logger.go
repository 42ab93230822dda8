package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/psrpipe/pipeline/internal/logger"
)

// RequestLogger logs every API request through the process logger.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Info("API request", map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"ip":      c.ClientIP(),
			"user":    c.GetUint("userID"),
		})
	}
}
