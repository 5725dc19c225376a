package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
)

// RequestLog logs one line per completed request.
func RequestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logger.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  c.GetString(RequestIDKey),
		}
		if uid, ok := c.Get(UserIDKey); ok {
			fields["user_id"] = uid
		}
		logger.InfoWithFields("completed request", fields)
	}
}
