package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/common"
)

const (
	RequestIDKey    = "request_id"
	headerRequestID = "X-Request-Id"
)

// RequestID keeps the caller's X-Request-Id or assigns a ULID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(headerRequestID)
		if rid == "" || len(rid) > 64 {
			if id, err := common.NewULID(); err == nil {
				rid = id
			}
		}
		c.Set(RequestIDKey, rid)
		c.Writer.Header().Set(headerRequestID, rid)
		c.Next()
	}
}
