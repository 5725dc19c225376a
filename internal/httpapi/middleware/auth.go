package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/auth"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/common"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
)

const (
	UserIDKey = "user_id"
	RoleKey   = "role"
)

// AuthRequired verifies the bearer token and stores the user id (uint64) and role.
func AuthRequired(jwtm *auth.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractBearerToken(c)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		uid, role, err := jwtm.Parse(token)
		if err != nil {
			logger.DebugWithFields("token rejected", logger.Fields{
				"request_id": c.GetString(RequestIDKey),
				"error":      err.Error(),
			})
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		c.Set(UserIDKey, uid)
		c.Set(RoleKey, role)
		c.Next()
	}
}

// AdminRequired must run after AuthRequired.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(RoleKey) != auth.RoleAdmin {
			logger.WarnWithFields("admin access denied", logger.Fields{
				"user_id": c.GetUint64(UserIDKey),
				"path":    c.Request.URL.Path,
			})
			common.Fail(c, http.StatusForbidden, 40301, "forbidden")
			return
		}
		c.Next()
	}
}
