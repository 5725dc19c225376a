package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/ai"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/chat"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/common"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/config"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/grading"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/httpapi/middleware"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/quota"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/stream"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/usage"
)

// JobPublisher enqueues a grading job id for the worker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	ChatSvc     *chat.Service
	Quota       *quota.Ledger
	Grading     *grading.Resolver
	Catalog     *ai.Catalog
	Coordinator *stream.Coordinator
	Policy      *config.PolicyHolder
	Usage       *usage.Repo
	// Jobs is nil when RabbitMQ is not configured; queued grading then answers 503.
	Jobs JobPublisher
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok && id > 0
}

// requireUser writes 401 and returns false when no user is authenticated.
func requireUser(c *gin.Context) (uint64, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return n
}

func parseUintParam(c *gin.Context, key string) (uint64, bool) {
	n, err := strconv.ParseUint(c.Param(key), 10, 64)
	return n, err == nil && n > 0
}
