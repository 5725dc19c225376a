package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/chat"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/common"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
)

func (h *Handler) failSession(c *gin.Context, op string, uid uint64, sessionID string, err error) {
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "session not found")
	case errors.Is(err, chat.ErrEmptyTitle):
		common.Fail(c, http.StatusBadRequest, 10002, "title required")
	default:
		logger.ErrorWithFields(op+" failed", logger.Fields{"user_id": uid, "session_id": sessionID, "error": err.Error()})
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

// GetHistory handles GET /ai/chat/history?sessionId=&limit=.
func (h *Handler) GetHistory(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	sid := strings.TrimSpace(c.Query("sessionId"))
	if sid == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "sessionId required")
		return
	}
	turns, err := h.ChatSvc.GetHistory(c.Request.Context(), uid, sid, queryInt(c, "limit", 0))
	if err != nil {
		h.failSession(c, "get history", uid, sid, err)
		return
	}
	common.OK(c, gin.H{"sessionId": sid, "messages": turns})
}

// RecentSessions handles GET /ai/sessions and returns session ids, most recent first.
func (h *Handler) RecentSessions(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	ids, err := h.ChatSvc.ListRecentSessions(c.Request.Context(), uid, queryInt(c, "limit", 0))
	if err != nil {
		h.failSession(c, "list recent sessions", uid, "", err)
		return
	}
	common.OK(c, gin.H{"sessions": ids})
}

// ListSessions handles GET /ai/sessions/list.
func (h *Handler) ListSessions(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	list, err := h.ChatSvc.ListSessions(c.Request.Context(), uid, queryInt(c, "limit", 0))
	if err != nil {
		h.failSession(c, "list sessions", uid, "", err)
		return
	}
	common.OK(c, gin.H{"sessions": list})
}

type titleReq struct {
	Title string `json:"title"`
}

// CreateSession handles POST /ai/session/new.
func (h *Handler) CreateSession(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req titleReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), uid, req.Title)
	if err != nil {
		h.failSession(c, "create session", uid, "", err)
		return
	}
	common.OK(c, gin.H{"sessionId": sess.SessionID, "title": sess.Title})
}

// RenameSession handles PUT /ai/session/:session_id/title.
func (h *Handler) RenameSession(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req titleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	sid := c.Param("session_id")
	if err := h.ChatSvc.RenameSession(c.Request.Context(), uid, sid, req.Title); err != nil {
		h.failSession(c, "rename session", uid, sid, err)
		return
	}
	common.OK(c, gin.H{"sessionId": sid, "title": strings.TrimSpace(req.Title)})
}

// HideSession handles DELETE /ai/session/:session_id.
func (h *Handler) HideSession(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	sid := c.Param("session_id")
	if err := h.ChatSvc.HideSession(c.Request.Context(), uid, sid); err != nil {
		h.failSession(c, "hide session", uid, sid, err)
		return
	}
	common.OK(c, nil)
}
