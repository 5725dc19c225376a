package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/ai"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/common"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/quota"
)

func failQuota(c *gin.Context, op string, err error) {
	if errors.Is(err, quota.ErrUnknownTier) {
		common.Fail(c, http.StatusBadRequest, 10004, "unknown tier")
		return
	}
	logger.ErrorWithFields(op+" failed", logger.Fields{"path": c.Request.URL.Path, "error": err.Error()})
	common.Fail(c, http.StatusServiceUnavailable, 50302, "quota service unavailable")
}

func featureQuery(c *gin.Context) (ai.Feature, bool) {
	raw := c.Query("aiType")
	if raw == "" {
		return ai.FeatureChat, true
	}
	f, ok := ai.ParseFeature(raw)
	if !ok {
		common.Fail(c, http.StatusBadRequest, 10002, "invalid aiType")
	}
	return f, ok
}

// QuotaInfo handles GET /ai-quota/info.
func (h *Handler) QuotaInfo(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	rec, err := h.Quota.Snapshot(c.Request.Context(), uid)
	if err != nil {
		failQuota(c, "quota snapshot", err)
		return
	}
	common.OK(c, gin.H{
		"quota":            rec,
		"remainingDaily":   rec.RemainingDaily(),
		"remainingMonthly": rec.RemainingMonthly(),
	})
}

// QuotaRemaining handles GET /ai-quota/remaining.
func (h *Handler) QuotaRemaining(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	f, ok := featureQuery(c)
	if !ok {
		return
	}
	n, err := h.Quota.RemainingDaily(c.Request.Context(), uid, f)
	if err != nil {
		failQuota(c, "quota remaining", err)
		return
	}
	common.OK(c, gin.H{"remaining": n})
}

// QuotaCheck handles GET /ai-quota/check?aiType=. It never consumes.
func (h *Handler) QuotaCheck(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	f, ok := featureQuery(c)
	if !ok {
		return
	}
	has, err := h.Quota.HasQuota(c.Request.Context(), uid, f)
	if err != nil {
		failQuota(c, "quota check", err)
		return
	}
	common.OK(c, gin.H{"hasQuota": has})
}

// UsageLog handles GET /ai/usage and lists the caller's recent AI calls.
func (h *Handler) UsageLog(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	entries, err := h.Usage.ListByUser(c.Request.Context(), uid, queryInt(c, "limit", 20))
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"entries": entries})
}

// Admin

func (h *Handler) userParam(c *gin.Context) (uint64, bool) {
	uid, ok := parseUintParam(c, "user_id")
	if !ok {
		common.Fail(c, http.StatusBadRequest, 10002, "invalid user_id")
	}
	return uid, ok
}

// AdminResetDaily handles POST /admin/ai-quota/:user_id/reset-daily.
func (h *Handler) AdminResetDaily(c *gin.Context) {
	uid, ok := h.userParam(c)
	if !ok {
		return
	}
	found, err := h.Quota.ResetDaily(c.Request.Context(), uid)
	if err != nil {
		failQuota(c, "reset daily", err)
		return
	}
	common.OK(c, gin.H{"userId": uid, "reset": found})
}

// AdminResetMonthly handles POST /admin/ai-quota/:user_id/reset-monthly.
func (h *Handler) AdminResetMonthly(c *gin.Context) {
	uid, ok := h.userParam(c)
	if !ok {
		return
	}
	found, err := h.Quota.ResetMonthly(c.Request.Context(), uid)
	if err != nil {
		failQuota(c, "reset monthly", err)
		return
	}
	common.OK(c, gin.H{"userId": uid, "reset": found})
}

func (h *Handler) AdminResetAllDaily(c *gin.Context) {
	n, err := h.Quota.ResetAllDaily(c.Request.Context())
	if err != nil {
		failQuota(c, "reset all daily", err)
		return
	}
	common.OK(c, gin.H{"affected": n})
}

func (h *Handler) AdminResetAllMonthly(c *gin.Context) {
	n, err := h.Quota.ResetAllMonthly(c.Request.Context())
	if err != nil {
		failQuota(c, "reset all monthly", err)
		return
	}
	common.OK(c, gin.H{"affected": n})
}

type setTierReq struct {
	Tier    *int     `json:"tier"`
	UserIDs []uint64 `json:"userIds"`
}

// AdminSetTier handles PUT /admin/ai-quota/:user_id/tier.
func (h *Handler) AdminSetTier(c *gin.Context) {
	uid, ok := h.userParam(c)
	if !ok {
		return
	}
	var req setTierReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Tier == nil {
		common.Fail(c, http.StatusBadRequest, 10001, "tier required")
		return
	}
	rec, err := h.Quota.SetLimits(c.Request.Context(), uid, *req.Tier)
	if err != nil {
		failQuota(c, "set tier", err)
		return
	}
	common.OK(c, gin.H{"quota": rec})
}

// AdminSetTierBulk handles PUT /admin/ai-quota/tier.
func (h *Handler) AdminSetTierBulk(c *gin.Context) {
	var req setTierReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Tier == nil || len(req.UserIDs) == 0 {
		common.Fail(c, http.StatusBadRequest, 10001, "tier and userIds required")
		return
	}
	n, err := h.Quota.SetLimitsBulk(c.Request.Context(), req.UserIDs, *req.Tier)
	if err != nil {
		failQuota(c, "set tier bulk", err)
		return
	}
	common.OK(c, gin.H{"affected": n})
}

// AdminQuotaStats handles GET /admin/ai-quota/stats.
func (h *Handler) AdminQuotaStats(c *gin.Context) {
	st, err := h.Quota.Stats(c.Request.Context())
	if err != nil {
		failQuota(c, "quota stats", err)
		return
	}
	common.OK(c, st)
}
