package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/ai"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/chat"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/common"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/stream"
)

// CreateGradingJob handles POST /ai/grading/jobs. The job runs in the worker
// through the same quota gate and persistence as the streamed endpoint.
func (h *Handler) CreateGradingJob(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	if h.Jobs == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "job queue not configured")
		return
	}
	req, ok := bindGrading(c)
	if !ok {
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	sr := h.gradingRequest(uid, req)
	j := &chat.Job{
		UserID:         uid,
		SessionID:      stream.GradingSessionID(req.QuestionID, uid, time.Now()),
		Feature:        string(ai.FeatureGrading),
		Prompt:         sr.Prompt,
		QuestionID:     sr.QuestionID,
		UserAnswer:     sr.UserAnswer,
		ModelID:        sr.ModelID,
		IdempotencyKey: idempoKeyPtr,
	}
	job, created, err := h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		logger.ErrorWithFields("create grading job failed", logger.Fields{"user_id": uid, "error": err.Error()})
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Jobs.PublishJob(c.Request.Context(), job.ID); err != nil {
			logger.ErrorWithFields("publish grading job failed", logger.Fields{"user_id": uid, "job_id": job.ID, "error": err.Error()})
			_ = h.ChatSvc.MarkJobFailed(c.Request.Context(), job.ID, "enqueue failed")
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"jobId": job.ID, "sessionId": job.SessionID, "created": created})
}

// GetGradingJob handles GET /ai/grading/jobs/:job_id.
func (h *Handler) GetGradingJob(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	jobID := c.Param("job_id")
	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.UserID != uid {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}
	common.OK(c, gin.H{"job": j})
}

// GradingHistory handles GET /ai/grading/:question_id/history.
func (h *Handler) GradingHistory(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	qid, ok := parseUintParam(c, "question_id")
	if !ok {
		common.Fail(c, http.StatusBadRequest, 10002, "invalid question_id")
		return
	}
	ctx := c.Request.Context()
	records, err := h.Grading.History(ctx, uid, qid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	latest, err := h.Grading.Latest(ctx, uid, qid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"questionId": qid, "latest": latest, "records": records})
}

// ListModels handles GET /ai/models.
func (h *Handler) ListModels(c *gin.Context) {
	models, err := h.Catalog.ListEnabled(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"models": models})
}
