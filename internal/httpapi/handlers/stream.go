package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/ai"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/common"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/stream"
)

type chatStreamReq struct {
	SessionID  string  `json:"sessionId"`
	Message    string  `json:"message"`
	QuestionID *uint64 `json:"questionId"`
	ModelID    *uint64 `json:"modelId"`
}

// ChatStream handles POST /ai/chat/stream.
func (h *Handler) ChatStream(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req chatStreamReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "message required")
		return
	}

	sid, events := h.Coordinator.Start(c.Request.Context(), stream.Request{
		UserID:     uid,
		SessionID:  req.SessionID,
		Feature:    ai.FeatureChat,
		Prompt:     req.Message,
		ModelID:    req.ModelID,
		QuestionID: req.QuestionID,
	})
	serveStream(c, sid, events)
}

type analyzeStreamReq struct {
	SessionID       string   `json:"sessionId"`
	QuestionContent string   `json:"questionContent"`
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	QuestionID      *uint64  `json:"questionId"`
	ModelID         *uint64  `json:"modelId"`
}

// AnalyzeStream handles POST /ai/analyze/stream.
func (h *Handler) AnalyzeStream(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req analyzeStreamReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	question := req.QuestionContent
	if strings.TrimSpace(question) == "" {
		question = req.Question
	}
	if strings.TrimSpace(question) == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "questionContent required")
		return
	}

	sid, events := h.Coordinator.Start(c.Request.Context(), stream.Request{
		UserID:     uid,
		SessionID:  req.SessionID,
		Title:      "题目分析",
		Feature:    ai.FeatureAnalyze,
		Prompt:     stream.AnalysisPrompt(h.Policy.Get().Prompts, question, req.Options),
		ModelID:    req.ModelID,
		QuestionID: req.QuestionID,
	})
	serveStream(c, sid, events)
}

type gradingReq struct {
	QuestionID      uint64  `json:"questionId"`
	QuestionContent string  `json:"questionContent"`
	UserAnswer      string  `json:"userAnswer"`
	CorrectAnswer   string  `json:"correctAnswer"`
	ModelID         *uint64 `json:"modelId"`
}

func bindGrading(c *gin.Context) (gradingReq, bool) {
	var req gradingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return req, false
	}
	if req.QuestionID == 0 || strings.TrimSpace(req.QuestionContent) == "" || strings.TrimSpace(req.UserAnswer) == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "questionId, questionContent and userAnswer required")
		return req, false
	}
	return req, true
}

func (h *Handler) gradingRequest(uid uint64, req gradingReq) stream.Request {
	qid := req.QuestionID
	return stream.Request{
		UserID:     uid,
		Title:      "AI判题",
		Feature:    ai.FeatureGrading,
		Prompt:     stream.GradingPrompt(h.Policy.Get().Prompts, req.QuestionContent, req.UserAnswer, req.CorrectAnswer),
		ModelID:    req.ModelID,
		QuestionID: &qid,
		UserAnswer: req.UserAnswer,
	}
}

// GradingStream handles POST /ai/grading/stream.
func (h *Handler) GradingStream(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	req, ok := bindGrading(c)
	if !ok {
		return
	}
	sid, events := h.Coordinator.Start(c.Request.Context(), h.gradingRequest(uid, req))
	serveStream(c, sid, events)
}
