// Package stream runs one quota-gated AI request from admission to persistence
// and relays its output as a sequence of events.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/ai"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/chat"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/common"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/grading"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/usage"
)

var (
	ErrUpstreamTimeout = errors.New("stream: upstream exceeded max duration")
	ErrEmptyResponse   = errors.New("stream: upstream returned no content")
	errStreamClosed    = errors.New("stream: provider closed without a terminal chunk")
)

// User-visible texts.
const (
	msgSessionNotFound = "会话不存在"
	msgConsumeFailed   = "AI调用次数扣减失败，请稍后重试。"
	msgNoModel         = "AI模型配置错误，请联系管理员。"
	msgUpstream        = "AI服务暂时不可用，请稍后重试。"
	msgTimeout         = "AI响应超时，请稍后重试。"
	msgCancelled       = "请求已取消。"
	msgEmpty           = "AI未返回任何内容，请稍后重试。"
)

func quotaExceededMessage(f ai.Feature) string {
	switch f {
	case ai.FeatureAnalyze:
		return "今日AI题目分析次数已用完，请明天再试或联系管理员升级会员。"
	case ai.FeatureGrading:
		return "今日AI判题次数已用完，请明天再试或联系管理员升级会员。"
	default:
		return "今日AI对话次数已用完，请明天再试或联系管理员升级会员。"
	}
}

type Quota interface {
	HasQuota(ctx context.Context, userID uint64, feature ai.Feature) (bool, error)
	TryConsume(ctx context.Context, userID uint64, feature ai.Feature, amount int) (bool, error)
}

type History interface {
	CheckOwner(ctx context.Context, userID uint64, sessionID string) error
	EnsureSession(ctx context.Context, userID uint64, sessionID, title string) (*chat.Session, error)
	AppendTurn(ctx context.Context, t *chat.Turn) error
	GetHistory(ctx context.Context, userID uint64, sessionID string, limit int) ([]chat.Turn, error)
}

type UsageLog interface {
	Record(ctx context.Context, e *usage.Entry) error
}

type Grader interface {
	Resolve(ctx context.Context, in grading.Input) (*grading.Record, error)
}

type Models interface {
	Open(ctx context.Context, modelID *uint64) (ai.Model, ai.Provider, error)
}

type Deps struct {
	Quota   Quota
	History History
	Usage   UsageLog
	Grader  Grader
	Models  Models
}

type Options struct {
	// MaxDuration bounds a single upstream call.
	MaxDuration time.Duration
	// HistoryLimit is how many earlier turns are sent as chat context.
	HistoryLimit int
	Buffers      BufferFactory
	EventBuffer  int
	Now          func() time.Time
}

type Request struct {
	UserID     uint64
	SessionID  string
	Title      string
	Feature    ai.Feature
	Prompt     string
	ModelID    *uint64
	QuestionID *uint64
	UserAnswer string
}

type Coordinator struct {
	deps Deps
	opts Options
}

func NewCoordinator(deps Deps, opts Options) *Coordinator {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 120 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.Buffers == nil {
		opts.Buffers = MemoryBuffers()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{deps: deps, opts: opts}
}

// Start admits req and streams its events. The returned session id is final:
// a new one is assigned when req.SessionID is empty. Cancelling ctx aborts the
// upstream call; the partial answer is still persisted.
func (c *Coordinator) Start(ctx context.Context, req Request) (string, <-chan Event) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.Feature == "" {
		req.Feature = ai.FeatureChat
	}
	if req.SessionID == "" {
		req.SessionID = c.newSessionID(req)
	}

	out := make(chan Event, c.opts.EventBuffer)
	r := &run{
		c:          c,
		req:        req,
		ctx:        ctx,
		persistCtx: context.WithoutCancel(ctx),
		out:        out,
		started:    c.opts.Now(),
	}
	go r.exec()
	return req.SessionID, out
}

func (c *Coordinator) newSessionID(req Request) string {
	if req.Feature == ai.FeatureGrading && req.QuestionID != nil {
		return GradingSessionID(*req.QuestionID, req.UserID, c.opts.Now())
	}
	return common.NewSessionID()
}

// GradingSessionID names the single-use session of one grading request.
func GradingSessionID(questionID, userID uint64, at time.Time) string {
	return fmt.Sprintf("grading_%d_%d_%d", questionID, userID, at.UnixMilli())
}

// Result is a drained stream.
type Result struct {
	SessionID string
	Content   string
	Error     string
	Summary   Summary
}

// Run drives req to completion without a live client.
func (c *Coordinator) Run(ctx context.Context, req Request) Result {
	sid, events := c.Start(ctx, req)
	res := Result{SessionID: sid}
	var b strings.Builder
	for ev := range events {
		switch ev.Kind {
		case EventContent:
			b.WriteString(ev.Text)
		case EventError:
			res.Error = ev.Text
		case EventDone:
			res.Summary = *ev.Summary
		}
	}
	res.Content = b.String()
	return res
}

// run is the state of one request.
type run struct {
	c          *Coordinator
	req        Request
	ctx        context.Context
	persistCtx context.Context
	out        chan<- Event
	started    time.Time
	entry      usage.Entry
	chunks     int
}

func (r *run) fields() logger.Fields {
	return logger.Fields{
		"user_id":    r.req.UserID,
		"session_id": r.req.SessionID,
		"feature":    string(r.req.Feature),
	}
}

func (r *run) emit(ev Event) bool {
	select {
	case r.out <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *run) finish(sum Summary) {
	defer close(r.out)
	sum.SessionID = r.req.SessionID
	f := r.fields()
	f["outcome"] = string(sum.Outcome)
	f["model"] = r.entry.ModelCode
	f["chunks"] = r.chunks
	f["charged"] = sum.Charged()
	f["cost_ms"] = time.Since(r.started).Milliseconds()
	if sum.Err != nil {
		f["error"] = sum.Err.Error()
	}
	if sum.Outcome == OutcomeSucceeded {
		logger.InfoWithFields("ai stream finished", f)
	} else {
		logger.WarnWithFields("ai stream finished", f)
	}
	r.emit(Event{Kind: EventDone, Summary: &sum})
}

func (r *run) exec() {
	req := r.req

	if err := r.c.deps.History.CheckOwner(r.ctx, req.UserID, req.SessionID); err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			r.emit(Event{Kind: EventError, Text: msgSessionNotFound})
			r.finish(Summary{Outcome: OutcomeRejected, Err: err})
			return
		}
		f := r.fields()
		f["error"] = err.Error()
		logger.WarnWithFields("session owner check failed", f)
	}

	if outcome, err := r.admit(); outcome != "" {
		text := quotaExceededMessage(req.Feature)
		if outcome == OutcomeConsumeFailed {
			text = msgConsumeFailed
		}
		r.emit(Event{Kind: EventContent, Text: text})
		r.finish(Summary{Outcome: outcome, Err: err})
		return
	}

	if _, err := r.c.deps.History.EnsureSession(r.persistCtx, req.UserID, req.SessionID, req.Title); err != nil {
		r.logPersistFailure("ensure session", err)
	}
	messages := r.buildMessages()
	if err := r.c.deps.History.AppendTurn(r.persistCtx, &chat.Turn{
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Role:       chat.RoleUser,
		Content:    req.Prompt,
		QuestionID: req.QuestionID,
	}); err != nil {
		r.logPersistFailure("save user turn", err)
	}

	r.entry = usage.Entry{
		UserID:    req.UserID,
		Feature:   string(req.Feature),
		SessionID: req.SessionID,
	}

	model, provider, err := r.c.deps.Models.Open(r.ctx, req.ModelID)
	if err != nil {
		r.fail("", OutcomeUpstreamError, msgNoModel, err)
		return
	}
	if model.ID > 0 {
		id := model.ID
		r.entry.ModelID = &id
	}
	r.entry.ModelCode = model.Code

	streamCtx, cancel := context.WithTimeout(r.ctx, r.c.opts.MaxDuration)
	defer cancel()

	buf := r.c.opts.Buffers(req.SessionID)
	defer buf.Discard(r.persistCtx)

	err = r.pump(streamCtx, ai.ChatAsStream(streamCtx, provider, messages), buf)
	content := buf.String()

	if err != nil {
		outcome, text, cause := r.classify(streamCtx, err)
		r.fail(content, outcome, text, cause)
		return
	}
	if content == "" {
		r.fail("", OutcomeUpstreamError, msgEmpty, ErrEmptyResponse)
		return
	}
	r.succeed(content)
}

// admit runs the two-step quota gate and returns the rejection outcome, or ""
// when the request may proceed. Storage failures deny the request.
func (r *run) admit() (Outcome, error) {
	q := r.c.deps.Quota
	ok, err := q.HasQuota(r.ctx, r.req.UserID, r.req.Feature)
	if err != nil {
		return OutcomeQuotaUnavailable, err
	}
	if !ok {
		return OutcomeQuotaExceeded, nil
	}
	ok, err = q.TryConsume(r.ctx, r.req.UserID, r.req.Feature, 1)
	if err != nil || !ok {
		return OutcomeConsumeFailed, err
	}
	return "", nil
}

// buildMessages sends recent turns as context for chat; analyze and grading are single-shot.
func (r *run) buildMessages() []ai.Message {
	prompt := ai.Message{Role: string(chat.RoleUser), Content: r.req.Prompt}
	if r.req.Feature != ai.FeatureChat {
		return []ai.Message{prompt}
	}
	turns, err := r.c.deps.History.GetHistory(r.persistCtx, r.req.UserID, r.req.SessionID, r.c.opts.HistoryLimit)
	if err != nil {
		r.logPersistFailure("load history", err)
		return []ai.Message{prompt}
	}
	msgs := make([]ai.Message, 0, len(turns)+1)
	for _, t := range turns {
		msgs = append(msgs, ai.Message{Role: string(t.Role), Content: t.Content})
	}
	return append(msgs, prompt)
}

// pump forwards provider chunks to the event channel. A chunk is appended to buf
// only after the channel accepted it, so buf equals the emitted content events.
// Events still queued in the channel when the client goes away are persisted
// without having reached the socket.
func (r *run) pump(streamCtx context.Context, chunks <-chan ai.Chunk, buf Buffer) error {
	for {
		select {
		case ch, ok := <-chunks:
			if !ok {
				return errStreamClosed
			}
			if ch.Err != nil {
				return ch.Err
			}
			if ch.Done {
				return nil
			}
			if ch.Text == "" {
				continue
			}
			if !r.emit(Event{Kind: EventContent, Text: ch.Text}) {
				return r.ctx.Err()
			}
			buf.Append(r.persistCtx, ch.Text)
			r.chunks++
		case <-streamCtx.Done():
			return streamCtx.Err()
		}
	}
}

func (r *run) classify(streamCtx context.Context, err error) (Outcome, string, error) {
	switch {
	case r.ctx.Err() != nil:
		return OutcomeCancelled, msgCancelled, err
	case errors.Is(streamCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout, msgTimeout, fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	default:
		return OutcomeUpstreamError, msgUpstream, err
	}
}

func (r *run) succeed(content string) {
	turn := &chat.Turn{
		UserID:     r.req.UserID,
		SessionID:  r.req.SessionID,
		Role:       chat.RoleAssistant,
		Content:    content,
		QuestionID: r.req.QuestionID,
	}
	if err := r.c.deps.History.AppendTurn(r.persistCtx, turn); err != nil {
		r.logPersistFailure("save assistant turn", err)
	}

	r.entry.Succeeded = true
	r.entry.PromptTokens = usage.EstimateTokens(r.req.Prompt)
	r.entry.CompletionTokens = usage.EstimateTokens(content)
	r.entry.TokensEstimated = r.entry.PromptTokens + r.entry.CompletionTokens
	r.recordUsage()

	var rec *grading.Record
	if r.req.Feature == ai.FeatureGrading && r.req.QuestionID != nil && r.c.deps.Grader != nil {
		var err error
		rec, err = r.c.deps.Grader.Resolve(r.persistCtx, grading.Input{
			UserID:       r.req.UserID,
			QuestionID:   *r.req.QuestionID,
			SessionID:    r.req.SessionID,
			UserAnswer:   r.req.UserAnswer,
			ResponseText: content,
		})
		if err != nil {
			r.logPersistFailure("resolve grading", err)
		}
		if rec != nil {
			r.emit(Event{Kind: EventGrading, Grading: rec})
		}
	}

	r.finish(Summary{Outcome: OutcomeSucceeded, AssistantTurnID: turn.ID, Grading: rec})
}

// fail persists what the client saw followed by the error text the client is about to see.
func (r *run) fail(partial string, outcome Outcome, text string, cause error) {
	content := text
	if partial != "" {
		content = partial + "\n\n" + text
	}
	turn := &chat.Turn{
		UserID:     r.req.UserID,
		SessionID:  r.req.SessionID,
		Role:       chat.RoleAssistant,
		Content:    content,
		QuestionID: r.req.QuestionID,
	}
	if err := r.c.deps.History.AppendTurn(r.persistCtx, turn); err != nil {
		r.logPersistFailure("save assistant turn", err)
	}

	r.entry.Succeeded = false
	r.entry.TokensEstimated = 0
	msg := cause.Error()
	r.entry.ErrorMessage = &msg
	r.recordUsage()

	r.emit(Event{Kind: EventError, Text: text})
	r.finish(Summary{Outcome: outcome, AssistantTurnID: turn.ID, Err: cause})
}

func (r *run) recordUsage() {
	if r.c.deps.Usage == nil {
		return
	}
	r.entry.DurationMillis = time.Since(r.started).Milliseconds()
	if err := r.c.deps.Usage.Record(r.persistCtx, &r.entry); err != nil {
		r.logPersistFailure("save usage log", err)
	}
}

func (r *run) logPersistFailure(step string, err error) {
	f := r.fields()
	f["step"] = step
	f["error"] = err.Error()
	logger.ErrorWithFields("ai stream persistence failed", f)
}
