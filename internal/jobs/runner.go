// Package jobs runs queued AI requests that have no live client.
package jobs

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/ai"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/chat"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/store/rabbitmq"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/stream"
)

type Runner struct {
	chat       *chat.Service
	coord      *stream.Coordinator
	staleAfter time.Duration
}

// NewRunner builds a runner. A running job whose claim is older than staleAfter
// is assumed abandoned and may be taken over by a later delivery.
func NewRunner(chatSvc *chat.Service, coord *stream.Coordinator, staleAfter time.Duration) *Runner {
	return &Runner{chat: chatSvc, coord: coord, staleAfter: staleAfter}
}

// Handle runs one job through the coordinator. Business failures (quota, upstream)
// are recorded on the job and acknowledged; storage failures before the claim are retried.
func (r *Runner) Handle(ctx context.Context, msg rabbitmq.JobMessage) rabbitmq.Disposition {
	start := time.Now()
	fields := logger.Fields{"job_id": msg.JobID, "attempt": msg.Attempt, "redelivered": msg.Redelivered}

	// a redelivered message means the consumer that held it is gone
	claimed, err := r.chat.ClaimJob(ctx, msg.JobID, msg.Redelivered, r.staleAfter)
	if err != nil {
		fields["error"] = err.Error()
		logger.WarnWithFields("claim job failed", fields)
		return rabbitmq.Retry
	}
	if !claimed {
		// finished, held by a live worker, or unknown id
		logger.InfoWithFields("job not claimable, skipping", fields)
		return rabbitmq.Ack
	}

	j, err := r.chat.GetJob(ctx, msg.JobID)
	if err != nil {
		fields["error"] = err.Error()
		logger.ErrorWithFields("load claimed job failed", fields)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rabbitmq.Ack
		}
		_ = r.chat.MarkJobFailed(context.WithoutCancel(ctx), msg.JobID, "load job failed")
		return rabbitmq.Dead
	}

	feature, ok := ai.ParseFeature(j.Feature)
	if !ok {
		feature = ai.FeatureGrading
	}

	// in-flight jobs finish on shutdown; MaxDuration still bounds them
	res := r.coord.Run(context.WithoutCancel(ctx), stream.Request{
		UserID:     j.UserID,
		SessionID:  j.SessionID,
		Feature:    feature,
		Prompt:     j.Prompt,
		ModelID:    j.ModelID,
		QuestionID: j.QuestionID,
		UserAnswer: j.UserAnswer,
	})

	persistCtx := context.WithoutCancel(ctx)
	fields["outcome"] = string(res.Summary.Outcome)
	fields["cost_ms"] = time.Since(start).Milliseconds()

	if res.Summary.Outcome == stream.OutcomeSucceeded {
		var isCorrect *bool
		if g := res.Summary.Grading; g != nil {
			v := g.IsCorrect
			isCorrect = &v
		}
		if err := r.chat.MarkJobSucceeded(persistCtx, j.ID, res.Summary.AssistantTurnID, isCorrect); err != nil {
			fields["error"] = err.Error()
			logger.ErrorWithFields("mark job succeeded failed", fields)
			return rabbitmq.Ack
		}
		logger.InfoWithFields("job finished", fields)
		return rabbitmq.Ack
	}

	reason := res.Error
	if reason == "" {
		reason = res.Content
	}
	if reason == "" {
		reason = string(res.Summary.Outcome)
	}
	if err := r.chat.MarkJobFailed(persistCtx, j.ID, reason); err != nil {
		fields["error"] = err.Error()
		logger.ErrorWithFields("mark job failed failed", fields)
	}
	logger.WarnWithFields("job finished", fields)
	return rabbitmq.Ack
}
