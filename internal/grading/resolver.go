package grading

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"gorm.io/gorm"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/config"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
)

// AnswerBook updates the question bank's answer records.
type AnswerBook interface {
	// MarkLatestCorrect flags the user's most recent answer to the question as correct.
	// It is a no-op when the user has never answered the question.
	MarkLatestCorrect(ctx context.Context, userID, questionID uint64) error
}

type GormAnswerBook struct {
	db *gorm.DB
}

func NewGormAnswerBook(db *gorm.DB) *GormAnswerBook {
	return &GormAnswerBook{db: db}
}

func (b *GormAnswerBook) MarkLatestCorrect(ctx context.Context, userID, questionID uint64) error {
	var latest AnswerRecord
	err := b.db.WithContext(ctx).
		Where("user_id = ? AND question_id = ?", userID, questionID).
		Order("create_time DESC").
		Order("id DESC").
		First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return b.db.WithContext(ctx).Model(&AnswerRecord{}).
		Where("id = ?", latest.ID).
		Updates(map[string]any{"is_correct": 1, "score": 1}).Error
}

type Input struct {
	UserID       uint64
	QuestionID   uint64
	SessionID    string
	UserAnswer   string
	ResponseText string
}

type Resolver struct {
	db      *gorm.DB
	answers AnswerBook
	policy  atomic.Pointer[config.GradingPolicy]
}

func NewResolver(db *gorm.DB, answers AnswerBook, policy config.GradingPolicy) *Resolver {
	r := &Resolver{db: db, answers: answers}
	r.SetPolicy(policy)
	return r
}

func (r *Resolver) SetPolicy(p config.GradingPolicy) {
	r.policy.Store(&p)
}

func (r *Resolver) Judge(text string) Verdict {
	return Judge(*r.policy.Load(), text)
}

const resolveAttempts = 3

// Resolve records the verdict for a finished grading stream. Earlier records for the
// same (user, question) are tombstoned in the same transaction. When the verdict is
// correct the user's latest answer record is marked correct as well.
func (r *Resolver) Resolve(ctx context.Context, in Input) (*Record, error) {
	v := r.Judge(in.ResponseText)
	key := activeKey(in.UserID, in.QuestionID)

	var rec *Record
	var err error
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		rec = &Record{
			UserID:     in.UserID,
			QuestionID: in.QuestionID,
			SessionID:  in.SessionID,
			UserAnswer: in.UserAnswer,
			AIResult:   in.ResponseText,
			IsCorrect:  v.Correct,
			Source:     v.Source,
			ActiveKey:  &key,
		}
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&Record{}).
				Where("user_id = ? AND question_id = ? AND deleted = ?", in.UserID, in.QuestionID, false).
				Updates(map[string]any{"deleted": true, "active_key": nil}).Error; err != nil {
				return err
			}
			return tx.Create(rec).Error
		})
		if err == nil {
			break
		}
		// A concurrent resolver for the same pair won the unique key; go again so
		// this newer result tombstones it.
		logger.WarnWithFields("grading resolve retry", logger.Fields{
			"user_id":     in.UserID,
			"question_id": in.QuestionID,
			"attempt":     attempt + 1,
			"error":       err.Error(),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("grading: save record: %w", err)
	}

	if v.Correct && r.answers != nil {
		if err := r.answers.MarkLatestCorrect(ctx, in.UserID, in.QuestionID); err != nil {
			return rec, fmt.Errorf("grading: update answer record: %w", err)
		}
	}
	return rec, nil
}

// History returns every grading record for the pair, newest first, tombstones included.
func (r *Resolver) History(ctx context.Context, userID, questionID uint64) ([]Record, error) {
	var out []Record
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND question_id = ?", userID, questionID).
		Order("id DESC").
		Find(&out).Error
	return out, err
}

// Latest returns the active record, or nil when the question was never graded.
func (r *Resolver) Latest(ctx context.Context, userID, questionID uint64) (*Record, error) {
	var rec Record
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND question_id = ? AND deleted = ?", userID, questionID, false).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
