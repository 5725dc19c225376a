package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) UpdateSession(ctx context.Context, userID uint64, sessionID string, fields map[string]any) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Updates(fields)
	return res.RowsAffected, res.Error
}

func (r *Repo) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Update("updated_at", at).Error
}

// ListVisibleSessions returns the user's non-hidden sessions, most recently active first.
func (r *Repo) ListVisibleSessions(ctx context.Context, userID uint64, limit int) ([]Session, error) {
	var out []Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND hidden = ?", userID, false).
		Order("updated_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *Repo) InsertTurn(ctx context.Context, t *Turn) error {
	return r.db.WithContext(ctx).Create(t).Error
}

// ListRecentTurnsDesc returns the most recent turns, newest first.
func (r *Repo) ListRecentTurnsDesc(ctx context.Context, userID uint64, sessionID string, limit int) ([]Turn, error) {
	var turns []Turn
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&turns).Error; err != nil {
		return nil, err
	}
	return turns, nil
}

// RecentSessionIDs returns session ids ordered by their newest turn, excluding hidden sessions.
func (r *Repo) RecentSessionIDs(ctx context.Context, userID uint64, limit int) ([]string, error) {
	hidden := r.db.Model(&Session{}).
		Select("session_id").
		Where("user_id = ? AND hidden = ?", userID, true)

	var ids []string
	err := r.db.WithContext(ctx).Model(&Turn{}).
		Where("user_id = ?", userID).
		Where("session_id NOT IN (?)", hidden).
		Group("session_id").
		Order("MAX(id) DESC").
		Limit(limit).
		Pluck("session_id", &ids).Error
	return ids, err
}

func (r *Repo) CountTurns(ctx context.Context, userID uint64, sessionID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Turn{}).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Count(&n).Error
	return n, err
}

func (r *Repo) LastTurn(ctx context.Context, userID uint64, sessionID string) (*Turn, error) {
	var t Turn
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("created_at DESC").
		Order("id DESC").
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Job CRUD
func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// ClaimJob moves a job to running and stamps claimed_at. A running job is taken
// over when takeover is set or its claim is older than staleAfter; otherwise it
// reports false because another worker holds it.
func (r *Repo) ClaimJob(ctx context.Context, id string, takeover bool, staleAfter time.Duration) (bool, error) {
	now := time.Now()
	q := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id)
	switch {
	case takeover:
		q = q.Where("status IN ?", []string{string(JobQueued), string(JobRunning)})
	case staleAfter > 0:
		q = q.Where("(status = ? OR (status = ? AND claimed_at < ?))", JobQueued, JobRunning, now.Add(-staleAfter))
	default:
		q = q.Where("status = ?", JobQueued)
	}
	res := q.Updates(map[string]any{"status": JobRunning, "claimed_at": now})
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, turnID uint64, isCorrect *bool) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         JobSucceeded,
			"result_turn_id": turnID,
			"is_correct":     isCorrect,
			"error":          nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         JobFailed,
			"error":          errMsg,
			"result_turn_id": nil,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (user_id, idempotency_key) already exists,
// it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
