package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an AI request queued for the worker instead of being streamed live.
type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"jobId"` // ULID length

	UserID    uint64 `gorm:"not null;index:uniq_job_user_idempo,unique,priority:1" json:"-"`
	SessionID string `gorm:"type:varchar(128);index;not null" json:"sessionId"`
	Feature   string `gorm:"type:varchar(16);not null" json:"feature"`

	Prompt     string  `gorm:"type:text;not null" json:"-"`
	QuestionID *uint64 `json:"questionId,omitempty"`
	UserAnswer string  `gorm:"type:text" json:"-"`
	ModelID    *uint64 `json:"modelId,omitempty"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_job_user_idempo,unique,priority:2" json:"-"`

	Status    JobStatus  `gorm:"type:varchar(16);index;not null" json:"status"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`

	// Filled when succeeded
	ResultTurnID *uint64 `gorm:"index" json:"resultTurnId,omitempty"`
	IsCorrect    *bool   `json:"isCorrect,omitempty"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Job) TableName() string { return "ai_jobs" }
