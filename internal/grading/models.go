package grading

import (
	"fmt"
	"time"
)

// Record is one grading outcome. At most one record per (user, question) is
// active; ActiveKey is set only on that record so the unique index enforces it.
type Record struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     uint64    `gorm:"not null;index:idx_grading_user_question,priority:1" json:"userId"`
	QuestionID uint64    `gorm:"not null;index:idx_grading_user_question,priority:2" json:"questionId"`
	SessionID  string    `gorm:"type:varchar(128)" json:"sessionId"`
	UserAnswer string    `gorm:"type:text" json:"userAnswer"`
	AIResult   string    `gorm:"type:text" json:"aiResult"`
	IsCorrect  bool      `gorm:"not null" json:"isCorrect"`
	Source     string    `gorm:"type:varchar(16)" json:"source"`
	Deleted    bool      `gorm:"not null;index" json:"deleted"`
	ActiveKey  *string   `gorm:"type:varchar(64);uniqueIndex" json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (Record) TableName() string { return "ai_grading_record" }

func activeKey(userID, questionID uint64) string {
	return fmt.Sprintf("%d:%d", userID, questionID)
}

// AnswerRecord is the question bank's row for a submitted answer.
type AnswerRecord struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	UserID     uint64    `gorm:"not null;index:idx_answer_user_question,priority:1"`
	QuestionID uint64    `gorm:"not null;index:idx_answer_user_question,priority:2"`
	UserAnswer string    `gorm:"type:text"`
	IsCorrect  int       `gorm:"not null"`
	Score      int       `gorm:"not null"`
	CreateTime time.Time `gorm:"column:create_time;autoCreateTime"`
}

func (AnswerRecord) TableName() string { return "answer_record" }
