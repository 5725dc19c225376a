package chat

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool { return r == RoleUser || r == RoleAssistant }

// DefaultTitle is used when a session is created without one.
const DefaultTitle = "新对话"

type Session struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"sessionId"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Title     string    `gorm:"type:varchar(128);not null" json:"title"`
	Hidden    bool      `gorm:"not null;index" json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Session) TableName() string { return "ai_chat_session" }

// Turn is one persisted message of a conversation. Turns are never updated.
type Turn struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     uint64    `gorm:"not null;index:idx_turn_user_session_time,priority:1" json:"-"`
	SessionID  string    `gorm:"type:varchar(128);not null;index:idx_turn_user_session_time,priority:2" json:"sessionId"`
	Role       Role      `gorm:"type:varchar(16);not null" json:"role"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	QuestionID *uint64   `gorm:"index" json:"questionId,omitempty"`
	CreatedAt  time.Time `gorm:"index:idx_turn_user_session_time,priority:3" json:"createdAt"`
}

func (Turn) TableName() string { return "ai_chat_record" }

// SessionSummary is a session list entry.
type SessionSummary struct {
	SessionID    string    `json:"sessionId"`
	Title        string    `json:"title"`
	Preview      string    `json:"preview"`
	MessageCount int64     `json:"messageCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
