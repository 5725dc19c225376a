// Package usage keeps the append-only log of AI calls.
package usage

import (
	"context"
	"strings"
	"time"
	"unicode"

	"gorm.io/gorm"
)

type Entry struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID           uint64    `gorm:"not null;index:idx_usage_user_time,priority:1" json:"userId"`
	Feature          string    `gorm:"type:varchar(16);not null;index" json:"feature"`
	SessionID        string    `gorm:"type:varchar(128);index" json:"sessionId"`
	ModelID          *uint64   `json:"modelId,omitempty"`
	ModelCode        string    `gorm:"type:varchar(128)" json:"modelCode"`
	PromptTokens     int       `gorm:"not null" json:"promptTokens"`
	CompletionTokens int       `gorm:"not null" json:"completionTokens"`
	TokensEstimated  int       `gorm:"not null" json:"tokensEstimated"`
	Succeeded        bool      `gorm:"not null" json:"succeeded"`
	ErrorMessage     *string   `gorm:"type:text" json:"errorMessage,omitempty"`
	DurationMillis   int64     `gorm:"not null" json:"durationMillis"`
	CreatedAt        time.Time `gorm:"index:idx_usage_user_time,priority:2" json:"createdAt"`
}

func (Entry) TableName() string { return "ai_usage_log" }

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Record inserts e. Entries are never updated afterwards.
func (r *Repo) Record(ctx context.Context, e *Entry) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *Repo) ListByUser(ctx context.Context, userID uint64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []Entry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// EstimateTokens approximates token count: CJK ideographs weigh 1.5 each,
// everything else counts one per whitespace-separated word.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjk int
	rest := strings.Map(func(r rune) rune {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
			return ' '
		}
		return r
	}, text)

	words := len(strings.FieldsFunc(rest, unicode.IsSpace))
	return int(float64(cjk)*1.5) + words
}
