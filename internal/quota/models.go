package quota

import "time"

// Record is the per-user quota row. LastResetDate is the local calendar day
// (YYYY-MM-DD) that DailyUsed belongs to; LastMonthlyReset is the month (YYYY-MM)
// that MonthlyUsed belongs to.
type Record struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID           uint64    `gorm:"uniqueIndex;not null" json:"userId"`
	Tier             int       `gorm:"not null" json:"tier"`
	DailyLimit       int       `gorm:"not null" json:"dailyLimit"`
	MonthlyLimit     int       `gorm:"not null" json:"monthlyLimit"`
	DailyUsed        int       `gorm:"not null" json:"dailyUsed"`
	MonthlyUsed      int       `gorm:"not null" json:"monthlyUsed"`
	LastResetDate    string    `gorm:"type:varchar(10);not null" json:"lastResetDate"`
	LastMonthlyReset string    `gorm:"type:varchar(7);not null;default:''" json:"lastMonthlyReset"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (Record) TableName() string { return "user_ai_quota" }

func (r Record) RemainingDaily() int {
	return max(0, r.DailyLimit-r.DailyUsed)
}

func (r Record) RemainingMonthly() int {
	return max(0, r.MonthlyLimit-r.MonthlyUsed)
}

func (r Record) Available() bool {
	return r.DailyUsed < r.DailyLimit && r.MonthlyUsed < r.MonthlyLimit
}

// Stats summarises the ledger for the admin dashboard.
type Stats struct {
	TotalUsers  int64 `json:"totalUsers"`
	MemberUsers int64 `json:"memberUsers"`
	ActiveToday int64 `json:"activeToday"`
	UsedToday   int64 `json:"usedToday"`
	UsedMonth   int64 `json:"usedMonth"`
}
