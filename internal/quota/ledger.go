package quota

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/ai"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/config"
)

var (
	// ErrUnavailable wraps every storage failure. Callers must treat it as "no quota".
	ErrUnavailable = errors.New("quota: ledger unavailable")
	ErrUnknownTier = errors.New("quota: unknown tier")
)

const (
	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
)

// Ledger tracks per-user daily and monthly AI call counters. All features share
// one pair of counters; the feature is accepted for logging and future splits.
type Ledger struct {
	db    *gorm.DB
	tiers atomic.Pointer[map[int]config.TierLimits]
	now   func() time.Time
}

func NewLedger(db *gorm.DB, tiers map[int]config.TierLimits) *Ledger {
	l := &Ledger{db: db, now: time.Now}
	l.SetTiers(tiers)
	return l
}

// SetTiers replaces the tier table. Existing rows keep their limits until SetLimits runs.
func (l *Ledger) SetTiers(tiers map[int]config.TierLimits) {
	cp := make(map[int]config.TierLimits, len(tiers)+1)
	for k, v := range tiers {
		cp[k] = v
	}
	if _, ok := cp[0]; !ok {
		cp[0] = config.DefaultTier
	}
	l.tiers.Store(&cp)
}

func (l *Ledger) TierLimits(tier int) (config.TierLimits, error) {
	lim, ok := (*l.tiers.Load())[tier]
	if !ok {
		return config.TierLimits{}, fmt.Errorf("%w: %d", ErrUnknownTier, tier)
	}
	return lim, nil
}

func (l *Ledger) today() string {
	return l.now().Format(dateLayout)
}

func (l *Ledger) month() string {
	return l.now().Format(monthLayout)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Snapshot returns the user's row after lazy creation and day/month rollover.
func (l *Ledger) Snapshot(ctx context.Context, userID uint64) (*Record, error) {
	today := l.today()
	if err := l.rollover(ctx, userID, today); err != nil {
		return nil, unavailable(err)
	}

	var rec Record
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := l.ensure(ctx, l.db, userID, today); err != nil {
			return nil, unavailable(err)
		}
		// A concurrent creator may have written a row dated yesterday.
		if err := l.rollover(ctx, userID, today); err != nil {
			return nil, unavailable(err)
		}
		err = l.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &rec, nil
}

func (l *Ledger) ensure(ctx context.Context, tx *gorm.DB, userID uint64, today string) error {
	lim, err := l.TierLimits(0)
	if err != nil {
		lim = config.DefaultTier
	}
	rec := Record{
		UserID:           userID,
		Tier:             0,
		DailyLimit:       lim.Daily,
		MonthlyLimit:     lim.Monthly,
		LastResetDate:    today,
		LastMonthlyReset: today[:len(monthLayout)],
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
}

// rollover zeroes the daily counter once per calendar day and the monthly
// counter once per month, so a month start missed by the Scheduler is still
// honoured. The guards on the stored dates make concurrent rollovers collapse
// into one.
func (l *Ledger) rollover(ctx context.Context, userID uint64, today string) error {
	month := today[:len(monthLayout)]
	err := l.db.WithContext(ctx).Model(&Record{}).
		Where("user_id = ? AND last_monthly_reset <> ?", userID, month).
		Updates(map[string]any{"monthly_used": 0, "last_monthly_reset": month}).Error
	if err != nil {
		return err
	}
	return l.db.WithContext(ctx).Model(&Record{}).
		Where("user_id = ? AND last_reset_date <> ?", userID, today).
		Updates(map[string]any{"daily_used": 0, "last_reset_date": today}).Error
}

// HasQuota reports whether one more call would stay within both limits.
// Storage failures return (false, ErrUnavailable).
func (l *Ledger) HasQuota(ctx context.Context, userID uint64, feature ai.Feature) (bool, error) {
	rec, err := l.Snapshot(ctx, userID)
	if err != nil {
		return false, err
	}
	return rec.Available(), nil
}

// TryConsume atomically adds amount (minimum 1) to both counters when doing so
// keeps them within their limits. It returns false without side effects otherwise.
func (l *Ledger) TryConsume(ctx context.Context, userID uint64, feature ai.Feature, amount int) (bool, error) {
	if amount < 1 {
		amount = 1
	}
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := l.Snapshot(ctx, userID)
		if err != nil {
			return false, err
		}
		if !rec.Available() {
			return false, nil
		}

		today := rec.LastResetDate
		res := l.db.WithContext(ctx).Model(&Record{}).
			Where("user_id = ? AND last_reset_date = ?", userID, today).
			Where("daily_used + ? <= daily_limit AND monthly_used + ? <= monthly_limit", amount, amount).
			Updates(map[string]any{
				"daily_used":   gorm.Expr("daily_used + ?", amount),
				"monthly_used": gorm.Expr("monthly_used + ?", amount),
			})
		if res.Error != nil {
			return false, unavailable(res.Error)
		}
		if res.RowsAffected == 1 {
			return true, nil
		}
		// Either the limit was reached concurrently, or the day rolled over
		// between the snapshot and the update. Only the latter is retried.
		if l.today() == today {
			return false, nil
		}
	}
	return false, nil
}

func (l *Ledger) RemainingDaily(ctx context.Context, userID uint64, feature ai.Feature) (int, error) {
	rec, err := l.Snapshot(ctx, userID)
	if err != nil {
		return 0, err
	}
	return rec.RemainingDaily(), nil
}

// SetLimits moves a user onto a tier. Counters above the new limits are clamped.
func (l *Ledger) SetLimits(ctx context.Context, userID uint64, tier int) (*Record, error) {
	if _, err := l.SetLimitsBulk(ctx, []uint64{userID}, tier); err != nil {
		return nil, err
	}
	return l.Snapshot(ctx, userID)
}

// SetLimitsBulk applies a tier to many users in one transaction.
func (l *Ledger) SetLimitsBulk(ctx context.Context, userIDs []uint64, tier int) (int64, error) {
	lim, err := l.TierLimits(tier)
	if err != nil {
		return 0, err
	}
	if len(userIDs) == 0 {
		return 0, nil
	}
	today := l.today()

	var affected int64
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range userIDs {
			if err := l.ensure(ctx, tx, id, today); err != nil {
				return err
			}
		}
		res := tx.Model(&Record{}).
			Where("user_id IN ?", userIDs).
			Updates(map[string]any{
				"tier":          tier,
				"daily_limit":   lim.Daily,
				"monthly_limit": lim.Monthly,
				"daily_used":    gorm.Expr("CASE WHEN daily_used > ? THEN ? ELSE daily_used END", lim.Daily, lim.Daily),
				"monthly_used":  gorm.Expr("CASE WHEN monthly_used > ? THEN ? ELSE monthly_used END", lim.Monthly, lim.Monthly),
			})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return affected, nil
}

// ResetDaily zeroes one user's daily counter. It reports false when the user has no row.
func (l *Ledger) ResetDaily(ctx context.Context, userID uint64) (bool, error) {
	res := l.db.WithContext(ctx).Model(&Record{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"daily_used": 0, "last_reset_date": l.today()})
	if res.Error != nil {
		return false, unavailable(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (l *Ledger) ResetAllDaily(ctx context.Context) (int64, error) {
	res := l.db.WithContext(ctx).Model(&Record{}).
		Where("1 = 1").
		Updates(map[string]any{"daily_used": 0, "last_reset_date": l.today()})
	if res.Error != nil {
		return 0, unavailable(res.Error)
	}
	return res.RowsAffected, nil
}

func (l *Ledger) ResetMonthly(ctx context.Context, userID uint64) (bool, error) {
	res := l.db.WithContext(ctx).Model(&Record{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"monthly_used": 0, "last_monthly_reset": l.month()})
	if res.Error != nil {
		return false, unavailable(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (l *Ledger) ResetAllMonthly(ctx context.Context) (int64, error) {
	res := l.db.WithContext(ctx).Model(&Record{}).
		Where("1 = 1").
		Updates(map[string]any{"monthly_used": 0, "last_monthly_reset": l.month()})
	if res.Error != nil {
		return 0, unavailable(res.Error)
	}
	return res.RowsAffected, nil
}

func (l *Ledger) records(ctx context.Context) *gorm.DB {
	return l.db.WithContext(ctx).Model(&Record{})
}

func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	today := l.today()

	if err := l.records(ctx).Count(&s.TotalUsers).Error; err != nil {
		return s, unavailable(err)
	}
	if err := l.records(ctx).Where("tier > 0").Count(&s.MemberUsers).Error; err != nil {
		return s, unavailable(err)
	}
	if err := l.records(ctx).Where("last_reset_date = ? AND daily_used > 0", today).Count(&s.ActiveToday).Error; err != nil {
		return s, unavailable(err)
	}
	if err := l.records(ctx).Where("last_reset_date = ?", today).
		Select("COALESCE(SUM(daily_used), 0)").Scan(&s.UsedToday).Error; err != nil {
		return s, unavailable(err)
	}
	if err := l.records(ctx).Where("last_monthly_reset = ?", l.month()).
		Select("COALESCE(SUM(monthly_used), 0)").Scan(&s.UsedMonth).Error; err != nil {
		return s, unavailable(err)
	}
	return s, nil
}
