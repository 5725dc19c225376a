package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/ai"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/config"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/db/dbtest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestLedger(t *testing.T) (*Ledger, *fakeClock) {
	t.Helper()
	db := dbtest.Open(t, &Record{})
	clock := &fakeClock{t: time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)}
	l := NewLedger(db, config.DefaultPolicy().Tiers)
	l.now = clock.Now
	return l, clock
}

func TestHasQuota_CreatesDefaultRow(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	ok, err := l.HasQuota(ctx, 42, ai.FeatureChat)
	if err != nil {
		t.Fatalf("has quota: %v", err)
	}
	if !ok {
		t.Fatalf("new user should have quota")
	}

	rec, err := l.Snapshot(ctx, 42)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if rec.DailyLimit != 10 || rec.MonthlyLimit != 100 || rec.Tier != 0 {
		t.Fatalf("unexpected defaults: %+v", rec)
	}
	if rec.LastResetDate != "2026-03-14" {
		t.Fatalf("unexpected reset date: %s", rec.LastResetDate)
	}
}

func TestTryConsume_StopsAtDailyLimit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := l.TryConsume(ctx, 1, ai.FeatureChat, 1)
		if err != nil || !ok {
			t.Fatalf("consume %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := l.TryConsume(ctx, 1, ai.FeatureChat, 1)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if ok {
		t.Fatalf("11th consume must fail")
	}
	has, _ := l.HasQuota(ctx, 1, ai.FeatureAnalyze)
	if has {
		t.Fatalf("exhausted user must not have quota")
	}
	rem, _ := l.RemainingDaily(ctx, 1, ai.FeatureChat)
	if rem != 0 {
		t.Fatalf("remaining = %d", rem)
	}
}

func TestTryConsume_AmountBelowOneCountsAsOne(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if ok, err := l.TryConsume(ctx, 1, ai.FeatureChat, 0); err != nil || !ok {
		t.Fatalf("consume: ok=%v err=%v", ok, err)
	}
	rec, _ := l.Snapshot(ctx, 1)
	if rec.DailyUsed != 1 || rec.MonthlyUsed != 1 {
		t.Fatalf("expected 1/1, got %d/%d", rec.DailyUsed, rec.MonthlyUsed)
	}
}

func TestTryConsume_AmountThatWouldOvershootIsRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if ok, _ := l.TryConsume(ctx, 1, ai.FeatureChat, 8); !ok {
		t.Fatalf("first consume should succeed")
	}
	if ok, _ := l.TryConsume(ctx, 1, ai.FeatureChat, 3); ok {
		t.Fatalf("consume past the limit should fail")
	}
	rec, _ := l.Snapshot(ctx, 1)
	if rec.DailyUsed != 8 {
		t.Fatalf("failed consume must not change counters, got %d", rec.DailyUsed)
	}
}

func TestTryConsume_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TryConsume(ctx, 9, ai.FeatureChat, 1)
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 10 {
		t.Fatalf("expected exactly 10 grants, got %d", granted.Load())
	}
	rec, _ := l.Snapshot(ctx, 9)
	if rec.DailyUsed != 10 || rec.MonthlyUsed != 10 {
		t.Fatalf("counters = %d/%d", rec.DailyUsed, rec.MonthlyUsed)
	}
}

func TestRollover_ResetsDailyButNotMonthly(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if ok, _ := l.TryConsume(ctx, 3, ai.FeatureChat, 1); !ok {
			t.Fatalf("consume %d failed", i)
		}
	}
	clock.Set(clock.Now().Add(24 * time.Hour))

	ok, err := l.HasQuota(ctx, 3, ai.FeatureChat)
	if err != nil || !ok {
		t.Fatalf("next day should have quota: ok=%v err=%v", ok, err)
	}
	rec, _ := l.Snapshot(ctx, 3)
	if rec.DailyUsed != 0 || rec.MonthlyUsed != 10 || rec.LastResetDate != "2026-03-15" {
		t.Fatalf("unexpected after rollover: %+v", rec)
	}
}

func TestRollover_CatchesUpMissedMonthStart(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Snapshot(ctx, 4); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := l.db.Model(&Record{}).Where("user_id = ?", 4).
		Updates(map[string]any{"monthly_used": 100, "daily_used": 4}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if ok, _ := l.HasQuota(ctx, 4, ai.FeatureChat); ok {
		t.Fatalf("monthly exhaustion must block")
	}

	// no scheduler ran over the month boundary
	clock.Set(time.Date(2026, 4, 3, 9, 0, 0, 0, time.Local))
	ok, err := l.TryConsume(ctx, 4, ai.FeatureChat, 1)
	if err != nil || !ok {
		t.Fatalf("new month should have quota: ok=%v err=%v", ok, err)
	}
	rec, _ := l.Snapshot(ctx, 4)
	if rec.MonthlyUsed != 1 || rec.DailyUsed != 1 || rec.LastMonthlyReset != "2026-04" || rec.LastResetDate != "2026-04-03" {
		t.Fatalf("unexpected after month rollover: %+v", rec)
	}

	clock.Set(time.Date(2026, 4, 20, 9, 0, 0, 0, time.Local))
	rec, _ = l.Snapshot(ctx, 4)
	if rec.MonthlyUsed != 1 || rec.DailyUsed != 0 {
		t.Fatalf("same month must keep the monthly counter: %+v", rec)
	}
}

func TestScheduler_RunResetsMonthlyAtMonthStart(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if ok, _ := l.TryConsume(ctx, 8, ai.FeatureChat, 5); !ok {
		t.Fatalf("seed consume failed")
	}
	s := NewScheduler(l)
	s.now = func() time.Time { return time.Date(2026, 3, 31, 23, 59, 59, 980_000_000, time.Local) }

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		var rec Record
		if err := l.db.Where("user_id = ?", 8).First(&rec).Error; err != nil {
			t.Fatalf("load: %v", err)
		}
		if rec.MonthlyUsed == 0 {
			if rec.DailyUsed != 5 {
				t.Fatalf("monthly reset must not touch the daily counter: %+v", rec)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("monthly counter never reset: %+v", rec)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestMonthlyLimitBlocksEvenWithDailyLeft(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Snapshot(ctx, 5); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := l.db.Model(&Record{}).Where("user_id = ?", 5).Update("monthly_used", 100).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if ok, _ := l.HasQuota(ctx, 5, ai.FeatureChat); ok {
		t.Fatalf("monthly exhaustion must block")
	}
	if ok, _ := l.TryConsume(ctx, 5, ai.FeatureChat, 1); ok {
		t.Fatalf("monthly exhaustion must block consume")
	}
}

func TestSetLimits_AppliesTierAndClamps(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	rec, err := l.SetLimits(ctx, 11, 2)
	if err != nil {
		t.Fatalf("set limits: %v", err)
	}
	if rec.Tier != 2 || rec.DailyLimit != 200 || rec.MonthlyLimit != 5000 {
		t.Fatalf("unexpected: %+v", rec)
	}
	for i := 0; i < 30; i++ {
		if ok, _ := l.TryConsume(ctx, 11, ai.FeatureChat, 1); !ok {
			t.Fatalf("consume %d failed", i)
		}
	}

	rec, err = l.SetLimits(ctx, 11, 0)
	if err != nil {
		t.Fatalf("downgrade: %v", err)
	}
	if rec.DailyUsed != 10 || rec.DailyLimit != 10 {
		t.Fatalf("expected clamp to 10/10, got %d/%d", rec.DailyUsed, rec.DailyLimit)
	}

	_, err = l.SetLimits(ctx, 11, 99)
	if !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
}

func TestSetLimitsBulk(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	n, err := l.SetLimitsBulk(ctx, []uint64{1, 2, 3}, 1)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if n != 3 {
		t.Fatalf("affected = %d", n)
	}
	rec, _ := l.Snapshot(ctx, 2)
	if rec.DailyLimit != 50 {
		t.Fatalf("daily limit = %d", rec.DailyLimit)
	}
}

func TestSetTiers_HotReload(t *testing.T) {
	l, _ := newTestLedger(t)
	l.SetTiers(map[int]config.TierLimits{7: {Daily: 3, Monthly: 4}})

	if _, err := l.TierLimits(7); err != nil {
		t.Fatalf("tier 7: %v", err)
	}
	lim, err := l.TierLimits(0)
	if err != nil || lim != config.DefaultTier {
		t.Fatalf("tier 0 must always exist: %v %+v", err, lim)
	}
	if _, err := l.TierLimits(1); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("tier 1 should be gone")
	}
}

func TestResetsAndStats(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for _, uid := range []uint64{1, 2} {
		for i := 0; i < 3; i++ {
			l.TryConsume(ctx, uid, ai.FeatureChat, 1)
		}
	}
	if _, err := l.SetLimits(ctx, 2, 1); err != nil {
		t.Fatalf("set limits: %v", err)
	}

	s, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.TotalUsers != 2 || s.MemberUsers != 1 || s.ActiveToday != 2 || s.UsedToday != 6 || s.UsedMonth != 6 {
		t.Fatalf("unexpected stats: %+v", s)
	}

	ok, err := l.ResetDaily(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("reset daily: ok=%v err=%v", ok, err)
	}
	if ok, _ := l.ResetDaily(ctx, 404); ok {
		t.Fatalf("unknown user reset should report false")
	}
	if n, err := l.ResetAllMonthly(ctx); err != nil || n != 2 {
		t.Fatalf("reset monthly: n=%d err=%v", n, err)
	}

	rec, _ := l.Snapshot(ctx, 1)
	if rec.DailyUsed != 0 || rec.MonthlyUsed != 0 {
		t.Fatalf("unexpected after resets: %+v", rec)
	}
	rec, _ = l.Snapshot(ctx, 2)
	if rec.DailyUsed != 3 || rec.MonthlyUsed != 0 {
		t.Fatalf("unexpected after resets: %+v", rec)
	}
}

func TestLedgerFailsClosedWhenStoreIsDown(t *testing.T) {
	l, _ := newTestLedger(t)
	sqlDB, err := l.db.DB()
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	_ = sqlDB.Close()

	ok, err := l.HasQuota(context.Background(), 1, ai.FeatureChat)
	if ok {
		t.Fatalf("must fail closed")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	ok, err = l.TryConsume(context.Background(), 1, ai.FeatureChat, 1)
	if ok || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("consume must fail closed: ok=%v err=%v", ok, err)
	}
}

func TestNextMonthStart(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	got := nextMonthStart(time.Date(2026, 12, 31, 23, 59, 0, 0, loc))
	want := time.Date(2027, 1, 1, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	got = nextMonthStart(time.Date(2026, 1, 31, 8, 0, 0, 0, loc))
	if got.Month() != time.February || got.Day() != 1 {
		t.Fatalf("got %v", got)
	}
}
