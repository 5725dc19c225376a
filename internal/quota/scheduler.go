package quota

import (
	"context"
	"time"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
)

// Scheduler zeroes monthly counters at local midnight on the 1st of each month.
// Both counters also roll over lazily on first access, which covers a month
// start the process was not running for.
type Scheduler struct {
	ledger *Ledger
	now    func() time.Time
}

func NewScheduler(l *Ledger) *Scheduler {
	return &Scheduler{ledger: l, now: time.Now}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := nextMonthStart(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		n, err := s.ledger.ResetAllMonthly(ctx)
		if err != nil {
			logger.ErrorWithFields("monthly quota reset failed", logger.Fields{"error": err.Error()})
			continue
		}
		logger.InfoWithFields("monthly quota reset", logger.Fields{"users": n, "month": next.Format("2006-01")})
	}
}

func nextMonthStart(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, t.Location())
}
