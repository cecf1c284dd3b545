// Package maintenance runs the periodic vacuum of long-expired unassigned
// external-token rows (spec.md §4.1 storage hygiene), on the same
// cron-scheduled-job shape the teacher uses for its materialized view
// refresh.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Vacuumer is the store dependency this package needs.
type Vacuumer interface {
	VacuumExpiredExternalTokens(ctx context.Context, cutoff int64) (int64, error)
}

// StartCronJobs registers the external-token vacuum on schedule and starts
// the scheduler. The returned *cron.Cron must be stopped on shutdown.
func StartCronJobs(st Vacuumer, schedule string, maxAge time.Duration) (*cron.Cron, error) {
	c := cron.New()

	_, err := c.AddFunc(schedule, func() {
		slog.Info("external token vacuum started", "component", "maintenance")

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		cutoff := time.Now().Add(-maxAge).Unix()
		n, err := st.VacuumExpiredExternalTokens(ctx, cutoff)
		if err != nil {
			slog.Error("external token vacuum failed", "component", "maintenance", "error", err)
			return
		}
		slog.Info("external token vacuum done", "component", "maintenance", "rows_removed", n)
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	slog.Info("cron scheduler started", "component", "maintenance", "schedule", schedule)
	return c, nil
}
