// Package refresh drives jobexec's periodic state poll (spec §4.5, §5):
// a ticker that calls RefreshAll once per tick and waits for it to
// return before the next tick can fire, so ticks never overlap.
//
// Grounded on
// original_source/app/src/background_service/{interval_runner,refresh_jobs}.rs
// and infrastructure/src/sync/timer.rs's tick-then-await-f loop.
package refresh

import (
	"context"
	"time"

	"github.com/kuintessence/agentd/internal/log"
)

// Refresher is the narrow surface refresh needs from jobexec.Executor.
type Refresher interface {
	RefreshAll(ctx context.Context)
}

// Runner ticks Refresher.RefreshAll on a fixed interval.
type Runner struct {
	Jobs     Refresher
	Interval time.Duration
}

func New(jobs Refresher, interval time.Duration) *Runner {
	return &Runner{Jobs: jobs, Interval: interval}
}

// Run blocks until ctx is cancelled, calling RefreshAll once per tick.
// A tick that is still running when the next one would fire simply
// delays that next call, since Go's time.Ticker drops ticks rather than
// queuing them: there is no separate "skip if busy" check to write.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Jobs.RefreshAll(ctx)
		}
	}
}
