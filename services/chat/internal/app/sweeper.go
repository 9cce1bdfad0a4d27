package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const sweepTimeout = time.Minute

// SweepStaleLiveness clears the live flag of threads whose stream started
// more than StaleLiveAfter ago, is not running in this process and has no
// active publisher. It returns the number of threads cleared.
func (a *App) SweepStaleLiveness(ctx context.Context) (int, error) {
	cutoff := a.now().Add(-a.staleLiveAfter)
	threads, err := a.store.ListLiveThreadsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list live threads: %w", err)
	}
	cleared := 0
	for _, thread := range threads {
		if a.generating(thread.ID) {
			continue
		}
		if a.broker != nil && thread.CurrentStreamID != "" {
			active, err := a.broker.IsActive(ctx, thread.CurrentStreamID)
			if err != nil {
				a.logger.Warn("sweep: broker state unavailable", "thread_id", thread.ID, "err", err)
				continue
			}
			if active {
				continue
			}
		}
		ok, err := a.store.ClearLive(ctx, thread.ID, thread.CurrentStreamID)
		if err != nil {
			a.logger.Warn("sweep: clear liveness failed", "thread_id", thread.ID, "err", err)
			continue
		}
		if ok {
			cleared++
		}
	}
	if cleared > 0 {
		a.logger.Info("stale liveness cleared", "threads", cleared, "cutoff", cutoff)
	}
	return cleared, nil
}

// StartSweeper runs SweepStaleLiveness on the cron spec (standard five-field
// or descriptor such as "@every 5m"). The returned stop function waits for a
// running sweep to finish.
func (a *App) StartSweeper(spec string) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := a.SweepStaleLiveness(ctx); err != nil {
			a.logger.Warn("liveness sweep failed", "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule liveness sweep %q: %w", spec, err)
	}
	c.Start()
	return func() {
		<-c.Stop().Done()
	}, nil
}
