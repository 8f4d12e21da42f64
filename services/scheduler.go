// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

const (
	DefaultCompletedRetention = 24 * time.Hour
	pruneEvery                = 10 * time.Minute
)

// StartMaintenanceScheduler prunes recently-completed entries older than retention.
// The caller owns the returned scheduler and should Shutdown it on exit.
func StartMaintenanceScheduler(store LedgerStore, retention time.Duration) (gocron.Scheduler, error) {
	if retention <= 0 {
		retention = DefaultCompletedRetention
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(pruneEvery),
		gocron.NewTask(func() {
			pruneCompleted(context.Background(), store, time.Now().Add(-retention))
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}

	sched.Start()
	return sched, nil
}

func pruneCompleted(ctx context.Context, store LedgerStore, before time.Time) int64 {
	n, err := store.PruneCompleted(ctx, before)
	if err != nil {
		log.Printf("[Scheduler] Failed to prune completed requests: %v", err)
		return 0
	}
	if n > 0 {
		log.Printf("🧹 [Scheduler] Pruned %d completed request(s) older than %s", n, before.Format(time.RFC3339))
	}
	return n
}
