package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/euglena-ai/euglena/pkg/taskstore"
)

// Janitor periodically fails task records whose worker stopped reporting.
// The broker redelivers the unacked envelope on its own when the worker's
// connection dies; the janitor only repairs records stuck by a crash after
// the claim was written.
type Janitor struct {
	store     *taskstore.Store
	interval  time.Duration
	threshold time.Duration
	log       *slog.Logger
}

// NewJanitor creates an orphan scanner over the task store.
func NewJanitor(store *taskstore.Store, interval, threshold time.Duration) *Janitor {
	return &Janitor{
		store:     store,
		interval:  interval,
		threshold: threshold,
		log:       slog.With("component", "janitor"),
	}
}

// Run scans until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.scan(ctx)
		}
	}
}

func (j *Janitor) scan(ctx context.Context) {
	cutoff := time.Now().Add(-j.threshold)
	orphans, err := j.store.Orphans(ctx, cutoff)
	if err != nil {
		j.log.Error("Orphan scan failed", "error", err)
		return
	}
	for _, t := range orphans {
		failed, err := j.store.FailOrphan(ctx, t.CorrelationID, "worker stopped reporting")
		if err != nil {
			j.log.Error("Failing orphan failed", "correlation_id", t.CorrelationID, "error", err)
			continue
		}
		if failed {
			j.log.Warn("Orphaned task failed",
				"correlation_id", t.CorrelationID,
				"worker_id", t.WorkerID,
				"last_update", t.UpdatedAt)
		}
	}
}
