package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/pkg/models"
	"github.com/robfig/cron/v3"
)

// StaleJobMessage is recorded on jobs the reaper fails. It is distinct from any
// backend error so operators can tell a dead worker from a failed model.
const StaleJobMessage = "job timed out (worker restart or connection lost)"

const sweepTimeout = 30 * time.Second

// ReaperStore is the subset of store.Store the reaper needs.
type ReaperStore interface {
	ReapStaleJobs(ctx context.Context, before time.Time, message string) ([]store.ReapedJob, error)
}

// Reaper fails pending or streaming jobs whose heartbeat is older than
// staleAfter. It runs independently of the Worker and only touches jobs the
// Worker has stopped updating.
type Reaper struct {
	store      ReaperStore
	publisher  UpdatePublisher
	staleAfter time.Duration
	options

	mu   sync.Mutex
	cron *cron.Cron
}

func NewReaper(st ReaperStore, publisher UpdatePublisher, staleAfter time.Duration, opts ...Option) *Reaper {
	return &Reaper{
		store:      st,
		publisher:  publisher,
		staleAfter: staleAfter,
		options:    buildOptions(opts),
	}
}

// Sweep fails every stale job once and returns how many it finalized.
// Running it again immediately finds nothing. The staleness check and the
// transition are a single store operation, so a job the Worker claims or
// heartbeats while the sweep runs is never failed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleAfter)
	reaped, err := r.store.ReapStaleJobs(ctx, cutoff, StaleJobMessage)
	if err != nil {
		return 0, fmt.Errorf("reap stale jobs: %w", err)
	}

	for _, j := range reaped {
		r.metrics.reaped()
		r.metrics.JobFinalized(models.JobStatusError)
		if err := r.publisher.PublishJobUpdate(ctx, j.ID, models.JobStatusError); err != nil {
			r.logger.Debug("publish job update failed", "job_id", j.ID, "error", err)
		}
		r.logger.Warn("reaped stale job",
			"job_id", j.ID,
			"previous_status", j.PreviousStatus,
			"last_update_at", j.LastUpdateAt)
	}

	return len(reaped), nil
}

// Start runs Sweep on the given cron schedule (e.g. "@every 1m").
// Overlapping sweeps are skipped.
func (r *Reaper) Start(schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("reaper already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, r.tick); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}
	c.Start()
	r.cron = c

	r.logger.Info("reaper started", "schedule", schedule, "stale_after", r.staleAfter)
	return nil
}

// Stop halts the schedule and waits for a running sweep. Safe to call more
// than once, or without Start.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	n, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("reaper sweep failed", "reaped", n, "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("reaper sweep complete", "reaped", n)
	}
}
