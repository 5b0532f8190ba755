package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	// finalizeTimeout bounds the writes made after the worker context is gone.
	finalizeTimeout = 5 * time.Second

	ShutdownMessage = "worker shutting down"
)

// errCancelRequested stops a generation when the job's cancellation flag is seen.
var errCancelRequested = errors.New("cancellation requested")

// JobStore is the subset of store.Store the worker needs.
type JobStore interface {
	ListPendingJobs(ctx context.Context) ([]*models.Job, error)
	ClaimJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	AppendJobProgress(ctx context.Context, id uuid.UUID, content, thinking string) error
	FinalizeJob(ctx context.Context, id uuid.UUID, outcome models.Outcome) (bool, error)
	CreateModelSwitchEvent(ctx context.Context, event *models.ModelSwitchEvent) error
}

// UpdatePublisher notifies watchers that a job changed.
type UpdatePublisher interface {
	PublishJobUpdate(ctx context.Context, jobID uuid.UUID, status string) error
}

// Signals carries the out-of-band flags the worker observes while streaming.
type Signals interface {
	UpdatePublisher
	IsCancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)
	ClearCancel(ctx context.Context, jobID uuid.UUID) error
}

type WorkerConfig struct {
	DefaultModel    string
	PollInterval    time.Duration
	FlushInterval   time.Duration // 0 flushes every chunk
	GenerateTimeout time.Duration // 0 disables
}

// Option configures a Worker or a Reaper.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Worker is the single consumer that drives the inference backend.
// Exactly one Worker should run per backend.
type Worker struct {
	store   JobStore
	backend models.Backend
	signals Signals
	cfg     WorkerConfig
	options
}

func NewWorker(st JobStore, backend models.Backend, signals Signals, cfg WorkerConfig, opts ...Option) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		store:   st,
		backend: backend,
		signals: signals,
		cfg:     cfg,
		options: buildOptions(opts),
	}
}

// Run polls and serves jobs until ctx is cancelled. It returns nil on shutdown.
//
// The loaded model lives only in this goroutine. It starts empty on every
// process start even if the backend still holds a model, so the first
// dispatch after a restart always reloads.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"backend", w.backend.Name(),
		"default_model", w.cfg.DefaultModel,
		"poll_interval", w.cfg.PollInterval)

	loaded := ""
	w.metrics.setLoadedModel(loaded)

	errorCount := 0
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}

		var worked bool
		var err error
		loaded, worked, err = w.RunOnce(ctx, loaded)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			errorCount++
			w.logger.Error("worker poll failed",
				"error", err,
				"consecutive_errors", errorCount,
				"backoff", backoff)
			if !sleep(ctx, backoff) {
				continue
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		if errorCount > 0 {
			w.logger.Info("worker recovered from errors", "previous_error_count", errorCount)
			errorCount = 0
			backoff = initialBackoff
		}
		if !worked {
			sleep(ctx, w.cfg.PollInterval)
		}
	}
}

// RunOnce performs a single poll: select, claim and serve at most one job.
// It returns the model loaded afterwards and whether it should poll again
// immediately. Per-job failures are recorded on the job, not returned.
func (w *Worker) RunOnce(ctx context.Context, loaded string) (string, bool, error) {
	pending, err := w.store.ListPendingJobs(ctx)
	if err != nil {
		return loaded, false, fmt.Errorf("list pending jobs: %w", err)
	}

	sel, ok := SelectNext(pending, loaded, w.now())
	if !ok {
		return loaded, false, nil
	}

	job, err := w.store.ClaimJob(ctx, sel.Job.ID)
	if errors.Is(err, store.ErrClaimLost) || errors.Is(err, store.ErrNotFound) {
		w.logger.Debug("claim lost, re-polling", "job_id", sel.Job.ID)
		w.metrics.claimLost()
		return loaded, true, nil
	}
	if err != nil {
		return loaded, false, fmt.Errorf("claim job: %w", err)
	}

	if job.StartedAt != nil {
		w.metrics.queueWaited(job.StartedAt.Sub(job.QueuedAt))
	}
	w.publish(ctx, job.ID, models.JobStatusStreaming)

	return w.dispatch(ctx, job, sel, loaded), true, nil
}

// dispatch serves one claimed job and returns the model loaded afterwards.
func (w *Worker) dispatch(ctx context.Context, job *models.Job, sel Selection, loaded string) (after string) {
	logger := w.logger.With("job_id", job.ID, "type", job.Type)
	after = loaded

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while serving job", "error", r)
			w.finalizeDetached(ctx, job, models.Failed(fmt.Sprintf("internal error: %v", r)))
			after = ""
			w.metrics.setLoadedModel(after)
		}
	}()

	if sel.ShouldSwitch {
		target := w.targetModel(job)
		if target != loaded {
			d, err := w.backend.LoadModel(ctx, target)
			if err != nil {
				if ctx.Err() != nil {
					w.finalizeShutdown(ctx, job, nil, logger)
					return ""
				}
				logger.Error("model switch failed", "from", loaded, "to", target, "reason", sel.Reason, "error", err)
				w.finalize(ctx, job, models.Failed("model switch failed: "+err.Error()))
				w.metrics.setLoadedModel("")
				return ""
			}
			w.recordSwitch(ctx, job, sel.Reason, loaded, target, d)
			after = target
		}
	}

	w.generate(ctx, job, after, logger)
	return after
}

func (w *Worker) targetModel(job *models.Job) string {
	if job.RequestedModel != nil {
		return *job.RequestedModel
	}
	return w.cfg.DefaultModel
}

func (w *Worker) recordSwitch(ctx context.Context, job *models.Job, reason, from, to string, d time.Duration) {
	triggeredBy := models.TriggeredBySystem
	if job.RequestedModel != nil {
		triggeredBy = models.TriggeredByProducer
	}
	event := &models.ModelSwitchEvent{
		ID:               uuid.New(),
		ToModel:          to,
		SwitchDurationMs: d.Milliseconds(),
		TriggeredBy:      triggeredBy,
		Reason:           reason,
		JobID:            &job.ID,
		SwitchedAt:       w.now().UTC(),
	}
	if from != "" {
		event.FromModel = &from
	}
	if err := w.store.CreateModelSwitchEvent(ctx, event); err != nil {
		w.logger.Warn("record model switch failed", "job_id", job.ID, "error", err)
	}

	w.metrics.modelSwitched(reason, d)
	w.metrics.setLoadedModel(to)
	w.logger.Info("model switched",
		"job_id", job.ID,
		"from", from,
		"to", to,
		"reason", reason,
		"duration_ms", d.Milliseconds())
}

func (w *Worker) generate(ctx context.Context, job *models.Job, model string, logger *slog.Logger) {
	genCtx := ctx
	if w.cfg.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, w.cfg.GenerateTimeout)
		defer cancel()
	}

	buf := &progress{}
	res, err := w.backend.Generate(genCtx, models.GenerateRequest{
		Model:    model,
		Messages: job.Messages,
		Context:  job.Context,
	}, func(c models.Chunk) error {
		buf.add(c)
		if w.cfg.FlushInterval > 0 && w.now().Sub(buf.lastFlush) < w.cfg.FlushInterval {
			return nil
		}
		return w.flush(ctx, job.ID, buf)
	})

	switch {
	case err == nil:
		if err := w.append(ctx, job.ID, buf); err != nil {
			w.abandon(ctx, job, err, logger)
			return
		}
		w.finalize(ctx, job, models.Completed(res.Sources))

	case errors.Is(err, errCancelRequested):
		w.finalize(ctx, job, models.Cancelled())
		if err := w.signals.ClearCancel(ctx, job.ID); err != nil {
			logger.Warn("clear cancel flag failed", "error", err)
		}

	case errors.Is(err, store.ErrNotStreaming):
		logger.Warn("job finalized by another actor, dropping stream")

	case ctx.Err() != nil:
		w.finalizeShutdown(ctx, job, buf, logger)

	case errors.Is(err, context.DeadlineExceeded) && genCtx.Err() != nil:
		if err := w.append(ctx, job.ID, buf); err != nil {
			w.abandon(ctx, job, err, logger)
			return
		}
		w.finalize(ctx, job, models.Failed(fmt.Sprintf("generation timed out after %s", w.cfg.GenerateTimeout)))

	default:
		logger.Error("generation failed", "model", model, "error", err)
		if err := w.append(ctx, job.ID, buf); err != nil {
			w.abandon(ctx, job, err, logger)
			return
		}
		w.finalize(ctx, job, models.Failed(err.Error()))
	}
}

// flush persists buffered output and then checks the cancellation flag.
func (w *Worker) flush(ctx context.Context, id uuid.UUID, buf *progress) error {
	if err := w.append(ctx, id, buf); err != nil {
		return err
	}
	buf.lastFlush = w.now()

	cancelled, err := w.signals.IsCancelRequested(ctx, id)
	if err != nil {
		w.logger.Warn("check cancel flag failed", "job_id", id, "error", err)
		return nil
	}
	if cancelled {
		return errCancelRequested
	}
	return nil
}

// append writes buffered output as one heartbeat.
func (w *Worker) append(ctx context.Context, id uuid.UUID, buf *progress) error {
	if buf.empty() {
		return nil
	}
	if err := w.store.AppendJobProgress(ctx, id, buf.content.String(), buf.thinking.String()); err != nil {
		return err
	}
	buf.reset()
	w.publish(ctx, id, models.JobStatusStreaming)
	return nil
}

func (w *Worker) abandon(ctx context.Context, job *models.Job, err error, logger *slog.Logger) {
	if errors.Is(err, store.ErrNotStreaming) {
		logger.Warn("job finalized by another actor, dropping stream")
		return
	}
	if ctx.Err() != nil {
		w.finalizeShutdown(ctx, job, nil, logger)
		return
	}
	logger.Error("persist progress failed", "error", err)
	w.finalize(ctx, job, models.Failed("persist progress: "+err.Error()))
}

// finalizeShutdown saves whatever output is still buffered and fails the job,
// using a context that outlives the cancelled worker context.
func (w *Worker) finalizeShutdown(ctx context.Context, job *models.Job, buf *progress, logger *slog.Logger) {
	logger.Warn("shutdown interrupted job")

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if buf != nil {
		if err := w.append(dctx, job.ID, buf); err != nil {
			logger.Warn("save buffered output failed", "error", err)
		}
	}
	w.finalize(dctx, job, models.Failed(ShutdownMessage))
}

func (w *Worker) finalizeDetached(ctx context.Context, job *models.Job, outcome models.Outcome) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	w.finalize(dctx, job, outcome)
}

func (w *Worker) finalize(ctx context.Context, job *models.Job, outcome models.Outcome) {
	applied, err := w.store.FinalizeJob(ctx, job.ID, outcome)
	if err != nil {
		w.logger.Error("finalize job failed", "job_id", job.ID, "status", outcome.Status, "error", err)
		return
	}
	if !applied {
		w.logger.Info("job already terminal", "job_id", job.ID, "status", outcome.Status)
		return
	}

	w.metrics.JobFinalized(outcome.Status)
	w.publish(ctx, job.ID, outcome.Status)

	attrs := []any{"job_id", job.ID, "status", outcome.Status}
	if job.StartedAt != nil {
		attrs = append(attrs, "duration_ms", w.now().Sub(*job.StartedAt).Milliseconds())
	}
	if outcome.ErrorMessage != "" {
		attrs = append(attrs, "error", outcome.ErrorMessage)
	}
	w.logger.Info("job finalized", attrs...)
}

func (w *Worker) publish(ctx context.Context, id uuid.UUID, status string) {
	if err := w.signals.PublishJobUpdate(ctx, id, status); err != nil {
		w.logger.Debug("publish job update failed", "job_id", id, "error", err)
	}
}

// progress buffers chunks between flushes.
type progress struct {
	content   strings.Builder
	thinking  strings.Builder
	lastFlush time.Time
}

func (p *progress) add(c models.Chunk) {
	p.content.WriteString(c.Content)
	p.thinking.WriteString(c.Thinking)
}

func (p *progress) empty() bool {
	return p.content.Len() == 0 && p.thinking.Len() == 0
}

func (p *progress) reset() {
	p.content.Reset()
	p.thinking.Reset()
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
