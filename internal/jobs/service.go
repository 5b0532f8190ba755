// Package jobs is the producer and status surface of the scheduler: it
// validates and enqueues jobs, serves idempotent snapshots, and handles
// cancellation. It never talks to the backend.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferq/internal/cache"
	"github.com/kiranshivaraju/inferq/internal/scheduler"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

const (
	MinPriority = -100
	MaxPriority = 100

	MaxWaitLimit = 86400

	defaultSnapshotTTL   = 10 * time.Minute
	defaultCancelFlagTTL = time.Hour
	defaultWatchFallback = 2 * time.Second
)

// ErrJobNotFound is returned when no job has the given ID.
var ErrJobNotFound = errors.New("job not found")

// ValidationError rejects a submission before any job exists.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Store is the subset of store.Store the service needs.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	CancelPendingJob(ctx context.Context, id uuid.UUID) (bool, error)
	ListPendingJobs(ctx context.Context) ([]*models.Job, error)
	CountJobsByStatus(ctx context.Context) (map[string]int, error)
	ListModelSwitchEvents(ctx context.Context, limit int) ([]*models.ModelSwitchEvent, error)
}

// Cache is the subset of cache.Cache the service needs.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	RequestCancel(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error
	PublishJobUpdate(ctx context.Context, jobID uuid.UUID, status string) error
	SubscribeJobUpdates(ctx context.Context, jobID uuid.UUID) (cache.Subscription, error)
}

type Config struct {
	DefaultMaxWaitSeconds int
	AllowedModels         []string // empty allows any model

	SnapshotTTL   time.Duration
	CancelFlagTTL time.Duration
	WatchFallback time.Duration
}

// Service orchestrates job submission, status reads and cancellation.
type Service struct {
	store   Store
	cache   Cache
	cfg     Config
	metrics *scheduler.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new Service. metrics may be nil.
func NewService(st Store, ca Cache, cfg Config, metrics *scheduler.Metrics) *Service {
	if cfg.DefaultMaxWaitSeconds <= 0 {
		cfg.DefaultMaxWaitSeconds = models.DefaultMaxWaitSeconds
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = defaultSnapshotTTL
	}
	if cfg.CancelFlagTTL <= 0 {
		cfg.CancelFlagTTL = defaultCancelFlagTTL
	}
	if cfg.WatchFallback <= 0 {
		cfg.WatchFallback = defaultWatchFallback
	}
	return &Service{
		store:   st,
		cache:   ca,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// SubmitParams is a producer request. Nil optional fields take defaults.
type SubmitParams struct {
	ConversationID uuid.UUID
	Type           string
	RequestedModel *string
	Priority       *int
	MaxWaitSeconds *int
	Messages       []models.Message
	Context        []models.Source
}

var validRoles = []string{"system", "user", "assistant"}

// Submit validates params and enqueues a pending job.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (*models.Job, error) {
	if err := s.validate(p); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &models.Job{
		ID:             uuid.New(),
		ConversationID: p.ConversationID,
		Type:           p.Type,
		Status:         models.JobStatusPending,
		MaxWaitSeconds: s.cfg.DefaultMaxWaitSeconds,
		Messages:       p.Messages,
		Context:        p.Context,
		QueuedAt:       now,
		LastUpdateAt:   now,
	}
	if p.RequestedModel != nil && *p.RequestedModel != "" {
		m := *p.RequestedModel
		job.RequestedModel = &m
	}
	if p.Priority != nil {
		job.Priority = *p.Priority
	}
	if p.MaxWaitSeconds != nil {
		job.MaxWaitSeconds = *p.MaxWaitSeconds
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.metrics.JobSubmitted(job.Type)

	s.logger.Info("job submitted",
		"job_id", job.ID,
		"conversation_id", job.ConversationID,
		"type", job.Type,
		"model", job.RequestedModel,
		"priority", job.Priority)
	return job, nil
}

func (s *Service) validate(p SubmitParams) error {
	if p.ConversationID == uuid.Nil {
		return &ValidationError{Field: "conversation_id", Message: "is required"}
	}
	if p.Type != models.JobTypeChat && p.Type != models.JobTypeRAG {
		return &ValidationError{Field: "type", Message: "must be one of chat, rag"}
	}
	if len(p.Messages) == 0 {
		return &ValidationError{Field: "messages", Message: "at least one message is required"}
	}
	for i, m := range p.Messages {
		if !slices.Contains(validRoles, m.Role) {
			return &ValidationError{Field: fmt.Sprintf("messages[%d].role", i), Message: "must be one of system, user, assistant"}
		}
	}
	if p.Priority != nil && (*p.Priority < MinPriority || *p.Priority > MaxPriority) {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority)}
	}
	if p.MaxWaitSeconds != nil && (*p.MaxWaitSeconds < 1 || *p.MaxWaitSeconds > MaxWaitLimit) {
		return &ValidationError{Field: "max_wait_seconds", Message: fmt.Sprintf("must be between 1 and %d", MaxWaitLimit)}
	}
	if p.RequestedModel != nil && *p.RequestedModel != "" && len(s.cfg.AllowedModels) > 0 &&
		!slices.Contains(s.cfg.AllowedModels, *p.RequestedModel) {
		return &ValidationError{Field: "requested_model", Message: fmt.Sprintf("model %q is not served here", *p.RequestedModel)}
	}
	return nil
}

// Snapshot is the full persisted state of a job at one instant. Clients
// replace their view with it; it is never a delta.
type Snapshot struct {
	ID           uuid.UUID       `json:"id"`
	Status       string          `json:"status"`
	Content      string          `json:"content"`
	Thinking     *string         `json:"thinking,omitempty"`
	Sources      []models.Source `json:"sources,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	QueuedAt     time.Time       `json:"queued_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	LastUpdateAt time.Time       `json:"last_update_at"`
}

func (s *Snapshot) IsTerminal() bool {
	return models.IsTerminalStatus(s.Status)
}

func snapshotOf(j *models.Job) *Snapshot {
	return &Snapshot{
		ID:           j.ID,
		Status:       j.Status,
		Content:      j.Content,
		Thinking:     j.Thinking,
		Sources:      j.Sources,
		ErrorMessage: j.ErrorMessage,
		QueuedAt:     j.QueuedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		LastUpdateAt: j.LastUpdateAt,
	}
}

// GetStatus returns the job's current snapshot. Terminal snapshots never
// change, so they are served from the cache once seen.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	key := cache.SnapshotKey(id)
	if raw, found, err := s.cache.Get(ctx, key); err == nil && found {
		var snap Snapshot
		if err := json.Unmarshal(raw, &snap); err == nil {
			return &snap, nil
		}
	}

	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}

	snap := snapshotOf(job)
	if snap.IsTerminal() {
		if raw, err := json.Marshal(snap); err == nil {
			if err := s.cache.Set(ctx, key, raw, s.cfg.SnapshotTTL); err != nil {
				s.logger.Debug("cache snapshot failed", "job_id", id, "error", err)
			}
		}
	}
	return snap, nil
}

// CancelResult describes what Cancel did.
type CancelResult string

const (
	// CancelApplied: the job was pending and is now cancelled.
	CancelApplied CancelResult = "cancelled"
	// CancelRequested: the job is streaming; the worker stops at its next flush.
	CancelRequested CancelResult = "cancel_requested"
	// CancelAlreadyTerminal: nothing to do.
	CancelAlreadyTerminal CancelResult = "already_terminal"
)

// Cancel stops a job. A pending job is cancelled directly; a streaming job
// can only be stopped cooperatively through the cancellation flag. A pending
// job claimed by the worker before the cancel lands is treated as streaming.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (CancelResult, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting job: %w", err)
	}

	switch job.Status {
	case models.JobStatusPending:
		applied, err := s.store.CancelPendingJob(ctx, id)
		if err != nil {
			return "", fmt.Errorf("cancelling job: %w", err)
		}
		if applied {
			s.metrics.JobFinalized(models.JobStatusCancelled)
			if err := s.cache.PublishJobUpdate(ctx, id, models.JobStatusCancelled); err != nil {
				s.logger.Debug("publish job update failed", "job_id", id, "error", err)
			}
			s.logger.Info("pending job cancelled", "job_id", id)
			return CancelApplied, nil
		}

		// Claimed or finalized since the read.
		job, err = s.store.GetJob(ctx, id)
		if err != nil {
			return "", fmt.Errorf("getting job: %w", err)
		}
		if job.Status != models.JobStatusStreaming {
			return CancelAlreadyTerminal, nil
		}
		return s.requestCancel(ctx, id)

	case models.JobStatusStreaming:
		return s.requestCancel(ctx, id)

	default:
		return CancelAlreadyTerminal, nil
	}
}

func (s *Service) requestCancel(ctx context.Context, id uuid.UUID) (CancelResult, error) {
	if err := s.cache.RequestCancel(ctx, id, s.cfg.CancelFlagTTL); err != nil {
		return "", fmt.Errorf("requesting cancellation: %w", err)
	}
	s.logger.Info("cancellation requested", "job_id", id)
	return CancelRequested, nil
}

// Watch streams snapshots of a job: the current one at once, then a fresh one
// after every update notification or fallback tick that changed something.
// The channel closes after a terminal snapshot or when ctx is done.
func (s *Service) Watch(ctx context.Context, id uuid.UUID) (<-chan *Snapshot, error) {
	// Subscribe before the first read so no update between them is lost.
	sub, err := s.cache.SubscribeJobUpdates(ctx, id)
	if err != nil {
		s.logger.Warn("subscribe job updates failed, polling only", "job_id", id, "error", err)
		sub = nil
	}

	first, err := s.GetStatus(ctx, id)
	if err != nil {
		if sub != nil {
			_ = sub.Close()
		}
		return nil, err
	}

	out := make(chan *Snapshot, 1)
	go s.watch(ctx, id, sub, first, out)
	return out, nil
}

func (s *Service) watch(ctx context.Context, id uuid.UUID, sub cache.Subscription, prev *Snapshot, out chan<- *Snapshot) {
	defer close(out)

	var updates <-chan string
	if sub != nil {
		defer sub.Close()
		updates = sub.Updates()
	}

	send := func(snap *Snapshot) bool {
		select {
		case out <- snap:
			return true
		case <-ctx.Done():
			return false
		}
	}
	if !send(prev) || prev.IsTerminal() {
		return
	}

	ticker := time.NewTicker(s.cfg.WatchFallback)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
		case <-ticker.C:
		}

		snap, err := s.GetStatus(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("watch refresh failed", "job_id", id, "error", err)
			}
			if errors.Is(err, ErrJobNotFound) {
				return
			}
			continue
		}
		if !changed(prev, snap) {
			continue
		}
		if !send(snap) || snap.IsTerminal() {
			return
		}
		prev = snap
	}
}

func changed(a, b *Snapshot) bool {
	return a.Status != b.Status ||
		!a.LastUpdateAt.Equal(b.LastUpdateAt) ||
		len(a.Content) != len(b.Content) ||
		thinkingLen(a) != thinkingLen(b)
}

func thinkingLen(s *Snapshot) int {
	if s.Thinking == nil {
		return 0
	}
	return len(*s.Thinking)
}

// PendingJob is a queue entry as shown to operators.
type PendingJob struct {
	ID             uuid.UUID `json:"id"`
	Type           string    `json:"type"`
	RequestedModel *string   `json:"requested_model,omitempty"`
	Priority       int       `json:"priority"`
	MaxWaitSeconds int       `json:"max_wait_seconds"`
	QueuedAt       time.Time `json:"queued_at"`
	WaitedSeconds  int64     `json:"waited_seconds"`
}

type Overview struct {
	Counts  map[string]int `json:"counts"`
	Pending []PendingJob   `json:"pending"`
}

// QueueOverview reports job counts by status and the pending queue, oldest first.
func (s *Service) QueueOverview(ctx context.Context) (*Overview, error) {
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	pending, err := s.store.ListPendingJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pending jobs: %w", err)
	}

	now := s.now()
	ov := &Overview{Counts: counts, Pending: make([]PendingJob, 0, len(pending))}
	for _, j := range pending {
		ov.Pending = append(ov.Pending, PendingJob{
			ID:             j.ID,
			Type:           j.Type,
			RequestedModel: j.RequestedModel,
			Priority:       j.Priority,
			MaxWaitSeconds: j.MaxWaitSeconds,
			QueuedAt:       j.QueuedAt,
			WaitedSeconds:  int64(j.Waited(now) / time.Second),
		})
	}
	return ov, nil
}

// ModelSwitches returns the most recent model switch events, newest first.
func (s *Service) ModelSwitches(ctx context.Context, limit int) ([]*models.ModelSwitchEvent, error) {
	events, err := s.store.ListModelSwitchEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing model switches: %w", err)
	}
	return events, nil
}
