package scheduler_test

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// memStore is an in-memory JobStore/ReaperStore with the same conditional
// update semantics as the Postgres store.
type memStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.Job
	events  []*models.ModelSwitchEvent
	appends int
	now     func() time.Time

	listErr   error
	claimErr  error
	appendErr error

	// beforeReap runs after the sweep starts and before the conditional
	// update, standing in for a worker write landing in between.
	beforeReap func()
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{jobs: map[uuid.UUID]*models.Job{}, now: now}
}

func (s *memStore) add(j *models.Job) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.LastUpdateAt.IsZero() {
		j.LastUpdateAt = j.QueuedAt
	}
	s.jobs[j.ID] = j
	return j
}

func (s *memStore) get(id uuid.UUID) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) switchEvents() []*models.ModelSwitchEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

func (s *memStore) appendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends
}

func (s *memStore) ListPendingJobs(_ context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobStatusPending {
			cp := *j
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *models.Job) int { return a.QueuedAt.Compare(b.QueuedAt) })
	return out, nil
}

func (s *memStore) ClaimJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusPending {
		return nil, store.ErrClaimLost
	}
	now := s.now()
	j.Status = models.JobStatusStreaming
	j.StartedAt = &now
	j.LastUpdateAt = now
	cp := *j
	return &cp, nil
}

func (s *memStore) AppendJobProgress(_ context.Context, id uuid.UUID, content, thinking string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusStreaming {
		return store.ErrNotStreaming
	}
	s.appends++
	j.Content += content
	if thinking != "" {
		t := ""
		if j.Thinking != nil {
			t = *j.Thinking
		}
		t += thinking
		j.Thinking = &t
	}
	if now := s.now(); now.After(j.LastUpdateAt) {
		j.LastUpdateAt = now
	}
	return nil
}

func (s *memStore) FinalizeJob(_ context.Context, id uuid.UUID, o models.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.IsTerminal() {
		return false, nil
	}
	now := s.now()
	j.Status = o.Status
	j.CompletedAt = &now
	if o.Status == models.JobStatusError {
		msg := o.ErrorMessage
		j.ErrorMessage = &msg
	}
	if o.Status == models.JobStatusCompleted {
		j.Sources = o.Sources
	}
	return true, nil
}

func (s *memStore) ReapStaleJobs(_ context.Context, before time.Time, message string) ([]store.ReapedJob, error) {
	if s.beforeReap != nil {
		s.beforeReap()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ReapedJob
	now := s.now()
	for _, j := range s.jobs {
		if j.IsTerminal() || !j.LastUpdateAt.Before(before) {
			continue
		}
		out = append(out, store.ReapedJob{ID: j.ID, PreviousStatus: j.Status, LastUpdateAt: j.LastUpdateAt})
		msg := message
		j.Status = models.JobStatusError
		j.ErrorMessage = &msg
		j.CompletedAt = &now
	}
	return out, nil
}

func (s *memStore) CreateModelSwitchEvent(_ context.Context, e *models.ModelSwitchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// memSignals records published updates and holds cancellation flags.
type memSignals struct {
	mu        sync.Mutex
	cancel    map[uuid.UUID]bool
	published []string
	cleared   []uuid.UUID
}

func newMemSignals() *memSignals {
	return &memSignals{cancel: map[uuid.UUID]bool{}}
}

func (s *memSignals) requestCancel(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel[id] = true
}

func (s *memSignals) IsCancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel[id], nil
}

func (s *memSignals) ClearCancel(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancel, id)
	s.cleared = append(s.cleared, id)
	return nil
}

func (s *memSignals) PublishJobUpdate(_ context.Context, _ uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, status)
	return nil
}

func (s *memSignals) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.published)
}

// fixedClock returns a clock frozen at t that tests may move forward.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func strPtr(s string) *string { return &s }

func pendingJob(model *string, queuedAt time.Time) *models.Job {
	return &models.Job{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		Type:           models.JobTypeChat,
		Status:         models.JobStatusPending,
		RequestedModel: model,
		MaxWaitSeconds: models.DefaultMaxWaitSeconds,
		Messages:       []models.Message{{Role: "user", Content: "hello"}},
		QueuedAt:       queuedAt,
	}
}
