package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrClaimLost is returned by ClaimJob when the job left pending before the
// conditional update ran.
var ErrClaimLost = errors.New("job claim lost")

// ErrNotStreaming is returned by AppendJobProgress once the job has been
// finalized by another actor (reaper, cancel).
var ErrNotStreaming = errors.New("job is not streaming")

// ReapedJob is a job failed by ReapStaleJobs, with the status it held before.
type ReapedJob struct {
	ID             uuid.UUID
	PreviousStatus string
	LastUpdateAt   time.Time
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ClaimJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	AppendJobProgress(ctx context.Context, id uuid.UUID, content, thinking string) error
	FinalizeJob(ctx context.Context, id uuid.UUID, outcome models.Outcome) (bool, error)
	ListPendingJobs(ctx context.Context) ([]*models.Job, error)
	CancelPendingJob(ctx context.Context, id uuid.UUID) (bool, error)
	ReapStaleJobs(ctx context.Context, before time.Time, message string) ([]ReapedJob, error)
	CountJobsByStatus(ctx context.Context) (map[string]int, error)

	CreateModelSwitchEvent(ctx context.Context, event *models.ModelSwitchEvent) error
	ListModelSwitchEvents(ctx context.Context, limit int) ([]*models.ModelSwitchEvent, error)
}
