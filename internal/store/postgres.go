package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, conversation_id, type, status, requested_model, priority, max_wait_seconds,
	messages, context, content, thinking, sources, error_message,
	queued_at, started_at, completed_at, last_update_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.ConversationID, &j.Type, &j.Status, &j.RequestedModel,
		&j.Priority, &j.MaxWaitSeconds, &j.Messages, &j.Context, &j.Content, &j.Thinking,
		&j.Sources, &j.ErrorMessage, &j.QueuedAt, &j.StartedAt, &j.CompletedAt, &j.LastUpdateAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO inference_jobs (id, conversation_id, type, status, requested_model, priority,
		   max_wait_seconds, messages, context, queued_at, last_update_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.ConversationID, job.Type, job.Status, job.RequestedModel, job.Priority,
		job.MaxWaitSeconds, nonNil(job.Messages), nonNil(job.Context), job.QueuedAt, job.LastUpdateAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM inference_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ClaimJob moves a pending job to streaming in a single conditional update.
// Exactly one of several concurrent callers wins; the others get ErrClaimLost.
func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE inference_jobs
		 SET status = 'streaming', started_at = NOW(), last_update_at = GREATEST(last_update_at, NOW())
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+jobColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrClaimLost
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// AppendJobProgress appends to content and thinking and bumps the heartbeat.
// It only applies while the job is streaming.
func (s *PostgresStore) AppendJobProgress(ctx context.Context, id uuid.UUID, content, thinking string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inference_jobs
		 SET content = content || $2::text,
		     thinking = CASE WHEN $3::text = '' THEN thinking ELSE COALESCE(thinking, '') || $3::text END,
		     last_update_at = GREATEST(last_update_at, NOW())
		 WHERE id = $1 AND status = 'streaming'`, id, content, thinking)
	if err != nil {
		return fmt.Errorf("append job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrNotStreaming
	}
	return nil
}

// FinalizeJob records a terminal outcome. It reports false without error when
// the job was already terminal, so callers may race freely.
func (s *PostgresStore) FinalizeJob(ctx context.Context, id uuid.UUID, outcome models.Outcome) (bool, error) {
	if !models.IsTerminalStatus(outcome.Status) {
		return false, fmt.Errorf("finalize job: %q is not a terminal status", outcome.Status)
	}

	var errMsg *string
	if outcome.Status == models.JobStatusError {
		errMsg = &outcome.ErrorMessage
	}
	var sources any
	if outcome.Status == models.JobStatusCompleted {
		sources = nonNil(outcome.Sources)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE inference_jobs
		 SET status = $2, completed_at = NOW(), error_message = $3,
		     sources = COALESCE($4::jsonb, sources)
		 WHERE id = $1 AND status IN ('pending', 'streaming')`,
		id, outcome.Status, errMsg, sources)
	if err != nil {
		return false, fmt.Errorf("finalize job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) ListPendingJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM inference_jobs
		 WHERE status = 'pending' ORDER BY queued_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	return collectJobs(rows)
}

// CancelPendingJob cancels a job only while it is still pending. It reports
// false without error when the job was claimed or finalized first.
func (s *PostgresStore) CancelPendingJob(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inference_jobs
		 SET status = 'cancelled', completed_at = NOW()
		 WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("cancel pending job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ReapStaleJobs fails every pending or streaming job whose heartbeat is older
// than before, in one statement. The heartbeat condition is part of the
// UPDATE, so a job claimed or appended to after the scan is re-checked
// against its new row and left alone.
func (s *PostgresStore) ReapStaleJobs(ctx context.Context, before time.Time, message string) ([]ReapedJob, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE inference_jobs j
		 SET status = 'error', completed_at = NOW(), error_message = $2
		 FROM (SELECT id, status FROM inference_jobs
		       WHERE status IN ('pending', 'streaming') AND last_update_at < $1) prev
		 WHERE j.id = prev.id
		   AND j.status IN ('pending', 'streaming')
		   AND j.last_update_at < $1
		 RETURNING j.id, prev.status, j.last_update_at`, before, message)
	if err != nil {
		return nil, fmt.Errorf("reap stale jobs: %w", err)
	}
	reaped, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ReapedJob, error) {
		var r ReapedJob
		err := row.Scan(&r.ID, &r.PreviousStatus, &r.LastUpdateAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("reap stale jobs: %w", err)
	}
	return reaped, nil
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM inference_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{
		models.JobStatusPending:   0,
		models.JobStatusStreaming: 0,
		models.JobStatusCompleted: 0,
		models.JobStatusError:     0,
		models.JobStatusCancelled: 0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- Model switch events ---

func (s *PostgresStore) CreateModelSwitchEvent(ctx context.Context, e *models.ModelSwitchEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO model_switch_events (id, from_model, to_model, switch_duration_ms, triggered_by, reason, job_id, switched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.FromModel, e.ToModel, e.SwitchDurationMs, e.TriggeredBy, e.Reason, e.JobID, e.SwitchedAt)
	if err != nil {
		return fmt.Errorf("create model switch event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListModelSwitchEvents(ctx context.Context, limit int) ([]*models.ModelSwitchEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, from_model, to_model, switch_duration_ms, triggered_by, reason, job_id, switched_at
		 FROM model_switch_events ORDER BY switched_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list model switch events: %w", err)
	}
	defer rows.Close()

	events := []*models.ModelSwitchEvent{}
	for rows.Next() {
		var e models.ModelSwitchEvent
		if err := rows.Scan(&e.ID, &e.FromModel, &e.ToModel, &e.SwitchDurationMs,
			&e.TriggeredBy, &e.Reason, &e.JobID, &e.SwitchedAt); err != nil {
			return nil, fmt.Errorf("scan model switch event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
