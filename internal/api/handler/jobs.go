package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferq/internal/api/response"
	"github.com/kiranshivaraju/inferq/internal/jobs"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

const (
	defaultSwitchLimit = 50
	maxSwitchLimit     = 500

	sseKeepAlive = 15 * time.Second
)

// JobService defines the interface the job handlers depend on.
type JobService interface {
	Submit(ctx context.Context, p jobs.SubmitParams) (*models.Job, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*jobs.Snapshot, error)
	Cancel(ctx context.Context, id uuid.UUID) (jobs.CancelResult, error)
	Watch(ctx context.Context, id uuid.UUID) (<-chan *jobs.Snapshot, error)
	QueueOverview(ctx context.Context) (*jobs.Overview, error)
	ModelSwitches(ctx context.Context, limit int) ([]*models.ModelSwitchEvent, error)
}

type submitRequest struct {
	ConversationID string           `json:"conversation_id"`
	Type           string           `json:"type"`
	RequestedModel *string          `json:"requested_model"`
	Priority       *int             `json:"priority"`
	MaxWaitSeconds *int             `json:"max_wait_seconds"`
	Messages       []models.Message `json:"messages"`
	Context        []models.Source  `json:"context"`
}

type submitResponse struct {
	JobID    uuid.UUID `json:"job_id"`
	Status   string    `json:"status"`
	QueuedAt time.Time `json:"queued_at"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		var convID uuid.UUID
		if req.ConversationID != "" {
			id, err := uuid.Parse(req.ConversationID)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "conversation_id must be a UUID", nil)
				return
			}
			convID = id
		}

		job, err := svc.Submit(r.Context(), jobs.SubmitParams{
			ConversationID: convID,
			Type:           req.Type,
			RequestedModel: req.RequestedModel,
			Priority:       req.Priority,
			MaxWaitSeconds: req.MaxWaitSeconds,
			Messages:       req.Messages,
			Context:        req.Context,
		})
		if err != nil {
			var ve *jobs.ValidationError
			if errors.As(err, &ve) {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", ve.Error(),
					map[string]string{ve.Field: ve.Message})
				return
			}
			slog.Error("submit job failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		response.Accepted(w, submitResponse{JobID: job.ID, Status: job.Status, QueuedAt: job.QueuedAt})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		snap, err := svc.GetStatus(r.Context(), id)
		if err != nil {
			writeJobError(w, err, "get job status failed")
			return
		}
		response.JSON(w, snap)
	}
}

// NewStreamJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/stream.
// Each Server-Sent Event carries a complete snapshot, so a client that
// reconnects simply replaces its view with the next event.
func NewStreamJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		ch, err := svc.Watch(r.Context(), id)
		if err != nil {
			writeJobError(w, err, "watch job failed")
			return
		}

		rc := http.NewResponseController(w)
		// Streams outlive the server's write timeout.
		_ = rc.SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		keepAlive := time.NewTicker(sseKeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case snap, open := <-ch:
				if !open {
					return
				}
				if err := response.Event(w, "snapshot", snap); err != nil {
					slog.Debug("stream closed", "job_id", id, "error", err)
					return
				}
			case <-keepAlive.C:
				if err := response.Comment(w, "keep-alive"); err != nil {
					return
				}
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

type cancelResponse struct {
	JobID  uuid.UUID         `json:"job_id"`
	Result jobs.CancelResult `json:"result"`
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
// A pending job is cancelled at once (200); a streaming job is asked to stop (202).
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		res, err := svc.Cancel(r.Context(), id)
		if err != nil {
			writeJobError(w, err, "cancel job failed")
			return
		}

		body := cancelResponse{JobID: id, Result: res}
		if res == jobs.CancelRequested {
			response.Accepted(w, body)
			return
		}
		response.JSON(w, body)
	}
}

// NewQueueHandler returns an http.HandlerFunc for GET /api/v1/queue.
func NewQueueHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ov, err := svc.QueueOverview(r.Context())
		if err != nil {
			slog.Error("queue overview failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		response.JSON(w, ov)
	}
}

// NewModelSwitchesHandler returns an http.HandlerFunc for GET /api/v1/model-switches.
func NewModelSwitchesHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultSwitchLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxSwitchLimit {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					fmt.Sprintf("limit must be an integer between 1 and %d", maxSwitchLimit), nil)
				return
			}
			limit = n
		}

		events, err := svc.ModelSwitches(r.Context(), limit)
		if err != nil {
			slog.Error("list model switches failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		if events == nil {
			events = []*models.ModelSwitchEvent{}
		}
		response.JSON(w, events)
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeJobError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, jobs.ErrJobNotFound) {
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
		return
	}
	slog.Error(msg, "error", err)
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}
