package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusStreaming = "streaming"
	JobStatusCompleted = "completed"
	JobStatusError     = "error"
	JobStatusCancelled = "cancelled"
)

const (
	JobTypeChat = "chat"
	JobTypeRAG  = "rag"
)

// DefaultMaxWaitSeconds is how long a job may be passed over for other-model
// work before the scheduler forces a switch to serve it.
const DefaultMaxWaitSeconds = 120

// Job is one inference request. Producers insert it as pending; only the
// worker (while streaming) and the reaper (once abandoned) mutate it after that.
// Clients poll GET /api/v1/jobs/{job_id} and replace their view with the result.
type Job struct {
	ID             uuid.UUID  `db:"id"               json:"id"`
	ConversationID uuid.UUID  `db:"conversation_id"  json:"conversation_id"`
	Type           string     `db:"type"             json:"type"`
	Status         string     `db:"status"           json:"status"`
	RequestedModel *string    `db:"requested_model"  json:"requested_model,omitempty"`
	Priority       int        `db:"priority"         json:"priority"`
	MaxWaitSeconds int        `db:"max_wait_seconds" json:"max_wait_seconds"`
	Messages       []Message  `db:"messages"         json:"messages"`
	Context        []Source   `db:"context"          json:"context,omitempty"`
	Content        string     `db:"content"          json:"content"`
	Thinking       *string    `db:"thinking"         json:"thinking,omitempty"`
	Sources        []Source   `db:"sources"          json:"sources,omitempty"`
	ErrorMessage   *string    `db:"error_message"    json:"error_message,omitempty"`
	QueuedAt       time.Time  `db:"queued_at"        json:"queued_at"`
	StartedAt      *time.Time `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at"     json:"completed_at,omitempty"`
	LastUpdateAt   time.Time  `db:"last_update_at"   json:"last_update_at"`
}

// IsTerminal reports whether the job has reached completed, error or cancelled.
func (j *Job) IsTerminal() bool {
	return IsTerminalStatus(j.Status)
}

// WantsModel reports whether the job asked for exactly the given model.
// A job without a requested model matches nothing, and nothing matches an
// empty model name.
func (j *Job) WantsModel(model string) bool {
	return model != "" && j.RequestedModel != nil && *j.RequestedModel == model
}

// Waited returns how long the job has been queued as of now.
func (j *Job) Waited(now time.Time) time.Duration {
	return now.Sub(j.QueuedAt)
}

func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusError, JobStatusCancelled:
		return true
	}
	return false
}

// Message is one chat turn handed to the backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Source is a retrieval document: supplied by the producer as RAG context and
// echoed back as a citation when the job completes.
type Source struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title,omitempty"`
	URL        string  `json:"url,omitempty"`
	Snippet    string  `json:"snippet,omitempty"`
	Score      float64 `json:"score,omitempty"`
}

// Outcome is the terminal result recorded by a finalize call.
type Outcome struct {
	Status       string
	ErrorMessage string
	Sources      []Source
}

func Completed(sources []Source) Outcome {
	return Outcome{Status: JobStatusCompleted, Sources: sources}
}

func Failed(msg string) Outcome {
	return Outcome{Status: JobStatusError, ErrorMessage: msg}
}

func Cancelled() Outcome {
	return Outcome{Status: JobStatusCancelled}
}
