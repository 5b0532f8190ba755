package models

import (
	"time"

	"github.com/google/uuid"
)

// Reasons recorded on a selection and on the resulting switch event.
const (
	SwitchReasonSameModel       = "same_model"
	SwitchReasonNoModelLoaded   = "no_model_loaded"
	SwitchReasonUseDefault      = "use_default"
	SwitchReasonNoSameModelJobs = "no_same_model_jobs"
	SwitchReasonMaxWaitExceeded = "max_wait_exceeded"
)

const (
	TriggeredByProducer = "producer"
	TriggeredBySystem   = "system"
)

// ModelSwitchEvent is an append-only audit record of a backend model change.
type ModelSwitchEvent struct {
	ID               uuid.UUID  `db:"id"                 json:"id"`
	FromModel        *string    `db:"from_model"         json:"from_model,omitempty"`
	ToModel          string     `db:"to_model"           json:"to_model"`
	SwitchDurationMs int64      `db:"switch_duration_ms" json:"switch_duration_ms"`
	TriggeredBy      string     `db:"triggered_by"       json:"triggered_by"`
	Reason           string     `db:"reason"             json:"reason"`
	JobID            *uuid.UUID `db:"job_id"             json:"job_id,omitempty"`
	SwitchedAt       time.Time  `db:"switched_at"        json:"switched_at"`
}
