package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobState is a point in a job's lifecycle.
type JobState string

const (
	JobStateBuilding  JobState = "building"
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further transitions can happen from s.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// IsActive reports whether s is tracked by the backend (queued or running).
func (s JobState) IsActive() bool {
	return s == JobStateQueued || s == JobStateRunning
}

func (s JobState) String() string { return string(s) }

// JobRecord is the persisted view of a submitted workflow. The gateway writes one
// on POST /api/v1/jobs; callers poll GET /api/v1/jobs/{prompt_id} until the
// status is terminal.
type JobRecord struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	PromptID     string          `db:"prompt_id"     json:"prompt_id"`
	ClientID     string          `db:"client_id"     json:"client_id"`
	Status       JobState        `db:"status"        json:"status"`
	Workflow     json.RawMessage `db:"workflow"      json:"-"`
	QueueNumber  int             `db:"queue_number"  json:"queue_number"`
	LastNode     *string         `db:"last_node"     json:"last_node,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	ErrorDetail  json.RawMessage `db:"error_detail"  json:"error_detail,omitempty"`
	StartedAt    *time.Time      `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}
