package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.JobRecord) error
	GetJobByPromptID(ctx context.Context, promptID string) (*models.JobRecord, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.JobRecord, int, error)
	UpdateJobStatus(ctx context.Context, promptID string, status models.JobState, opts ...JobUpdateOption) error
}

type JobFilter struct {
	Status   models.JobState
	ClientID string
	Since    time.Time
	Page     int
	Limit    int
}

// JobUpdate carries the optional columns of a status update.
type JobUpdate struct {
	ErrorMessage *string
	ErrorDetail  json.RawMessage
	LastNode     *string
}

type JobUpdateOption func(*JobUpdate)

// ResolveJobUpdate applies opts to an empty JobUpdate.
func ResolveJobUpdate(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

// WithErrorDetail stores the backend's raw error payload.
func WithErrorDetail(detail json.RawMessage) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorDetail = detail
	}
}

func WithLastNode(node string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.LastNode = &node
	}
}
