package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, prompt_id, client_id, status, workflow, queue_number, last_node,
	error_message, error_detail, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.JobRecord, error) {
	var j models.JobRecord
	var status string
	if err := row.Scan(&j.ID, &j.PromptID, &j.ClientID, &status, &j.Workflow, &j.QueueNumber,
		&j.LastNode, &j.ErrorMessage, &j.ErrorDetail, &j.StartedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = models.JobState(status)
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.JobRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, prompt_id, client_id, status, workflow, queue_number, last_node,
		 error_message, error_detail, started_at, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.PromptID, job.ClientID, string(job.Status), job.Workflow, job.QueueNumber, job.LastNode,
		job.ErrorMessage, job.ErrorDetail, job.StartedAt, job.CompletedAt, job.CreatedAt, job.UpdatedAt)
	if isDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJobByPromptID(ctx context.Context, promptID string) (*models.JobRecord, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE prompt_id = $1`, promptID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.JobRecord, int, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.ClientID != "" {
		conditions = append(conditions, fmt.Sprintf("client_id = $%d", argIdx))
		args = append(args, filter.ClientID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// running -> running is allowed so progress can move last_node forward.
var validTransitions = map[models.JobState][]models.JobState{
	models.JobStateQueued:  {models.JobStateRunning, models.JobStateCompleted, models.JobStateFailed, models.JobStateCancelled},
	models.JobStateRunning: {models.JobStateRunning, models.JobStateCompleted, models.JobStateFailed, models.JobStateCancelled},
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, promptID string, status models.JobState, opts ...JobUpdateOption) error {
	params := ResolveJobUpdate(opts...)

	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE prompt_id = $1`, promptID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if !slices.Contains(validTransitions[models.JobState(current)], status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{promptID, string(status), now}
	argIdx := 4

	if status == models.JobStateRunning && models.JobState(current) == models.JobStateQueued {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if status.IsTerminal() {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.ErrorDetail != nil {
		query += fmt.Sprintf(", error_detail = $%d", argIdx)
		args = append(args, params.ErrorDetail)
		argIdx++
	}
	if params.LastNode != nil {
		query += fmt.Sprintf(", last_node = $%d", argIdx)
		args = append(args, *params.LastNode)
		argIdx++
	}

	// The status guard keeps a concurrent terminal update from being overwritten.
	query += fmt.Sprintf(" WHERE prompt_id = $1 AND status = $%d", argIdx)
	args = append(args, current)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, promptID)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
