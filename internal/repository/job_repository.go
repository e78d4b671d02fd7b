package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/goat-community/goat-core/internal/db"
	"github.com/goat-community/goat-core/internal/domain"
)

// ErrJobStatusConflict indicates that a job cannot transition to the
// requested state because it already left the expected one.
var ErrJobStatusConflict = errors.New("job status conflict")

type jobRepository struct {
	conn db.DBTX
}

// NewJobRepository wires a repository for managing analysis jobs.
func NewJobRepository(conn db.DBTX) JobRepository {
	return &jobRepository{conn: conn}
}

const jobColumns = `id, user_id, project_id, type, status, layer_ids, payload, steps,
	error_message, created_at, started_at, finished_at, updated_at`

func (r *jobRepository) Create(ctx context.Context, job domain.Job) (domain.Job, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}

	stepsJSON, err := job.StepsToJSON()
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job steps: %w", err)
	}

	projectID := pgtype.UUID{}
	if job.ProjectID != nil {
		projectID = pgtype.UUID{Valid: true}
		copy(projectID.Bytes[:], (*job.ProjectID)[:])
	}

	layerIDs := job.LayerIDs
	if layerIDs == nil {
		layerIDs = []uuid.UUID{}
	}

	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err = r.conn.Exec(ctx, `
		INSERT INTO customer.job (id, user_id, project_id, type, status, layer_ids, payload, steps)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.UserID, projectID, string(job.Type), string(job.Status), layerIDs, payload, stepsJSON,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return r.GetByID(ctx, job.ID)
}

func (r *jobRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM customer.job
		WHERE id = $1`, id)
	return scanJob(row)
}

func (r *jobRepository) List(ctx context.Context, userID *uuid.UUID, statuses []domain.JobStatus, limit int, offset int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var query strings.Builder
	query.WriteString(`SELECT ` + jobColumns + ` FROM customer.job WHERE 1=1`)
	args := []any{}
	if userID != nil {
		args = append(args, *userID)
		fmt.Fprintf(&query, " AND user_id = $%d", len(args))
	}
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, status := range statuses {
			values[i] = string(status)
		}
		args = append(args, values)
		fmt.Fprintf(&query, " AND status = ANY($%d)", len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&query, " ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, offset)
	fmt.Fprintf(&query, " OFFSET $%d", len(args))

	rows, err := r.conn.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (r *jobRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn.Exec(ctx, `
		UPDATE customer.job
		SET status = $1, started_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(domain.JobStatusRunning), id, string(domain.JobStatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobStatusConflict
	}
	return nil
}

func (r *jobRepository) MarkTerminal(ctx context.Context, id uuid.UUID, status domain.JobStatus, errorMessage string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	msg := pgtype.Text{}
	if strings.TrimSpace(errorMessage) != "" {
		msg = pgtype.Text{String: errorMessage, Valid: true}
	}
	tag, err := r.conn.Exec(ctx, `
		UPDATE customer.job
		SET status = $1, error_message = $2, finished_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = ANY($4)`,
		string(status), msg, id,
		[]string{string(domain.JobStatusPending), string(domain.JobStatusRunning)},
	)
	if err != nil {
		return fmt.Errorf("mark job %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobStatusConflict
	}
	return nil
}

func (r *jobRepository) UpdateSteps(ctx context.Context, id uuid.UUID, steps []domain.JobStep) error {
	stepsJSON, err := domain.Job{Steps: steps}.StepsToJSON()
	if err != nil {
		return fmt.Errorf("marshal job steps: %w", err)
	}
	if _, err := r.conn.Exec(ctx, `
		UPDATE customer.job
		SET steps = $1, updated_at = NOW()
		WHERE id = $2`, stepsJSON, id,
	); err != nil {
		return fmt.Errorf("update job steps: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job        domain.Job
		jobType    string
		status     string
		projectID  pgtype.UUID
		layerIDs   []uuid.UUID
		payload    []byte
		stepsJSON  []byte
		errMsg     pgtype.Text
		startedAt  pgtype.Timestamptz
		finishedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&job.ID, &job.UserID, &projectID, &jobType, &status, &layerIDs, &payload,
		&stepsJSON, &errMsg, &job.CreatedAt, &startedAt, &finishedAt, &job.UpdatedAt,
	); err != nil {
		return domain.Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	job.LayerIDs = layerIDs
	job.Payload = payload

	steps, err := domain.JobStepsFromJSON(stepsJSON)
	if err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job steps: %w", err)
	}
	job.Steps = steps

	if projectID.Valid {
		parsed, convErr := uuid.FromBytes(projectID.Bytes[:])
		if convErr != nil {
			return domain.Job{}, fmt.Errorf("invalid project identifier: %w", convErr)
		}
		job.ProjectID = &parsed
	}
	if errMsg.Valid {
		value := errMsg.String
		job.ErrorMessage = &value
	}
	if startedAt.Valid {
		value := startedAt.Time
		job.StartedAt = &value
	}
	if finishedAt.Valid {
		value := finishedAt.Time
		job.FinishedAt = &value
	}
	return job, nil
}
