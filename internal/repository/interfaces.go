package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/goat-community/goat-core/internal/domain"
)

// JobRepository persists analysis job metadata and the ordered step log.
type JobRepository interface {
	Create(ctx context.Context, job domain.Job) (domain.Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Job, error)
	List(ctx context.Context, userID *uuid.UUID, statuses []domain.JobStatus, limit int, offset int) ([]domain.Job, error)
	// MarkRunning transitions pending -> running and returns
	// ErrJobStatusConflict when the job left pending in the meantime.
	MarkRunning(ctx context.Context, id uuid.UUID) error
	// MarkTerminal writes one of the absorbing statuses. Jobs already in a
	// terminal state return ErrJobStatusConflict.
	MarkTerminal(ctx context.Context, id uuid.UUID, status domain.JobStatus, errorMessage string) error
	UpdateSteps(ctx context.Context, id uuid.UUID, steps []domain.JobStep) error
}

// LayerRepository manages the layer catalog and the shared storage tables
// result layers write into.
type LayerRepository interface {
	Create(ctx context.Context, layer domain.Layer) (domain.Layer, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Layer, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// EnsureUserTable creates the shared per-user storage table for a
	// geometry class when it does not exist yet.
	EnsureUserTable(ctx context.Context, geometry domain.FeatureGeometryType, userID uuid.UUID) error
}

// LayerProjectRepository resolves layers bound into projects.
type LayerProjectRepository interface {
	GetByID(ctx context.Context, id int) (domain.LayerProject, error)
	// CreateForLayer binds a freshly created result layer into a project and
	// returns the binding.
	CreateForLayer(ctx context.Context, projectID uuid.UUID, layer domain.Layer) (domain.LayerProject, error)
}
