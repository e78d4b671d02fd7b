package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/goat-community/goat-core/internal/cache"
	"github.com/goat-community/goat-core/internal/config"
	"github.com/goat-community/goat-core/internal/domain"
	"github.com/goat-community/goat-core/internal/jobs"
	"github.com/goat-community/goat-core/internal/repository"
)

// Service is the entry point for tool invocations: it validates the request,
// creates the job row and hands the tool to the scheduler.
type Service struct {
	deps      Deps
	router    IsochroneRouter
	jobRepo   repository.JobRepository
	scheduler *jobs.Scheduler
	status    cache.JobStatusCache
	limits    config.ToolsConfig
}

func NewService(
	deps Deps,
	router IsochroneRouter,
	jobRepo repository.JobRepository,
	scheduler *jobs.Scheduler,
	status cache.JobStatusCache,
	limits config.ToolsConfig,
) *Service {
	return &Service{
		deps:      deps,
		router:    router,
		jobRepo:   jobRepo,
		scheduler: scheduler,
		status:    status,
		limits:    limits,
	}
}

// RunAggregatePoint queues a point aggregation job.
func (s *Service) RunAggregatePoint(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID, params AggregateParams) (domain.Job, error) {
	if err := params.Validate(); err != nil {
		return domain.Job{}, err
	}
	job, err := s.createJob(ctx, userID, projectID, domain.JobTypeAggregatePoint, params)
	if err != nil {
		return domain.Job{}, err
	}
	tool := NewAggregatePoint(s.deps, job, params, s.limits.MaxFeaturePointAggregation)
	return s.submit(ctx, job, tool)
}

// RunAggregatePolygon queues a polygon aggregation job.
func (s *Service) RunAggregatePolygon(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID, params AggregateParams) (domain.Job, error) {
	if err := params.Validate(); err != nil {
		return domain.Job{}, err
	}
	job, err := s.createJob(ctx, userID, projectID, domain.JobTypeAggregatePolygon, params)
	if err != nil {
		return domain.Job{}, err
	}
	tool := NewAggregatePolygon(s.deps, job, params, s.limits.MaxFeaturePolygonAggregation)
	return s.submit(ctx, job, tool)
}

// RunODMatrix queues an origin-destination job.
func (s *Service) RunODMatrix(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID, params ODMatrixParams) (domain.Job, error) {
	if err := params.Validate(); err != nil {
		return domain.Job{}, err
	}
	job, err := s.createJob(ctx, userID, projectID, domain.JobTypeOriginDestination, params)
	if err != nil {
		return domain.Job{}, err
	}
	tool := NewODMatrix(s.deps, job, params, s.limits.MaxFeatureOriginDestination)
	return s.submit(ctx, job, tool)
}

// RunIsochrone queues an isochrone job.
func (s *Service) RunIsochrone(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID, params IsochroneParams) (domain.Job, error) {
	if err := params.Validate(); err != nil {
		return domain.Job{}, err
	}
	job, err := s.createJob(ctx, userID, projectID, domain.JobTypeIsochrone, params)
	if err != nil {
		return domain.Job{}, err
	}
	tool := NewIsochrone(s.deps, s.router, job, params, s.limits.MaxIsochroneStartingPoints)
	return s.submit(ctx, job, tool)
}

// GetJob returns the persisted job metadata.
func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	return s.jobRepo.GetByID(ctx, id)
}

// GetJobStatus serves the polling fast path from the cache and falls back
// to Postgres on a miss.
func (s *Service) GetJobStatus(ctx context.Context, id uuid.UUID) (domain.JobStatus, error) {
	if s.status != nil {
		if cached, ok, err := s.status.GetStatus(ctx, id); err == nil && ok {
			return cached, nil
		} else if err != nil {
			log.Printf("[tools] status cache read for job %s: %v", id, err)
		}
	}
	job, err := s.jobRepo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// ListJobs returns jobs of a user, optionally filtered by status.
func (s *Service) ListJobs(ctx context.Context, userID *uuid.UUID, statuses []domain.JobStatus, limit, offset int) ([]domain.Job, error) {
	return s.jobRepo.List(ctx, userID, statuses, limit, offset)
}

// CancelJob requests cancellation. Jobs running in this process get their
// context cancelled; jobs that never started are killed directly.
func (s *Service) CancelJob(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	if !s.scheduler.Cancel(id) {
		if err := s.jobRepo.MarkTerminal(ctx, id, domain.JobStatusKilled, "cancelled by user"); err != nil {
			if !errors.Is(err, repository.ErrJobStatusConflict) {
				return domain.Job{}, err
			}
		}
	}
	return s.jobRepo.GetByID(ctx, id)
}

func (s *Service) createJob(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID, jobType domain.JobType, params any) (domain.Job, error) {
	if userID == uuid.Nil {
		return domain.Job{}, fmt.Errorf("%w: user is required", domain.ErrValidation)
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job payload: %w", err)
	}
	return s.jobRepo.Create(ctx, domain.Job{
		UserID:    userID,
		ProjectID: projectID,
		Type:      jobType,
		Status:    domain.JobStatusPending,
		Payload:   payload,
	})
}

func (s *Service) submit(ctx context.Context, job domain.Job, tool jobs.Tool) (domain.Job, error) {
	if err := s.scheduler.Submit(job, tool); err != nil {
		if errors.Is(err, jobs.ErrTooManyJobs) {
			if markErr := s.jobRepo.MarkTerminal(ctx, job.ID, domain.JobStatusFailed, "too many jobs queued"); markErr != nil {
				log.Printf("[tools] failed to mark rejected job %s: %v", job.ID, markErr)
			}
			return domain.Job{}, err
		}
		// Inline execution surfaces run errors here; the job row already
		// carries the terminal status.
		refreshed, getErr := s.jobRepo.GetByID(ctx, job.ID)
		if getErr != nil {
			return domain.Job{}, err
		}
		return refreshed, err
	}
	return s.jobRepo.GetByID(ctx, job.ID)
}
