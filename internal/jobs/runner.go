package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/goat-community/goat-core/internal/domain"
	"github.com/goat-community/goat-core/internal/repository"
)

var errJobNotRunnable = errors.New("job is no longer runnable")

// JobStore is the slice of the job repository the runner needs.
type JobStore interface {
	MarkRunning(ctx context.Context, id uuid.UUID) error
	MarkTerminal(ctx context.Context, id uuid.UUID, status domain.JobStatus, errorMessage string) error
	UpdateSteps(ctx context.Context, id uuid.UUID, steps []domain.JobStep) error
}

// StatusPublisher receives job status transitions for the polling fast path.
type StatusPublisher interface {
	SetStatus(ctx context.Context, jobID uuid.UUID, status domain.JobStatus) error
}

// Runner drives one job through its steps and writes the outcome.
type Runner struct {
	store          JobStore
	status         StatusPublisher
	cleanupTimeout time.Duration
	now            func() time.Time
}

// NewRunner wires a runner. status may be nil when no cache is configured.
func NewRunner(store JobStore, status StatusPublisher) *Runner {
	return &Runner{
		store:          store,
		status:         status,
		cleanupTimeout: 30 * time.Second,
		now:            time.Now,
	}
}

// Execute runs the tool's steps in order under ctx. The terminal status
// reflects how the job ended: finished, failed (with the failing step
// recorded), timeout when the deadline struck, killed when cancelled.
// Cleanup runs on every exit path with a fresh context because the job
// context may already be dead.
func (r *Runner) Execute(ctx context.Context, job domain.Job, tool Tool) error {
	if err := ctx.Err(); err != nil {
		r.finish(job, err)
		return err
	}
	if err := r.store.MarkRunning(ctx, job.ID); err != nil {
		if errors.Is(err, repository.ErrJobStatusConflict) {
			log.Printf("[jobs] job %s not runnable, skipping", job.ID)
			return errJobNotRunnable
		}
		return fmt.Errorf("mark job running: %w", err)
	}
	r.publish(job.ID, domain.JobStatusRunning)

	var runErr error
	steps := append([]domain.JobStep(nil), job.Steps...)
	for _, step := range tool.Steps() {
		entry := domain.JobStep{Name: step.Name, Status: domain.StepStatusRunning, StartedAt: r.now()}
		steps = append(steps, entry)
		r.writeSteps(job.ID, steps)

		err := r.runStep(ctx, step)
		finishedAt := r.now()
		last := &steps[len(steps)-1]
		last.FinishedAt = &finishedAt
		if err != nil {
			last.Status = domain.StepStatusFailed
			last.Message = truncateError(err)
			r.writeSteps(job.ID, steps)
			runErr = fmt.Errorf("step %s: %w", step.Name, err)
			break
		}
		last.Status = domain.StepStatusFinished
		r.writeSteps(job.ID, steps)
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), r.cleanupTimeout)
	if err := tool.Cleanup(cleanupCtx); err != nil {
		log.Printf("[jobs] cleanup for job %s: %v", job.ID, err)
	}
	cancel()

	r.finish(job, runErr)
	return runErr
}

func (r *Runner) runStep(ctx context.Context, step Step) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[jobs] panic in step %s: %v", step.Name, rec)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return step.Run(ctx)
}

// finish maps the run error onto the terminal status and persists it.
func (r *Runner) finish(job domain.Job, runErr error) {
	status := domain.JobStatusFinished
	message := ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.DeadlineExceeded):
		status = domain.JobStatusTimeout
		message = "job exceeded its deadline"
	case errors.Is(runErr, context.Canceled):
		status = domain.JobStatusKilled
		message = "job cancelled"
	default:
		status = domain.JobStatusFailed
		message = truncateError(runErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.MarkTerminal(ctx, job.ID, status, message); err != nil {
		if errors.Is(err, repository.ErrJobStatusConflict) {
			log.Printf("[jobs] job %s already terminal, skipping %s", job.ID, status)
			return
		}
		log.Printf("[jobs] failed to mark job %s as %s: %v", job.ID, status, err)
		return
	}
	r.publish(job.ID, status)
	if runErr != nil {
		log.Printf("[jobs] job %s ended %s: %v", job.ID, status, runErr)
		return
	}
	log.Printf("[jobs] job %s finished", job.ID)
}

func (r *Runner) writeSteps(jobID uuid.UUID, steps []domain.JobStep) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.UpdateSteps(ctx, jobID, steps); err != nil {
		log.Printf("[jobs] failed to persist steps for job %s: %v", jobID, err)
	}
}

func (r *Runner) publish(jobID uuid.UUID, status domain.JobStatus) {
	if r.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.status.SetStatus(ctx, jobID, status); err != nil {
		log.Printf("[jobs] failed to publish status for job %s: %v", jobID, err)
	}
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	const maxLen = 512
	msg := err.Error()
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
