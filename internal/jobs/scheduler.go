package jobs

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/goat-community/goat-core/internal/domain"
)

// ErrTooManyJobs is returned when the parallel slots and the waiting queue
// are both full.
var ErrTooManyJobs = errors.New("too many jobs queued")

type queuedJob struct {
	ctx  context.Context
	job  domain.Job
	tool Tool
}

// Scheduler admits jobs into the runner. Up to maxParallel jobs run
// concurrently; overflow waits in a bounded queue and anything beyond that
// is rejected.
type Scheduler struct {
	runner      *Runner
	sem         *semaphore.Weighted
	queue       chan queuedJob
	jobTimeout  time.Duration
	runInline   bool
	baseCtx     context.Context
	baseCancel  context.CancelFunc
	cancels     sync.Map // map[uuid.UUID]context.CancelFunc
	dispatcherW sync.WaitGroup
}

type SchedulerOption func(*Scheduler)

func WithJobTimeout(timeout time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.jobTimeout = timeout
		}
	}
}

// WithInlineExecution makes Submit run jobs synchronously. Used in tests and
// single-request deployments.
func WithInlineExecution(inline bool) SchedulerOption {
	return func(s *Scheduler) {
		s.runInline = inline
	}
}

// NewScheduler wires a scheduler and starts its dispatcher.
func NewScheduler(runner *Runner, maxParallel, queueSize int, opts ...SchedulerOption) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner:     runner,
		sem:        semaphore.NewWeighted(int64(maxParallel)),
		queue:      make(chan queuedJob, queueSize),
		jobTimeout: 120 * time.Second,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcherW.Add(1)
	go s.dispatch()
	return s
}

// Submit admits a job. Inline mode executes synchronously and returns the
// run error. Background mode returns immediately; a full queue rejects with
// ErrTooManyJobs. The job timeout starts once the job holds an execution
// slot, so queue wait does not burn the deadline.
func (s *Scheduler) Submit(job domain.Job, tool Tool) error {
	jobCtx, cancel := context.WithCancel(s.baseCtx)
	s.cancels.Store(job.ID, cancel)

	if s.runInline {
		defer func() {
			cancel()
			s.cancels.Delete(job.ID)
		}()
		runCtx, cancelRun := context.WithTimeout(jobCtx, s.jobTimeout)
		defer cancelRun()
		err := s.runner.Execute(runCtx, job, tool)
		if errors.Is(err, errJobNotRunnable) {
			return nil
		}
		return err
	}

	if s.sem.TryAcquire(1) {
		go s.run(jobCtx, job, tool, true)
		return nil
	}
	select {
	case s.queue <- queuedJob{ctx: jobCtx, job: job, tool: tool}:
		return nil
	default:
		cancel()
		s.cancels.Delete(job.ID)
		return ErrTooManyJobs
	}
}

// Cancel requests cancellation of a pending or running job. The runner maps
// the context cancellation onto the killed status.
func (s *Scheduler) Cancel(jobID uuid.UUID) bool {
	cancel, ok := s.cancels.LoadAndDelete(jobID)
	if !ok {
		return false
	}
	if fn, okCast := cancel.(context.CancelFunc); okCast {
		fn()
	}
	return true
}

// Shutdown stops the dispatcher and cancels all in-flight jobs.
func (s *Scheduler) Shutdown() {
	s.baseCancel()
	close(s.queue)
	s.dispatcherW.Wait()
}

func (s *Scheduler) dispatch() {
	defer s.dispatcherW.Done()
	for item := range s.queue {
		if err := s.sem.Acquire(s.baseCtx, 1); err != nil {
			// Shutting down; let the runner record the cancellation.
			s.run(item.ctx, item.job, item.tool, false)
			continue
		}
		go s.run(item.ctx, item.job, item.tool, true)
	}
}

func (s *Scheduler) run(ctx context.Context, job domain.Job, tool Tool, release bool) {
	defer func() {
		if release {
			s.sem.Release(1)
		}
		if cancel, ok := s.cancels.LoadAndDelete(job.ID); ok {
			if fn, okCast := cancel.(context.CancelFunc); okCast {
				fn()
			}
		}
	}()
	runCtx, cancelRun := context.WithTimeout(ctx, s.jobTimeout)
	defer cancelRun()
	if err := s.runner.Execute(runCtx, job, tool); err != nil && !errors.Is(err, errJobNotRunnable) {
		log.Printf("[jobs] job %s (%s) ended with error: %v", job.ID, tool.JobType(), err)
	}
}
