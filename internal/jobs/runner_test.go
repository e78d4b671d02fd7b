package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/goat-community/goat-core/internal/domain"
	"github.com/goat-community/goat-core/internal/repository"
)

type stubStore struct {
	mu             sync.Mutex
	markRunningErr error
	terminalStatus domain.JobStatus
	terminalMsg    string
	stepWrites     [][]domain.JobStep
}

func (s *stubStore) MarkRunning(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markRunningErr
}

func (s *stubStore) MarkTerminal(ctx context.Context, id uuid.UUID, status domain.JobStatus, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminalStatus = status
	s.terminalMsg = msg
	return nil
}

func (s *stubStore) UpdateSteps(ctx context.Context, id uuid.UUID, steps []domain.JobStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := append([]domain.JobStep(nil), steps...)
	s.stepWrites = append(s.stepWrites, copied)
	return nil
}

func (s *stubStore) lastSteps() []domain.JobStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stepWrites) == 0 {
		return nil
	}
	return s.stepWrites[len(s.stepWrites)-1]
}

func (s *stubStore) terminal() (domain.JobStatus, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalStatus, s.terminalMsg
}

type stubTool struct {
	steps       []Step
	cleanupHits int
	mu          sync.Mutex
}

func (t *stubTool) JobType() domain.JobType { return domain.JobTypeAggregatePoint }
func (t *stubTool) Steps() []Step           { return t.steps }
func (t *stubTool) Cleanup(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanupHits++
	return nil
}

func (t *stubTool) cleanups() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cleanupHits
}

func newTestJob() domain.Job {
	return domain.Job{ID: uuid.New(), Status: domain.JobStatusPending}
}

func TestRunnerFinishesAndRecordsStepsInOrder(t *testing.T) {
	store := &stubStore{}
	var order []string
	tool := &stubTool{steps: []Step{
		{Name: "resolve", Run: func(ctx context.Context) error { order = append(order, "resolve"); return nil }},
		{Name: "stage", Run: func(ctx context.Context) error { order = append(order, "stage"); return nil }},
		{Name: "compute", Run: func(ctx context.Context) error { order = append(order, "compute"); return nil }},
	}}

	if err := NewRunner(store, nil).Execute(context.Background(), newTestJob(), tool); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(order) != 3 || order[0] != "resolve" || order[2] != "compute" {
		t.Fatalf("steps ran out of order: %v", order)
	}
	status, _ := store.terminal()
	if status != domain.JobStatusFinished {
		t.Fatalf("expected finished, got %s", status)
	}
	steps := store.lastSteps()
	if len(steps) != 3 {
		t.Fatalf("expected 3 persisted steps, got %d", len(steps))
	}
	for _, step := range steps {
		if step.Status != domain.StepStatusFinished {
			t.Fatalf("step %s not finished: %s", step.Name, step.Status)
		}
		if step.FinishedAt == nil {
			t.Fatalf("step %s missing finish time", step.Name)
		}
	}
	if tool.cleanups() != 1 {
		t.Fatalf("cleanup should run once, got %d", tool.cleanups())
	}
}

func TestRunnerFailureRecordsFailingStepAndStops(t *testing.T) {
	store := &stubStore{}
	computeRan := false
	tool := &stubTool{steps: []Step{
		{Name: "resolve", Run: func(ctx context.Context) error { return nil }},
		{Name: "stage", Run: func(ctx context.Context) error { return errors.New("temp table collision") }},
		{Name: "compute", Run: func(ctx context.Context) error { computeRan = true; return nil }},
	}}

	err := NewRunner(store, nil).Execute(context.Background(), newTestJob(), tool)
	if err == nil {
		t.Fatal("expected execution error")
	}
	if computeRan {
		t.Fatal("steps after the failure must not run")
	}
	status, msg := store.terminal()
	if status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	if msg == "" {
		t.Fatal("expected failure message")
	}
	steps := store.lastSteps()
	if len(steps) != 2 {
		t.Fatalf("expected 2 persisted steps, got %d", len(steps))
	}
	if steps[1].Name != "stage" || steps[1].Status != domain.StepStatusFailed {
		t.Fatalf("failing step not recorded: %+v", steps[1])
	}
	if tool.cleanups() != 1 {
		t.Fatal("cleanup must run on failure")
	}
}

func TestRunnerMapsDeadlineToTimeout(t *testing.T) {
	store := &stubStore{}
	tool := &stubTool{steps: []Step{
		{Name: "compute", Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := NewRunner(store, nil).Execute(ctx, newTestJob(), tool); err == nil {
		t.Fatal("expected timeout error")
	}
	status, _ := store.terminal()
	if status != domain.JobStatusTimeout {
		t.Fatalf("expected timeout, got %s", status)
	}
	if tool.cleanups() != 1 {
		t.Fatal("cleanup must run on timeout")
	}
}

func TestRunnerMapsCancellationToKilled(t *testing.T) {
	store := &stubStore{}
	ctx, cancel := context.WithCancel(context.Background())
	tool := &stubTool{steps: []Step{
		{Name: "compute", Run: func(ctx context.Context) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}},
	}}

	if err := NewRunner(store, nil).Execute(ctx, newTestJob(), tool); err == nil {
		t.Fatal("expected cancellation error")
	}
	status, _ := store.terminal()
	if status != domain.JobStatusKilled {
		t.Fatalf("expected killed, got %s", status)
	}
}

func TestRunnerSkipsJobsThatAreNotPending(t *testing.T) {
	store := &stubStore{markRunningErr: repository.ErrJobStatusConflict}
	tool := &stubTool{steps: []Step{
		{Name: "compute", Run: func(ctx context.Context) error {
			t.Fatal("step must not run")
			return nil
		}},
	}}

	err := NewRunner(store, nil).Execute(context.Background(), newTestJob(), tool)
	if !errors.Is(err, errJobNotRunnable) {
		t.Fatalf("expected not-runnable, got %v", err)
	}
}

func TestRunnerRecoversFromStepPanic(t *testing.T) {
	store := &stubStore{}
	tool := &stubTool{steps: []Step{
		{Name: "compute", Run: func(ctx context.Context) error { panic("boom") }},
	}}

	if err := NewRunner(store, nil).Execute(context.Background(), newTestJob(), tool); err == nil {
		t.Fatal("expected panic to surface as error")
	}
	status, _ := store.terminal()
	if status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	if tool.cleanups() != 1 {
		t.Fatal("cleanup must run after a panic")
	}
}
