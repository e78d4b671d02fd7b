package jobs

import (
	"context"

	"github.com/goat-community/goat-core/internal/domain"
)

// Step is one named unit of tool work. The runner records each step in the
// job's step log before and after execution.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Tool is an analysis tool executed as a job. Steps run in order under the
// job's deadline; Cleanup runs on every exit path, successful or not.
type Tool interface {
	JobType() domain.JobType
	Steps() []Step
	Cleanup(ctx context.Context) error
}
