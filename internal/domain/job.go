package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobType enumerates the analysis tools that run as jobs.
type JobType string

const (
	JobTypeAggregatePoint    JobType = "aggregate_point"
	JobTypeAggregatePolygon  JobType = "aggregate_polygon"
	JobTypeOriginDestination JobType = "origin_destination"
	JobTypeIsochrone         JobType = "isochrone"
)

// JobStatus captures lifecycle state for an analysis job.
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusFinished JobStatus = "finished"
	JobStatusFailed   JobStatus = "failed"
	JobStatusTimeout  JobStatus = "timeout"
	JobStatusKilled   JobStatus = "killed"
)

// IsTerminal reports whether the status is absorbing.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusFinished, JobStatusFailed, JobStatusTimeout, JobStatusKilled:
		return true
	}
	return false
}

// StepStatus tracks the outcome of a single named job step.
type StepStatus string

const (
	StepStatusRunning  StepStatus = "running"
	StepStatusFinished StepStatus = "finished"
	StepStatusFailed   StepStatus = "failed"
)

// JobStep is one entry of a job's ordered step log.
type JobStep struct {
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	Message    string     `json:"message,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Job mirrors persisted analysis job metadata for workers and polling clients.
type Job struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	ProjectID    *uuid.UUID      `json:"project_id,omitempty"`
	Type         JobType         `json:"type"`
	Status       JobStatus       `json:"status"`
	LayerIDs     []uuid.UUID     `json:"layer_ids"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Steps        []JobStep       `json:"steps"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Transition validates a status change. Terminal states are absorbing and a
// job can only start running from pending.
func (j *Job) Transition(next JobStatus) error {
	if j.Status == next {
		return nil
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("job %s already %s", j.ID, j.Status)
	}
	switch next {
	case JobStatusRunning:
		if j.Status != JobStatusPending {
			return fmt.Errorf("job %s cannot start from %s", j.ID, j.Status)
		}
	case JobStatusFinished, JobStatusTimeout:
		if j.Status != JobStatusRunning {
			return fmt.Errorf("job %s cannot reach %s from %s", j.ID, next, j.Status)
		}
	case JobStatusFailed, JobStatusKilled:
		// failure and cancellation may strike pending or running jobs
	default:
		return fmt.Errorf("unknown job status %q", next)
	}
	j.Status = next
	return nil
}

// StepsToJSON marshals the step log into the JSONB layout stored in Postgres.
func (j Job) StepsToJSON() (json.RawMessage, error) {
	steps := j.Steps
	if steps == nil {
		steps = []JobStep{}
	}
	return json.Marshal(steps)
}

// JobStepsFromJSON unmarshals a persisted step log.
func JobStepsFromJSON(data []byte) ([]JobStep, error) {
	if len(data) == 0 {
		return []JobStep{}, nil
	}
	var steps []JobStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []JobStep{}
	}
	return steps, nil
}

// ResourceSuffix derives the hex fragment used to namespace per-job scratch
// tables. Postgres identifiers cannot carry the UUID dashes.
func (j Job) ResourceSuffix() string {
	return strings.ReplaceAll(j.ID.String(), "-", "")
}
