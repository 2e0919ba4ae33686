package domain

import (
	"time"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusRemoved    Status = "removed"
)

// Terminal reports whether a record in this status will never run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRemoved
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusDispatched, StatusCompleted, StatusRemoved:
		return true
	}
	return false
}

// Job is what a caller submits. It is never mutated after submission.
type Job struct {
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	RunAt     time.Time `json:"run_at"`
	Action    Action    `json:"action"`
	OnSuccess *Action   `json:"on_success,omitempty"`
	OnFailure *Action   `json:"on_failure,omitempty"`
}

// ScheduledJob is a Job plus the id assigned at submission.
type ScheduledJob struct {
	ID string `json:"id"`
	Job
}

// JobRecord is the persisted form of a ScheduledJob.
type JobRecord struct {
	ScheduledJob
	Status        Status    `json:"status"`
	InstanceCount int       `json:"instance_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Context returns the correlation fields handed to every action of this job.
func (r JobRecord) Context() JobContext {
	return JobContext{JobID: r.ID, JobName: r.Name, JobCategory: r.Category}
}

type JobContext struct {
	JobID       string `json:"job_uuid"`
	JobName     string `json:"job_name"`
	JobCategory string `json:"job_category,omitempty"`
}

type Phase string

const (
	PhasePrimary   Phase = "primary"
	PhaseOnSuccess Phase = "on_success"
	PhaseOnFailure Phase = "on_failure"
)

// Execution is one recorded action attempt.
type Execution struct {
	ID         int64     `json:"id"`
	JobID      string    `json:"job_uuid"`
	Phase      Phase     `json:"phase"`
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
