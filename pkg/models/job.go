package models

import "time"

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Job types submitted to the executor.
const (
	JobTypeProcess = "process"
	JobTypeSync    = "sync"
)

// JobInfo is what the API returns when work is submitted. Clients poll
// GET /api/v1/jobs/{job_id} until status is completed, failed or cancelled.
type JobInfo struct {
	ID        string    `json:"job_id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Entity    string    `json:"entity,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the job will not change status again.
func (j *JobInfo) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
