package models

import "time"

// JobScope says whether a job indexes a whole collection or specific units.
type JobScope string

const (
	JobScopeCollection JobScope = "collection"
	JobScopeUnit       JobScope = "unit"
)

// JobState is the lifecycle state of an IngestionJob.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStatePartial   JobState = "partial"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions are allowed. Partial is terminal
// too: a job finishes as partial when some units were parked as failed.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStatePartial, JobStateCancelled:
		return true
	}
	return false
}

// Job is an IngestionJob. It is mutated only by the worker executing it; retries
// create a new job.
type Job struct {
	ID              string     `json:"id"`
	CollectionID    string     `json:"collection_id"`
	Scope           JobScope   `json:"scope"`
	UnitIDs         []string   `json:"unit_ids,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
	State           JobState   `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ProcessedCount  int        `json:"processed_count"`
	FailedUnitIDs   []string   `json:"failed_unit_ids"`
	CancelRequested bool       `json:"cancel_requested"`
	Error           string     `json:"error,omitempty"`
}

// EnqueueRequest is the input for enqueuing an ingestion job.
type EnqueueRequest struct {
	UnitIDs   []string `json:"unit_ids,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}
