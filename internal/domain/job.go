package domain

import "time"

// Job is the authoritative record of one unit of submitted work
type Job struct {
	JobID           string     `db:"job_id"`
	OwnerID         string     `db:"owner_id"`
	Input           string     `db:"input"`
	Status          Status     `db:"status"`
	Output          *string    `db:"output"`
	ErrorMessage    *string    `db:"error_message"`
	SimulateFailure bool       `db:"simulate_failure"`
	CreatedAt       time.Time  `db:"created_at"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// JobMessage is the queue payload that triggers execution of a job
type JobMessage struct {
	JobID   string `json:"job_id"`
	OwnerID string `json:"owner_id"`
}

// JobFilter selects one owner's jobs for cursor pagination. AfterID is the
// last id seen on the previous page.
type JobFilter struct {
	OwnerID  string
	Status   Status
	PageSize int
	AfterID  string
}
