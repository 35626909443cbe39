package domain

import "time"

// ProgressSnapshot is the ephemeral, best-effort mirror of an in-flight job.
// The job record is authoritative whenever the two disagree.
type ProgressSnapshot struct {
	Status    Status    `json:"status"`
	Stage     string    `json:"stage"`
	Progress  int       `json:"progress"`
	UpdatedAt time.Time `json:"updated_at"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
}
