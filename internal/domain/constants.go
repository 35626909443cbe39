package domain

// Status is the lifecycle state of a job
type Status string

// Job status constants
const (
	JobStatusPending    Status = "PENDING"
	JobStatusProcessing Status = "PROCESSING"
	JobStatusComplete   Status = "COMPLETE"
	JobStatusFailed     Status = "FAILED"
)

// Fixed user-visible failure messages
const (
	ForcedFailureMessage = "Forced failure (testing)"
	QueueFailureMessage  = "Failed to queue job"
)

// Progress snapshot stage labels
const (
	StageInitializing      = "initializing"
	StageLoadingDependency = "loading_dependency"
	StagePreparingInput    = "preparing_input"
	StageRunning           = "running"
	StagePostProcessing    = "post_processing"
	StageComplete          = "complete"
	StageFailed            = "failed"
)

// transitions lists the allowed status edges. FAILED -> PENDING is only
// taken by a manual retry.
var transitions = map[Status][]Status{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusProcessing, JobStatusComplete, JobStatusFailed},
	JobStatusFailed:     {JobStatusPending},
}

// ParseStatus converts a string into a known Status
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case JobStatusPending, JobStatusProcessing, JobStatusComplete, JobStatusFailed:
		return st, nil
	}
	return "", ErrInvalidStatus
}

// IsTerminal reports whether no automatic transition leaves this status
func (s Status) IsTerminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// CanTransitionTo reports whether s -> next is an allowed edge
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// rank orders statuses for the monotonic progression check
func (s Status) rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusComplete, JobStatusFailed:
		return 2
	}
	return -1
}

// Before reports whether s comes strictly before other in
// PENDING -> PROCESSING -> {COMPLETE | FAILED}
func (s Status) Before(other Status) bool {
	return s.rank() < other.rank()
}
