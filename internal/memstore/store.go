// Package memstore is an in-memory job record and checkpoint store. It
// enforces the same status guards and pagination order as the Postgres
// stores and is used by tests across the service.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/job-pipeline/internal/domain"
)

// Store keeps jobs and checkpoints in maps guarded by one mutex
type Store struct {
	mu          sync.Mutex
	jobs        map[string]*domain.Job
	checkpoints map[string]map[string]json.RawMessage
	history     map[string][]domain.Status
	calls       map[string]int
	failures    map[string][]error
}

// New creates an empty store
func New() *Store {
	return &Store{
		jobs:        make(map[string]*domain.Job),
		checkpoints: make(map[string]map[string]json.RawMessage),
		history:     make(map[string][]domain.Status),
		calls:       make(map[string]int),
		failures:    make(map[string][]error),
	}
}

// FailNext makes the next call to method return err. Calls queue up in order.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = append(s.failures[method], err)
}

// Calls returns how many times method was invoked
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// History returns every status the job has been written with, in order
func (s *Store) History(jobID string) []domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Status(nil), s.history[jobID]...)
}

// Checkpoints returns the recorded step names for a job
func (s *Store) Checkpoints(jobID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := make([]string, 0, len(s.checkpoints[jobID]))
	for step := range s.checkpoints[jobID] {
		steps = append(steps, step)
	}
	sort.Strings(steps)
	return steps
}

// Put stores a job as-is, bypassing transition checks
func (s *Store) Put(job *domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.JobID] = &cp
	s.history[job.JobID] = append(s.history[job.JobID], job.Status)
}

// enter records the call and pops an injected failure; caller holds mu
func (s *Store) enter(method string) error {
	s.calls[method]++
	if queued := s.failures[method]; len(queued) > 0 {
		s.failures[method] = queued[1:]
		return queued[0]
	}
	return nil
}

// CreateJob inserts a new job
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("CreateJob"); err != nil {
		return err
	}

	cp := *job
	s.jobs[job.JobID] = &cp
	s.history[job.JobID] = append(s.history[job.JobID], job.Status)
	return nil
}

// GetJobByID returns a copy of the job
func (s *Store) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("GetJobByID"); err != nil {
		return nil, err
	}

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// GetJobForOwner returns the job only when ownerID owns it
func (s *Store) GetJobForOwner(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("GetJobForOwner"); err != nil {
		return nil, err
	}

	job, ok := s.jobs[jobID]
	if !ok || job.OwnerID != ownerID {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// ListJobs returns up to PageSize+1 jobs ordered newest first
func (s *Store) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("ListJobs"); err != nil {
		return nil, err
	}

	matched := s.matchLocked(filter)

	if filter.AfterID != "" {
		after, ok := s.jobs[filter.AfterID]
		if !ok || after.OwnerID != filter.OwnerID {
			return nil, domain.ErrInvalidCursor
		}

		var rest []domain.Job
		for _, job := range matched {
			if job.CreatedAt.Before(after.CreatedAt) ||
				(job.CreatedAt.Equal(after.CreatedAt) && job.JobID < after.JobID) {
				rest = append(rest, job)
			}
		}
		matched = rest
	}

	if len(matched) > filter.PageSize+1 {
		matched = matched[:filter.PageSize+1]
	}
	return matched, nil
}

// CountJobs counts every job matching the filter, ignoring the cursor
func (s *Store) CountJobs(ctx context.Context, filter domain.JobFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("CountJobs"); err != nil {
		return 0, err
	}
	return len(s.matchLocked(filter)), nil
}

func (s *Store) matchLocked(filter domain.JobFilter) []domain.Job {
	var matched []domain.Job
	for _, job := range s.jobs {
		if job.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		matched = append(matched, *job)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].JobID > matched[j].JobID
	})
	return matched
}

// MarkProcessing moves PENDING or PROCESSING to PROCESSING, keeping the
// first startedAt
func (s *Store) MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("MarkProcessing"); err != nil {
		return err
	}

	job, err := s.transitionLocked(jobID, domain.JobStatusProcessing)
	if err != nil {
		return err
	}
	if job.StartedAt == nil {
		t := startedAt
		job.StartedAt = &t
	}
	job.UpdatedAt = startedAt
	return nil
}

// MarkCompleted moves PROCESSING to COMPLETE
func (s *Store) MarkCompleted(ctx context.Context, jobID, output string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("MarkCompleted"); err != nil {
		return err
	}

	job, err := s.transitionLocked(jobID, domain.JobStatusComplete)
	if err != nil {
		return err
	}
	job.Output = &output
	job.ErrorMessage = nil
	job.CompletedAt = &completedAt
	job.UpdatedAt = completedAt
	return nil
}

// MarkFailed moves PENDING or PROCESSING to FAILED
func (s *Store) MarkFailed(ctx context.Context, jobID, errorMessage string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("MarkFailed"); err != nil {
		return err
	}

	job, err := s.transitionLocked(jobID, domain.JobStatusFailed)
	if err != nil {
		return err
	}
	job.ErrorMessage = &errorMessage
	job.Output = nil
	job.CompletedAt = &completedAt
	job.UpdatedAt = completedAt
	return nil
}

// MarkQueueFailed records a publish failure on a PENDING job
func (s *Store) MarkQueueFailed(ctx context.Context, jobID, errorMessage string, at time.Time) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if ok && job.Status != domain.JobStatusPending {
		s.mu.Unlock()
		return domain.ErrInvalidTransition
	}
	s.mu.Unlock()

	return s.MarkFailed(ctx, jobID, errorMessage, at)
}

// ResetForRetry returns a FAILED job owned by ownerID to PENDING and drops
// its checkpoints
func (s *Store) ResetForRetry(ctx context.Context, jobID, ownerID string, at time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("ResetForRetry"); err != nil {
		return nil, err
	}

	job, ok := s.jobs[jobID]
	if !ok || job.OwnerID != ownerID {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusFailed {
		return nil, domain.ErrNotRetryable
	}

	job.Status = domain.JobStatusPending
	job.ErrorMessage = nil
	job.Output = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	job.UpdatedAt = at
	s.history[jobID] = append(s.history[jobID], domain.JobStatusPending)
	delete(s.checkpoints, jobID)

	cp := *job
	return &cp, nil
}

func (s *Store) transitionLocked(jobID string, next domain.Status) (*domain.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	// FAILED -> PENDING only goes through ResetForRetry
	if next == domain.JobStatusPending || !job.Status.CanTransitionTo(next) {
		return nil, domain.ErrInvalidTransition
	}
	job.Status = next
	s.history[jobID] = append(s.history[jobID], next)
	return job, nil
}

// GetCheckpoint returns the recorded result of a step
func (s *Store) GetCheckpoint(ctx context.Context, jobID, step string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("GetCheckpoint"); err != nil {
		return nil, false, err
	}

	result, ok := s.checkpoints[jobID][step]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), result...), true, nil
}

// SaveCheckpoint records the result of a step, keeping the first write
func (s *Store) SaveCheckpoint(ctx context.Context, jobID, step string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("SaveCheckpoint"); err != nil {
		return err
	}

	if s.checkpoints[jobID] == nil {
		s.checkpoints[jobID] = make(map[string]json.RawMessage)
	}
	if _, exists := s.checkpoints[jobID][step]; !exists {
		s.checkpoints[jobID][step] = append(json.RawMessage(nil), result...)
	}
	return nil
}
