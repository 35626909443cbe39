// Package pipeline runs the fixed, checkpointed stage sequence for one job.
//
// Every step result is recorded under (jobID, step). Re-running Execute for
// the same job replays recorded steps without their side effects and
// continues at the first step that has no checkpoint. Delay steps record an
// absolute wake time and suspend the run instead of sleeping, so the caller
// can park the job and free its goroutine.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/cuongbtq/job-pipeline/internal/domain"
	"github.com/cuongbtq/job-pipeline/internal/progress"
)

// Config holds the pipeline timing and output settings
type Config struct {
	DependencyDelay   time.Duration
	PrepareDelay      time.Duration
	MainWorkMin       time.Duration
	MainWorkMax       time.Duration
	PostProcessDelay  time.Duration
	OutputURLTemplate string
}

// DefaultConfig returns the reference timings
func DefaultConfig() Config {
	return Config{
		DependencyDelay:   time.Second,
		PrepareDelay:      500 * time.Millisecond,
		MainWorkMin:       1000 * time.Millisecond,
		MainWorkMax:       3000 * time.Millisecond,
		PostProcessDelay:  time.Second,
		OutputURLTemplate: "https://picsum.photos/seed/%s/512/512",
	}
}

// Dependencies holds the collaborators of the executor
type Dependencies struct {
	Logger      *slog.Logger
	Jobs        JobStore
	Checkpoints CheckpointStore
	Progress    progress.Cache
	Loader      DependencyLoader
	// Clock defaults to time.Now
	Clock func() time.Time
	// Int64N returns a value in [0, n); defaults to math/rand/v2
	Int64N func(n int64) int64
}

// OutcomeState is how one Execute call ended
type OutcomeState string

const (
	OutcomeCompleted OutcomeState = "completed"
	OutcomeFailed    OutcomeState = "failed"
	OutcomeSuspended OutcomeState = "suspended"
)

// Outcome is the result of an Execute call that did not error
type Outcome struct {
	State OutcomeState
	// WakeAt is set when State is OutcomeSuspended
	WakeAt time.Time
	Output string
	Error  string
}

// StageError reports the step at which an attempt was abandoned. Checkpoints
// recorded before the failing step stay valid.
type StageError struct {
	Step string
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// suspension unwinds the step sequence when a delay has not elapsed yet
type suspension struct {
	step   string
	wakeAt time.Time
}

func (s *suspension) Error() string {
	return fmt.Sprintf("suspended at %s until %s", s.step, s.wakeAt.Format(time.RFC3339Nano))
}

// Executor runs the pipeline for one job at a time per call
type Executor struct {
	logger      *slog.Logger
	jobs        JobStore
	checkpoints CheckpointStore
	progress    progress.Cache
	loader      DependencyLoader
	now         func() time.Time
	int64N      func(n int64) int64
	cfg         Config
}

// NewExecutor creates a new executor
func NewExecutor(deps *Dependencies, cfg Config) *Executor {
	e := &Executor{
		logger:      deps.Logger,
		jobs:        deps.Jobs,
		checkpoints: deps.Checkpoints,
		progress:    deps.Progress,
		loader:      deps.Loader,
		now:         deps.Clock,
		int64N:      deps.Int64N,
		cfg:         cfg,
	}
	if e.loader == nil {
		e.loader = noopLoader{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.int64N == nil {
		e.int64N = rand.Int64N
	}
	return e
}

// Execute runs or resumes the pipeline for jobID. A transient failure is
// returned as *StageError; a forced failure is an OutcomeFailed, not an error.
func (e *Executor) Execute(ctx context.Context, jobID string) (*Outcome, error) {
	job, err := e.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	// Terminal jobs are only reported, never re-run; a manual retry resets
	// the record to PENDING before it is published again.
	if job.Status.IsTerminal() {
		e.logger.Info("Job already terminal, skipping execution",
			slog.String("job_id", jobID),
			slog.String("status", string(job.Status)),
		)
		return terminalOutcome(job), nil
	}

	if !job.Status.CanTransitionTo(domain.JobStatusProcessing) {
		return nil, fmt.Errorf("%w: status %q", domain.ErrJobNotRunnable, job.Status)
	}

	r := &run{executor: e, job: job}
	outcome, err := r.execute(ctx)

	var s *suspension
	if errors.As(err, &s) {
		e.logger.Debug("Job suspended",
			slog.String("job_id", jobID),
			slog.String("step", s.step),
			slog.Time("wake_at", s.wakeAt),
		)
		return &Outcome{State: OutcomeSuspended, WakeAt: s.wakeAt}, nil
	}
	if err != nil {
		return nil, err
	}

	return outcome, nil
}

// Fail marks the job FAILED with the message of the error that exhausted its
// retries and publishes a terminal snapshot
func (e *Executor) Fail(ctx context.Context, jobID string, cause error) error {
	message := cause.Error()
	percent := 0

	var stageErr *StageError
	if errors.As(cause, &stageErr) {
		message = stageErr.Err.Error()
		percent = percentFor(stageErr.Step)
	}

	now := e.now()
	e.publish(ctx, jobID, &domain.ProgressSnapshot{
		Status:    domain.JobStatusFailed,
		Stage:     domain.StageFailed,
		Progress:  percent,
		UpdatedAt: now,
		Error:     message,
	})

	if err := e.jobs.MarkFailed(ctx, jobID, message, now); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	e.logger.Warn("Job failed after exhausting retries",
		slog.String("job_id", jobID),
		slog.String("error", message),
	)

	return nil
}

// publish writes a progress snapshot; the cache is advisory so errors are
// logged and swallowed
func (e *Executor) publish(ctx context.Context, jobID string, snapshot *domain.ProgressSnapshot) {
	if err := e.progress.Put(ctx, jobID, snapshot); err != nil {
		e.logger.Warn("Failed to publish progress snapshot",
			slog.String("job_id", jobID),
			slog.String("stage", snapshot.Stage),
			slog.String("error", err.Error()),
		)
	}
}

// drawMainWorkDelay picks a delay in [MainWorkMin, MainWorkMax]
func (e *Executor) drawMainWorkDelay() time.Duration {
	lo, hi := e.cfg.MainWorkMin, e.cfg.MainWorkMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(e.int64N(int64(hi-lo)+1))
}

func terminalOutcome(job *domain.Job) *Outcome {
	if job.Status == domain.JobStatusComplete {
		outcome := &Outcome{State: OutcomeCompleted}
		if job.Output != nil {
			outcome.Output = *job.Output
		}
		return outcome
	}

	outcome := &Outcome{State: OutcomeFailed}
	if job.ErrorMessage != nil {
		outcome.Error = *job.ErrorMessage
	}
	return outcome
}

// run is the state of one Execute call
type run struct {
	executor *Executor
	job      *domain.Job
}

func (r *run) execute(ctx context.Context) (*Outcome, error) {
	e := r.executor
	jobID := r.job.JobID

	if _, err := step(ctx, r, StepStart, func(ctx context.Context) (startResult, error) {
		r.progress(ctx, domain.JobStatusProcessing, domain.StageInitializing, StepStart)
		return startResult{}, e.jobs.MarkProcessing(ctx, jobID, e.now())
	}); err != nil {
		return nil, err
	}

	if _, err := step(ctx, r, StepLoadDependency, func(ctx context.Context) (loadResult, error) {
		r.progress(ctx, domain.JobStatusProcessing, domain.StageLoadingDependency, StepLoadDependency)
		return loadResult{}, e.loader.Load(ctx, r.job)
	}); err != nil {
		return nil, err
	}

	if err := r.sleep(ctx, StepLoadDependencyDelay, func() time.Duration { return e.cfg.DependencyDelay }); err != nil {
		return nil, err
	}

	if _, err := step(ctx, r, StepPrepareInput, func(ctx context.Context) (prepareResult, error) {
		r.progress(ctx, domain.JobStatusProcessing, domain.StagePreparingInput, StepPrepareInput)
		return prepareResult{Input: strings.TrimSpace(r.job.Input)}, nil
	}); err != nil {
		return nil, err
	}

	if err := r.sleep(ctx, StepPrepareInputDelay, func() time.Duration { return e.cfg.PrepareDelay }); err != nil {
		return nil, err
	}

	check, err := step(ctx, r, StepCheckForcedFailure, func(ctx context.Context) (forcedFailureResult, error) {
		current, err := e.jobs.GetJobByID(ctx, jobID)
		if err != nil {
			return forcedFailureResult{}, err
		}
		return forcedFailureResult{SimulateFailure: current.SimulateFailure}, nil
	})
	if err != nil {
		return nil, err
	}

	if check.SimulateFailure {
		if _, err := step(ctx, r, StepHandleFailure, func(ctx context.Context) (failureResult, error) {
			e.logger.Warn("Forced failure triggered", slog.String("job_id", jobID))

			now := e.now()
			e.publish(ctx, jobID, &domain.ProgressSnapshot{
				Status:    domain.JobStatusFailed,
				Stage:     domain.StageFailed,
				Progress:  percentFor(StepHandleFailure),
				UpdatedAt: now,
				Error:     domain.ForcedFailureMessage,
			})
			return failureResult{Error: domain.ForcedFailureMessage}, e.jobs.MarkFailed(ctx, jobID, domain.ForcedFailureMessage, now)
		}); err != nil {
			return nil, err
		}

		e.logger.Info("Job failed (forced)", slog.String("job_id", jobID))
		return &Outcome{State: OutcomeFailed, Error: domain.ForcedFailureMessage}, nil
	}

	mainWork, err := step(ctx, r, StepRunMainWork, func(ctx context.Context) (mainWorkResult, error) {
		r.progress(ctx, domain.JobStatusProcessing, domain.StageRunning, StepRunMainWork)
		return mainWorkResult{DelayMS: e.drawMainWorkDelay().Milliseconds()}, nil
	})
	if err != nil {
		return nil, err
	}

	if err := r.sleep(ctx, StepRunMainWorkDelay, func() time.Duration {
		return time.Duration(mainWork.DelayMS) * time.Millisecond
	}); err != nil {
		return nil, err
	}

	if _, err := step(ctx, r, StepPostProcess, func(ctx context.Context) (postProcessResult, error) {
		r.progress(ctx, domain.JobStatusProcessing, domain.StagePostProcessing, StepPostProcess)
		return postProcessResult{}, nil
	}); err != nil {
		return nil, err
	}

	if err := r.sleep(ctx, StepPostProcessDelay, func() time.Duration { return e.cfg.PostProcessDelay }); err != nil {
		return nil, err
	}

	final, err := step(ctx, r, StepFinalize, func(ctx context.Context) (finalizeResult, error) {
		output := fmt.Sprintf(e.cfg.OutputURLTemplate, jobID)
		now := e.now()

		e.publish(ctx, jobID, &domain.ProgressSnapshot{
			Status:    domain.JobStatusComplete,
			Stage:     domain.StageComplete,
			Progress:  percentFor(StepFinalize),
			UpdatedAt: now,
			Output:    output,
		})
		return finalizeResult{Output: output}, e.jobs.MarkCompleted(ctx, jobID, output, now)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Job completed successfully",
		slog.String("job_id", jobID),
		slog.String("output", final.Output),
	)

	return &Outcome{State: OutcomeCompleted, Output: final.Output}, nil
}

// progress publishes an in-flight snapshot for step
func (r *run) progress(ctx context.Context, status domain.Status, stage, stepName string) {
	r.executor.publish(ctx, r.job.JobID, &domain.ProgressSnapshot{
		Status:    status,
		Stage:     stage,
		Progress:  percentFor(stepName),
		UpdatedAt: r.executor.now(),
	})
}

type sleepRecord struct {
	WakeAt time.Time `json:"wake_at"`
}

// sleep records the wake time on first reach and suspends until it passes.
// delay is only evaluated when no checkpoint exists.
func (r *run) sleep(ctx context.Context, name string, delay func() time.Duration) error {
	rec, err := step(ctx, r, name, func(context.Context) (sleepRecord, error) {
		return sleepRecord{WakeAt: r.executor.now().Add(delay())}, nil
	})
	if err != nil {
		return err
	}

	if r.executor.now().Before(rec.WakeAt) {
		return &suspension{step: name, wakeAt: rec.WakeAt}
	}
	return nil
}

// step runs fn once per job and records its result. When a checkpoint
// already exists fn is skipped and the recorded result is returned.
func step[T any](ctx context.Context, r *run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	e := r.executor
	jobID := r.job.JobID

	raw, found, err := e.checkpoints.GetCheckpoint(ctx, jobID, name)
	if err != nil {
		return result, &StageError{Step: name, Err: fmt.Errorf("failed to read checkpoint: %w", err)}
	}
	if found {
		if err := json.Unmarshal(raw, &result); err != nil {
			return result, &StageError{Step: name, Err: fmt.Errorf("failed to decode checkpoint: %w", err)}
		}
		e.logger.Debug("Step replayed from checkpoint",
			slog.String("job_id", jobID),
			slog.String("step", name),
		)
		return result, nil
	}

	e.logger.Debug("Running step",
		slog.String("job_id", jobID),
		slog.String("step", name),
	)

	result, err = fn(ctx)
	if err != nil {
		return result, &StageError{Step: name, Err: err}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return result, &StageError{Step: name, Err: fmt.Errorf("failed to encode checkpoint: %w", err)}
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, jobID, name, data); err != nil {
		return result, &StageError{Step: name, Err: fmt.Errorf("failed to save checkpoint: %w", err)}
	}

	return result, nil
}
