package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/job-pipeline/internal/domain"
	"github.com/cuongbtq/job-pipeline/internal/pipeline"
)

// process runs one execution of t and decides what happens next
func (w *Worker) process(ctx context.Context, t *task) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.jobTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
	}
	outcome, err := w.executor.Execute(runCtx, t.msg.JobID)
	cancel()

	if err != nil {
		w.handleError(ctx, t, err)
		return
	}

	switch outcome.State {
	case pipeline.OutcomeSuspended:
		// Progress was made, so the next failure starts a fresh attempt count
		t.attempt = 1
		t.logger.Debug("Job parked until wake-up", slog.Time("wake_at", outcome.WakeAt))
		w.scheduler.Schedule(t, outcome.WakeAt)

	case pipeline.OutcomeCompleted:
		t.logger.Info("Job completed", slog.String("output", outcome.Output))
		w.finish(ctx, t)

	case pipeline.OutcomeFailed:
		t.logger.Warn("Job failed", slog.String("error", outcome.Error))
		w.finish(ctx, t)
	}
}

// handleError retries transient failures with backoff and fails the job once
// the policy gives up
func (w *Worker) handleError(ctx context.Context, t *task, err error) {
	if ctx.Err() != nil {
		w.abandon(t, "worker shutting down")
		return
	}

	if pipeline.IsPermanent(err) &&
		(errors.Is(err, domain.ErrJobNotFound) || errors.Is(err, domain.ErrJobNotRunnable)) {
		t.logger.Error("Job cannot be executed, dropping message", slog.String("error", err.Error()))
		w.drop(t)
		return
	}

	decision := w.retry.Decide(t.attempt, err)
	if decision.Retry {
		t.logger.Warn("Job attempt failed, retrying",
			slog.Int("attempt", t.attempt),
			slog.Duration("retry_after", decision.Delay),
			slog.String("error", err.Error()),
		)
		t.attempt++
		w.scheduler.Schedule(t, w.now().Add(decision.Delay))
		return
	}

	t.logger.Error("Job attempt failed, giving up",
		slog.Int("attempt", t.attempt),
		slog.Bool("permanent", pipeline.IsPermanent(err)),
		slog.String("error", err.Error()),
	)

	if failErr := w.executor.Fail(ctx, t.msg.JobID, err); failErr != nil {
		if errors.Is(failErr, domain.ErrInvalidTransition) {
			// Already terminal, nothing left to record
			w.finish(ctx, t)
			return
		}
		t.logger.Error("Failed to record job failure", slog.String("error", failErr.Error()))
		w.abandon(t, "failure not recorded")
		return
	}

	w.finish(ctx, t)
}

// finish settles a job that reached a terminal state and admits the next
// delivery parked behind it
func (w *Worker) finish(ctx context.Context, t *task) {
	w.release(t)
	w.ack(t)

	if next := w.handOff(t.msg.JobID); next != nil {
		next.logger.Info("Dispatching parked delivery")
		w.admitting.Add(1)
		go w.admit(ctx, next)
	}
}

// abandon gives the message and any parked copies back to the broker; the
// job resumes from its checkpoints on redelivery
func (w *Worker) abandon(t *task, reason string) {
	t.logger.Info("Returning job to the queue", slog.String("reason", reason))
	w.release(t)
	w.nack(t, true)
	for _, p := range w.untrack(t.msg.JobID) {
		w.nack(p, true)
	}
}

// drop rejects a message that can never run, together with its parked copies
func (w *Worker) drop(t *task) {
	w.release(t)
	w.nack(t, false)
	for _, p := range w.untrack(t.msg.JobID) {
		w.nack(p, false)
	}
}

func (w *Worker) release(t *task) {
	if t.slot != nil {
		t.slot.Release()
		t.slot = nil
	}
}

func (w *Worker) ack(t *task) {
	if err := t.delivery.Ack(false); err != nil {
		t.logger.Error("Failed to ACK message", slog.String("error", err.Error()))
	}
}

func (w *Worker) nack(t *task, requeue bool) {
	if err := t.delivery.Nack(false, requeue); err != nil {
		t.logger.Error("Failed to NACK message",
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
	}
}
