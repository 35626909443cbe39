package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/job-pipeline/internal/domain"
	"github.com/cuongbtq/job-pipeline/shared/logger"
)

// setupConsumer starts consuming with the configured prefetch window
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.source.Consume(w.consumerTag, w.prefetch)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.consumerTag),
		slog.Int("prefetch_count", w.prefetch),
	)

	return deliveries, nil
}

// dispatch parses deliveries and hands each job to an admission goroutine
func (w *Worker) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	w.logger.Info("Message dispatcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return errDeliveriesClosed
			}

			msg, err := parseMessage(delivery.Body)
			if err != nil {
				w.logger.Error("Rejecting malformed job message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// Malformed messages are never requeued
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			t := &task{
				delivery: delivery,
				msg:      msg,
				attempt:  1,
				logger:   logger.WithJob(w.logger, msg.JobID, msg.OwnerID),
			}

			if !w.track(t) {
				// Runs after the current delivery settles; a terminal job is
				// then just acked, a reset one runs again
				t.logger.Info("Parking delivery behind in-flight run")
				continue
			}

			w.admitting.Add(1)
			go w.admit(ctx, t)
		}
	}
}

// admit waits for a limiter slot and queues t for a runner
func (w *Worker) admit(ctx context.Context, t *task) {
	defer w.admitting.Done()

	slot, ok := w.limiter.TryAcquire(t.msg.OwnerID)
	if !ok {
		t.logger.Info("Job deferred by concurrency limits", slog.Any("limiter", w.limiter.Stats()))

		var err error
		slot, err = w.limiter.Acquire(ctx, t.msg.OwnerID)
		if err != nil {
			w.abandon(t, "admission canceled")
			return
		}
	}
	t.slot = slot

	t.logger.Debug("Job admitted", slog.Any("limiter", w.limiter.Stats()))

	select {
	case w.ready <- t:
	case <-ctx.Done():
		w.abandon(t, "admission canceled")
	}
}

func parseMessage(body []byte) (domain.JobMessage, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}

	if _, err := uuid.Parse(msg.JobID); err != nil {
		return msg, fmt.Errorf("%w: job_id %q is not a UUID", domain.ErrInvalidMessage, msg.JobID)
	}

	if msg.OwnerID == "" {
		return msg, fmt.Errorf("%w: owner_id is required", domain.ErrInvalidMessage)
	}

	return msg, nil
}
