package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/job-pipeline/internal/domain"
	"github.com/cuongbtq/job-pipeline/internal/limiter"
	"github.com/cuongbtq/job-pipeline/internal/pipeline"
)

// errDeliveriesClosed stops the worker when the broker closes the consumer
var errDeliveriesClosed = errors.New("delivery channel closed")

// JobExecutor runs and fails jobs
type JobExecutor interface {
	Execute(ctx context.Context, jobID string) (*pipeline.Outcome, error)
	Fail(ctx context.Context, jobID string, cause error) error
}

// DeliverySource starts a consumer on the job queue
type DeliverySource interface {
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Source      DeliverySource
	Executor    JobExecutor
	Limiter     *limiter.Limiter
	Retry       *pipeline.RetryPolicy
	Concurrency int
	ConsumerTag string
	Prefetch    int
	// JobTimeout bounds a single Execute call, not the whole job
	JobTimeout time.Duration
	// Clock defaults to time.Now
	Clock func() time.Time
}

// Worker consumes job messages, admits them through the limiter and drives
// them to a terminal state. Suspended jobs wait in the timer queue without
// occupying a runner; they keep their limiter slot until they finish.
type Worker struct {
	logger      *slog.Logger
	source      DeliverySource
	executor    JobExecutor
	limiter     *limiter.Limiter
	retry       *pipeline.RetryPolicy
	concurrency int
	consumerTag string
	prefetch    int
	jobTimeout  time.Duration
	now         func() time.Time

	ready     chan *task
	scheduler *scheduler
	admitting sync.WaitGroup

	mu sync.Mutex
	// active maps each in-flight job to the deliveries for it that arrived
	// while it was running
	active map[string][]*task
}

// task is one delivered job message on its way through the worker
type task struct {
	delivery amqp.Delivery
	msg      domain.JobMessage
	slot     *limiter.Slot
	// attempt is 1-based and resets once the job makes progress
	attempt int
	logger  *slog.Logger
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:      cfg.Logger,
		source:      cfg.Source,
		executor:    cfg.Executor,
		limiter:     cfg.Limiter,
		retry:       cfg.Retry,
		concurrency: cfg.Concurrency,
		consumerTag: cfg.ConsumerTag,
		prefetch:    cfg.Prefetch,
		jobTimeout:  cfg.JobTimeout,
		now:         cfg.Clock,
		active:      make(map[string][]*task),
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.retry == nil {
		w.retry = pipeline.NewRetryPolicy()
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	w.ready = make(chan *task, w.concurrency)
	w.scheduler = newScheduler(w.ready, w.now)
	return w
}

// Start consumes and processes jobs until ctx is canceled or the delivery
// channel closes. Jobs still in flight at shutdown are returned to the queue
// and resume from their checkpoints on redelivery.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch", w.prefetch),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.dispatch(gctx, deliveries)
	})

	g.Go(func() error {
		return w.scheduler.Run(gctx)
	})

	w.spawnRunners(gctx, g)

	err = g.Wait()

	w.admitting.Wait()
	w.abandonPending()

	if errors.Is(err, errDeliveriesClosed) && ctx.Err() != nil {
		err = nil
	}

	w.logger.Info("Worker stopped")
	return err
}

// abandonPending requeues every task that was admitted but not finished
func (w *Worker) abandonPending() {
	parked := w.scheduler.Drain()
	for {
		select {
		case t := <-w.ready:
			parked = append(parked, t)
			continue
		default:
		}
		break
	}

	for _, t := range parked {
		w.abandon(t, "worker shutting down")
	}

	if len(parked) > 0 {
		w.logger.Info("Returned pending jobs to the queue", slog.Int("count", len(parked)))
	}
}

// track makes t the owner of its job, or parks t behind the delivery that
// already owns it and reports false
func (w *Worker) track(t *task) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	jobID := t.msg.JobID
	if parked, ok := w.active[jobID]; ok {
		w.active[jobID] = append(parked, t)
		return false
	}
	w.active[jobID] = nil
	return true
}

// handOff passes ownership of jobID to the oldest parked delivery, or forgets
// the job when nothing is parked
func (w *Worker) handOff(jobID string) *task {
	w.mu.Lock()
	defer w.mu.Unlock()

	parked := w.active[jobID]
	if len(parked) == 0 {
		delete(w.active, jobID)
		return nil
	}
	w.active[jobID] = parked[1:]
	return parked[0]
}

// untrack forgets jobID and returns the deliveries parked behind it
func (w *Worker) untrack(jobID string) []*task {
	w.mu.Lock()
	defer w.mu.Unlock()

	parked := w.active[jobID]
	delete(w.active, jobID)
	return parked
}

// InFlight returns how many jobs the worker currently holds
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}
