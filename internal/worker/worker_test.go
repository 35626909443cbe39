package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/job-pipeline/internal/domain"
	"github.com/cuongbtq/job-pipeline/internal/limiter"
	"github.com/cuongbtq/job-pipeline/internal/memstore"
	"github.com/cuongbtq/job-pipeline/internal/pipeline"
	"github.com/cuongbtq/job-pipeline/internal/progress"
)

type settlement struct {
	acked   bool
	requeue bool
}

// fakeAcknowledger records how each delivery tag was settled
type fakeAcknowledger struct {
	mu      sync.Mutex
	settled map[uint64][]settlement
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{settled: make(map[uint64][]settlement)}
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[tag] = append(a.settled[tag], settlement{acked: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[tag] = append(a.settled[tag], settlement{requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) get(tag uint64) []settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]settlement(nil), a.settled[tag]...)
}

type fakeSource struct {
	deliveries chan amqp.Delivery
	err        error
}

func (s *fakeSource) Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.deliveries, nil
}

type harnessOptions struct {
	global   int
	perOwner int
	pipeline pipeline.Config
	loader   pipeline.DependencyLoader
	retry    *pipeline.RetryPolicy
	wrap     func(JobExecutor) JobExecutor
}

// hookedExecutor runs afterFail once the wrapped Fail has recorded the failure
type hookedExecutor struct {
	JobExecutor
	afterFail func(jobID string)
}

func (e *hookedExecutor) Fail(ctx context.Context, jobID string, cause error) error {
	if err := e.JobExecutor.Fail(ctx, jobID, cause); err != nil {
		return err
	}
	e.afterFail(jobID)
	return nil
}

func fastPipeline() pipeline.Config {
	return pipeline.Config{
		DependencyDelay:   5 * time.Millisecond,
		PrepareDelay:      5 * time.Millisecond,
		MainWorkMin:       5 * time.Millisecond,
		MainWorkMax:       10 * time.Millisecond,
		PostProcessDelay:  5 * time.Millisecond,
		OutputURLTemplate: "https://picsum.photos/seed/%s/512/512",
	}
}

type harness struct {
	worker  *Worker
	store   *memstore.Store
	limiter *limiter.Limiter
	acks    *fakeAcknowledger
	source  *fakeSource

	tag    atomic.Uint64
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	if opts.global == 0 {
		opts.global = 5
	}
	if opts.perOwner == 0 {
		opts.perOwner = 2
	}
	if opts.pipeline == (pipeline.Config{}) {
		opts.pipeline = fastPipeline()
	}
	if opts.retry == nil {
		opts.retry = &pipeline.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     pipeline.ExponentialBackoff(time.Millisecond, 5*time.Millisecond, 2),
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	lim, err := limiter.New(opts.global, opts.perOwner)
	require.NoError(t, err)

	h := &harness{
		store:   memstore.New(),
		limiter: lim,
		acks:    newFakeAcknowledger(),
		source:  &fakeSource{deliveries: make(chan amqp.Delivery, 64)},
	}

	var executor JobExecutor = pipeline.NewExecutor(&pipeline.Dependencies{
		Logger:      logger,
		Jobs:        h.store,
		Checkpoints: h.store,
		Progress:    progress.NewMemoryCache(progress.DefaultTTL, nil),
		Loader:      opts.loader,
	}, opts.pipeline)
	if opts.wrap != nil {
		executor = opts.wrap(executor)
	}

	h.worker = NewWorker(&Config{
		Logger:      logger,
		Source:      h.source,
		Executor:    executor,
		Limiter:     lim,
		Retry:       opts.retry,
		Concurrency: 3,
		ConsumerTag: "test-worker",
		Prefetch:    20,
		JobTimeout:  time.Second,
	})

	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)

	go func() {
		h.done <- h.worker.Start(ctx)
	}()

	t.Cleanup(func() {
		h.stop(t)
	})
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	h.cancel = nil

	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func (h *harness) publish(body []byte) uint64 {
	tag := h.tag.Add(1)
	h.source.deliveries <- amqp.Delivery{
		Acknowledger: h.acks,
		DeliveryTag:  tag,
		Body:         body,
	}
	return tag
}

func (h *harness) submit(t *testing.T, ownerID string, simulateFailure bool) (string, uint64) {
	t.Helper()

	jobID := uuid.NewString()
	now := time.Now()
	h.store.Put(&domain.Job{
		JobID:           jobID,
		OwnerID:         ownerID,
		Input:           "a lighthouse at dusk",
		Status:          domain.JobStatusPending,
		SimulateFailure: simulateFailure,
		CreatedAt:       now,
		UpdatedAt:       now,
	})

	body, err := json.Marshal(domain.JobMessage{JobID: jobID, OwnerID: ownerID})
	require.NoError(t, err)
	return jobID, h.publish(body)
}

func (h *harness) waitSettled(t *testing.T, tag uint64) settlement {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.acks.get(tag)) > 0
	}, 5*time.Second, 2*time.Millisecond, "delivery %d was never settled", tag)
	return h.acks.get(tag)[0]
}

// parked reports how many deliveries wait behind the in-flight run of jobID
func (h *harness) parked(jobID string) int {
	h.worker.mu.Lock()
	defer h.worker.mu.Unlock()
	return len(h.worker.active[jobID])
}

func (h *harness) job(t *testing.T, jobID string) *domain.Job {
	t.Helper()
	job, err := h.store.GetJobByID(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func TestWorker_CompletesJob(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start(t)

	jobID, tag := h.submit(t, "alice", false)

	s := h.waitSettled(t, tag)
	assert.True(t, s.acked)

	job := h.job(t, jobID)
	assert.Equal(t, domain.JobStatusComplete, job.Status)
	require.NotNil(t, job.Output)
	assert.Contains(t, *job.Output, jobID)
	assert.Equal(t, 0, h.limiter.Stats().Running)
	assert.Equal(t, 0, h.worker.InFlight())
}

func TestWorker_AdmissionBound(t *testing.T) {
	const global, perOwner = 3, 2
	h := newHarness(t, harnessOptions{global: global, perOwner: perOwner})

	var (
		maxProcessing atomic.Int64
		maxRunning    atomic.Int64
		stopSampling  = make(chan struct{})
		sampled       = make(chan struct{})
	)
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stopSampling:
				return
			default:
			}
			n, err := h.store.CountJobs(context.Background(), domain.JobFilter{
				OwnerID: "alice",
				Status:  domain.JobStatusProcessing,
			})
			if err == nil && int64(n) > maxProcessing.Load() {
				maxProcessing.Store(int64(n))
			}
			if r := int64(h.limiter.Stats().Running); r > maxRunning.Load() {
				maxRunning.Store(r)
			}
			time.Sleep(200 * time.Microsecond)
		}
	}()

	h.start(t)

	jobs := make(map[string]uint64)
	for i := 0; i < global+5; i++ {
		jobID, tag := h.submit(t, "alice", false)
		jobs[jobID] = tag
	}

	for jobID, tag := range jobs {
		s := h.waitSettled(t, tag)
		assert.True(t, s.acked)
		assert.Equal(t, domain.JobStatusComplete, h.job(t, jobID).Status)
	}

	close(stopSampling)
	<-sampled

	assert.LessOrEqual(t, maxProcessing.Load(), int64(min(global, perOwner)))
	assert.LessOrEqual(t, maxRunning.Load(), int64(min(global, perOwner)))
	assert.Equal(t, 0, h.limiter.Stats().Running)
	assert.Positive(t, h.limiter.Stats().Deferred)
}

func TestWorker_OwnersShareGlobalCap(t *testing.T) {
	h := newHarness(t, harnessOptions{global: 2, perOwner: 2})
	h.start(t)

	var tags []uint64
	for _, owner := range []string{"alice", "bob", "carol", "alice", "bob"} {
		_, tag := h.submit(t, owner, false)
		tags = append(tags, tag)
	}

	for _, tag := range tags {
		assert.True(t, h.waitSettled(t, tag).acked)
	}
	assert.Equal(t, 0, h.limiter.Stats().Running)
}

func TestWorker_ForcedFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start(t)

	jobID, tag := h.submit(t, "alice", true)

	s := h.waitSettled(t, tag)
	assert.True(t, s.acked)

	job := h.job(t, jobID)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, domain.ForcedFailureMessage, *job.ErrorMessage)
}

func TestWorker_TransientErrorIsRetried(t *testing.T) {
	var loads atomic.Int32
	h := newHarness(t, harnessOptions{
		loader: pipeline.DependencyLoaderFunc(func(ctx context.Context, job *domain.Job) error {
			if loads.Add(1) == 1 {
				return errors.New("dependency timed out")
			}
			return nil
		}),
	})
	h.start(t)

	jobID, tag := h.submit(t, "alice", false)

	assert.True(t, h.waitSettled(t, tag).acked)
	assert.Equal(t, domain.JobStatusComplete, h.job(t, jobID).Status)
	assert.Equal(t, int32(2), loads.Load())
}

func TestWorker_RetryExhaustionFailsJob(t *testing.T) {
	var loads atomic.Int32
	h := newHarness(t, harnessOptions{
		loader: pipeline.DependencyLoaderFunc(func(ctx context.Context, job *domain.Job) error {
			loads.Add(1)
			return errors.New("dependency unavailable")
		}),
	})
	h.start(t)

	jobID, tag := h.submit(t, "alice", false)

	s := h.waitSettled(t, tag)
	assert.True(t, s.acked)

	job := h.job(t, jobID)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "dependency unavailable", *job.ErrorMessage)
	assert.Equal(t, int32(3), loads.Load())
	assert.Equal(t, 0, h.limiter.Stats().Running)
}

func TestWorker_RejectsMalformedMessages(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start(t)

	bodies := [][]byte{
		[]byte("not json"),
		[]byte(`{"job_id":"123","owner_id":"alice"}`),
		[]byte(`{"job_id":"` + uuid.NewString() + `"}`),
	}

	for _, body := range bodies {
		tag := h.publish(body)
		s := h.waitSettled(t, tag)
		assert.False(t, s.acked, "body %s", body)
		assert.False(t, s.requeue, "body %s", body)
	}
	assert.Equal(t, 0, h.store.Calls("GetJobByID"))
}

func TestWorker_UnknownJobIsDropped(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start(t)

	body, err := json.Marshal(domain.JobMessage{JobID: uuid.NewString(), OwnerID: "alice"})
	require.NoError(t, err)

	s := h.waitSettled(t, h.publish(body))
	assert.False(t, s.acked)
	assert.False(t, s.requeue)
	assert.Equal(t, 0, h.limiter.Stats().Running)
}

func TestWorker_DuplicateDelivery(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start(t)

	jobID, first := h.submit(t, "alice", false)
	body, err := json.Marshal(domain.JobMessage{JobID: jobID, OwnerID: "alice"})
	require.NoError(t, err)
	second := h.publish(body)

	assert.True(t, h.waitSettled(t, first).acked)
	assert.True(t, h.waitSettled(t, second).acked)
	assert.Equal(t, domain.JobStatusComplete, h.job(t, jobID).Status)
	assert.Equal(t, 1, h.store.Calls("MarkCompleted"))
}

func TestWorker_ManualRetryWhileSettlingIsNotLost(t *testing.T) {
	var (
		h        *harness
		loads    atomic.Int32
		retryTag atomic.Uint64
	)
	h = newHarness(t, harnessOptions{
		retry: &pipeline.RetryPolicy{MaxAttempts: 1, Backoff: func(int) time.Duration { return 0 }},
		loader: pipeline.DependencyLoaderFunc(func(ctx context.Context, job *domain.Job) error {
			if loads.Add(1) == 1 {
				return errors.New("dependency unavailable")
			}
			return nil
		}),
		wrap: func(next JobExecutor) JobExecutor {
			return &hookedExecutor{
				JobExecutor: next,
				afterFail: func(jobID string) {
					// The record is FAILED but this delivery has not settled yet
					if _, err := h.store.ResetForRetry(context.Background(), jobID, "alice", time.Now()); err != nil {
						return
					}
					body, _ := json.Marshal(domain.JobMessage{JobID: jobID, OwnerID: "alice"})
					retryTag.Store(h.publish(body))

					deadline := time.Now().Add(2 * time.Second)
					for h.parked(jobID) == 0 && time.Now().Before(deadline) {
						time.Sleep(time.Millisecond)
					}
				},
			}
		},
	})
	h.start(t)

	jobID, first := h.submit(t, "alice", false)

	assert.True(t, h.waitSettled(t, first).acked)
	require.Eventually(t, func() bool { return retryTag.Load() != 0 }, 5*time.Second, 2*time.Millisecond)

	s := h.waitSettled(t, retryTag.Load())
	assert.True(t, s.acked)

	job := h.job(t, jobID)
	assert.Equal(t, domain.JobStatusComplete, job.Status)
	assert.Nil(t, job.ErrorMessage)
	assert.Equal(t, int32(2), loads.Load())
	assert.Equal(t, 2, h.store.Calls("MarkProcessing"))
	assert.Equal(t, 0, h.limiter.Stats().Running)
	assert.Equal(t, 0, h.worker.InFlight())
}

func TestWorker_UnrunnableJobIsDropped(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start(t)

	jobID := uuid.NewString()
	h.store.Put(&domain.Job{JobID: jobID, OwnerID: "alice", Status: domain.Status("ARCHIVED")})
	body, err := json.Marshal(domain.JobMessage{JobID: jobID, OwnerID: "alice"})
	require.NoError(t, err)

	s := h.waitSettled(t, h.publish(body))
	assert.False(t, s.acked)
	assert.False(t, s.requeue)
	assert.Equal(t, 0, h.store.Calls("MarkFailed"))
	assert.Equal(t, 0, h.limiter.Stats().Running)
}

func TestWorker_ShutdownRequeuesParkedJobs(t *testing.T) {
	cfg := fastPipeline()
	cfg.DependencyDelay = time.Hour
	h := newHarness(t, harnessOptions{pipeline: cfg})
	h.start(t)

	jobID, tag := h.submit(t, "alice", false)

	require.Eventually(t, func() bool {
		return h.worker.scheduler.Len() == 1
	}, 5*time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, h.limiter.Stats().Running)

	require.NoError(t, h.stop(t))

	s := h.waitSettled(t, tag)
	assert.False(t, s.acked)
	assert.True(t, s.requeue)

	// Left resumable: the redelivery continues from the recorded checkpoints
	assert.Equal(t, domain.JobStatusProcessing, h.job(t, jobID).Status)
	assert.Equal(t, 0, h.limiter.Stats().Running)
}

func TestWorker_StopsWhenDeliveriesClose(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.worker.Start(ctx) }()

	close(h.source.deliveries)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errDeliveriesClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_ConsumeError(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.source.err = errors.New("channel closed")

	err := h.worker.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start consuming")
}

func TestParseMessage(t *testing.T) {
	id := uuid.NewString()

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "valid", body: `{"job_id":"` + id + `","owner_id":"alice"}`},
		{name: "not json", body: `{`, wantErr: true},
		{name: "job id not a uuid", body: `{"job_id":"abc","owner_id":"alice"}`, wantErr: true},
		{name: "missing owner", body: `{"job_id":"` + id + `"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := parseMessage([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, id, msg.JobID)
			assert.Equal(t, "alice", msg.OwnerID)
		})
	}
}
