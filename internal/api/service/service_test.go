package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/job-pipeline/internal/domain"
	"github.com/cuongbtq/job-pipeline/internal/memstore"
	"github.com/cuongbtq/job-pipeline/internal/pipeline"
	"github.com/cuongbtq/job-pipeline/internal/progress"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []domain.JobMessage
	err      error
}

func (p *fakePublisher) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}

	var msg domain.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return err
	}
	p.messages = append(p.messages, msg)
	return nil
}

// tickingClock advances one millisecond per read so creation times are distinct
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *tickingClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	svc       *Service
	store     *memstore.Store
	publisher *fakePublisher
	cache     *progress.MemoryCache
	clock     *tickingClock
	logger    *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:     memstore.New(),
		publisher: &fakePublisher{},
		clock:     &tickingClock{now: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	f.cache = progress.NewMemoryCache(progress.DefaultTTL, f.clock.Now)
	f.svc = New(&Dependencies{
		Logger:    f.logger,
		Store:     f.store,
		Publisher: f.publisher,
		Progress:  f.cache,
		Clock:     f.clock.Now,
	})
	return f
}

func TestService_Submit(t *testing.T) {
	f := newFixture(t)

	job, err := f.svc.Submit(context.Background(), SubmitRequest{
		OwnerID: "alice",
		Input:   "   a lighthouse at dusk \n",
	})
	require.NoError(t, err)

	_, parseErr := uuid.Parse(job.JobID)
	assert.NoError(t, parseErr)
	assert.Equal(t, "a lighthouse at dusk", job.Input)
	assert.Equal(t, domain.JobStatusPending, job.Status)

	stored, err := f.store.GetJobForOwner(context.Background(), job.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, stored.Status)

	require.Len(t, f.publisher.messages, 1)
	assert.Equal(t, domain.JobMessage{JobID: job.JobID, OwnerID: "alice"}, f.publisher.messages[0])
}

func TestService_SubmitValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr bool
	}{
		{name: "empty input", req: SubmitRequest{OwnerID: "alice", Input: ""}, wantErr: true},
		{name: "whitespace only", req: SubmitRequest{OwnerID: "alice", Input: " \t\n "}, wantErr: true},
		{name: "too long", req: SubmitRequest{OwnerID: "alice", Input: strings.Repeat("a", MaxInputLength+1)}, wantErr: true},
		{name: "missing owner", req: SubmitRequest{Input: "hello"}, wantErr: true},
		{name: "max length multibyte", req: SubmitRequest{OwnerID: "alice", Input: strings.Repeat("é", MaxInputLength)}, wantErr: false},
		{name: "padded to max length", req: SubmitRequest{OwnerID: "alice", Input: "  " + strings.Repeat("a", MaxInputLength) + "  "}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Submit(context.Background(), tt.req)

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrValidation)
				assert.Equal(t, 0, f.store.Calls("CreateJob"))
				assert.Empty(t, f.publisher.messages)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestService_SubmitQueueFailure(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("channel closed")

	job, err := f.svc.Submit(context.Background(), SubmitRequest{OwnerID: "alice", Input: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQueueing)
	require.NotNil(t, job)

	stored, err := f.store.GetJobForOwner(context.Background(), job.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, domain.QueueFailureMessage, *stored.ErrorMessage)
}

func TestService_ListPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	submitted := make(map[string]bool)
	for i := 0; i < 25; i++ {
		job, err := f.svc.Submit(ctx, SubmitRequest{OwnerID: "alice", Input: "job"})
		require.NoError(t, err)
		submitted[job.JobID] = true
	}
	_, err := f.svc.Submit(ctx, SubmitRequest{OwnerID: "bob", Input: "not yours"})
	require.NoError(t, err)

	first, err := f.svc.List(ctx, ListRequest{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Len(t, first.Edges, 20)
	assert.Equal(t, 25, first.TotalCount)
	assert.True(t, first.PageInfo.HasNextPage)
	assert.False(t, first.PageInfo.HasPreviousPage)
	assert.Equal(t, first.Edges[0].Cursor, first.PageInfo.StartCursor)
	assert.Equal(t, first.Edges[19].Cursor, first.PageInfo.EndCursor)

	second, err := f.svc.List(ctx, ListRequest{OwnerID: "alice", After: first.PageInfo.EndCursor})
	require.NoError(t, err)
	assert.Len(t, second.Edges, 5)
	assert.Equal(t, 25, second.TotalCount)
	assert.False(t, second.PageInfo.HasNextPage)
	assert.True(t, second.PageInfo.HasPreviousPage)

	seen := make(map[string]bool)
	var previous *domain.Job
	for _, page := range []*Connection{first, second} {
		for _, edge := range page.Edges {
			node := edge.Node
			assert.False(t, seen[node.JobID], "job %s listed twice", node.JobID)
			seen[node.JobID] = true
			if previous != nil {
				assert.True(t, node.CreatedAt.Before(previous.CreatedAt))
			}
			previous = &node
		}
	}
	assert.Equal(t, submitted, seen)
}

func TestService_ListFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Submit(ctx, SubmitRequest{OwnerID: "alice", Input: "job"})
		require.NoError(t, err)
	}

	page, err := f.svc.List(ctx, ListRequest{OwnerID: "alice", Status: "PENDING", PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Edges, 2)
	assert.True(t, page.PageInfo.HasNextPage)
	assert.Equal(t, 3, page.TotalCount)

	page, err = f.svc.List(ctx, ListRequest{OwnerID: "alice", Status: "COMPLETE"})
	require.NoError(t, err)
	assert.Empty(t, page.Edges)
	assert.Equal(t, 0, page.TotalCount)
	assert.Empty(t, page.PageInfo.StartCursor)

	_, err = f.svc.List(ctx, ListRequest{OwnerID: "alice", Status: "DONE"})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	_, err = f.svc.List(ctx, ListRequest{OwnerID: "alice", After: "not base64!"})
	assert.ErrorIs(t, err, domain.ErrInvalidCursor)

	_, err = f.svc.List(ctx, ListRequest{OwnerID: "alice", After: EncodeCursor(uuid.NewString())})
	assert.ErrorIs(t, err, domain.ErrInvalidCursor)
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, clampPageSize(0))
	assert.Equal(t, DefaultPageSize, clampPageSize(-3))
	assert.Equal(t, 7, clampPageSize(7))
	assert.Equal(t, MaxPageSize, clampPageSize(1000))
}

func TestService_GetIsOwnerScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, SubmitRequest{OwnerID: "alice", Input: "hello"})
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, job.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)

	_, err = f.svc.Get(ctx, job.JobID, "bob")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestService_RetryResetsAndReexecutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, SubmitRequest{OwnerID: "alice", Input: "hello"})
	require.NoError(t, err)

	_, err = f.svc.Retry(ctx, job.JobID, "alice")
	assert.ErrorIs(t, err, domain.ErrNotRetryable)

	executor := pipeline.NewExecutor(&pipeline.Dependencies{
		Logger:      f.logger,
		Jobs:        f.store,
		Checkpoints: f.store,
		Progress:    f.cache,
		Clock:       f.clock.Now,
	}, pipeline.DefaultConfig())

	// First execution starts, then exhausts its retries
	outcome, err := executor.Execute(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeSuspended, outcome.State)
	require.NoError(t, executor.Fail(ctx, job.JobID, errors.New("dependency unavailable")))

	failed, err := f.svc.Get(ctx, job.JobID, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusFailed, failed.Status)
	firstStart := *failed.StartedAt

	_, err = f.svc.Retry(ctx, job.JobID, "bob")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	f.clock.Set(firstStart.Add(time.Hour))
	retried, err := f.svc.Retry(ctx, job.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, retried.Status)
	assert.Nil(t, retried.ErrorMessage)
	assert.Nil(t, retried.StartedAt)
	assert.Nil(t, retried.CompletedAt)
	assert.Empty(t, f.store.Checkpoints(job.JobID))
	require.Len(t, f.publisher.messages, 2)
	assert.Equal(t, job.JobID, f.publisher.messages[1].JobID)

	for i := 0; i < 10; i++ {
		outcome, err = executor.Execute(ctx, job.JobID)
		require.NoError(t, err)
		if outcome.State != pipeline.OutcomeSuspended {
			break
		}
		f.clock.Set(outcome.WakeAt)
	}
	require.Equal(t, pipeline.OutcomeCompleted, outcome.State)

	done, err := f.svc.Get(ctx, job.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusComplete, done.Status)
	require.NotNil(t, done.StartedAt)
	assert.True(t, done.StartedAt.After(firstStart))
	assert.Nil(t, done.ErrorMessage)
}

func TestService_Progress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, SubmitRequest{OwnerID: "alice", Input: "hello"})
	require.NoError(t, err)

	snapshot, err := f.svc.Progress(ctx, job.JobID, "alice")
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	require.NoError(t, f.cache.Put(ctx, job.JobID, &domain.ProgressSnapshot{
		Status:   domain.JobStatusProcessing,
		Stage:    domain.StageRunning,
		Progress: 40,
	}))

	snapshot, err = f.svc.Progress(ctx, job.JobID, "alice")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, 40, snapshot.Progress)

	_, err = f.svc.Progress(ctx, job.JobID, "bob")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
