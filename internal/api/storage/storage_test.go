package storage

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/job-pipeline/internal/domain"
	"github.com/cuongbtq/job-pipeline/internal/schema"
)

func newTestStorage(t *testing.T) (*Storage, *sqlx.DB) {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, schema.Apply(context.Background(), db))

	return NewStorageFromDB(db), db
}

func createJobs(t *testing.T, s *Storage, owner string, n int) []string {
	t.Helper()
	base := time.Now().UTC().Truncate(time.Microsecond)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = uuid.New().String()
		at := base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, s.CreateJob(context.Background(), &domain.Job{
			JobID:     ids[i],
			OwnerID:   owner,
			Input:     "input",
			Status:    domain.JobStatusPending,
			CreatedAt: at,
			UpdatedAt: at,
		}))
	}
	return ids
}

func TestStorage_ListJobsPagination(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	owner := "owner-" + uuid.New().String()
	ids := createJobs(t, s, owner, 25)
	createJobs(t, s, "other-"+uuid.New().String(), 3)

	filter := domain.JobFilter{OwnerID: owner, PageSize: 20}
	first, err := s.ListJobs(ctx, filter)
	require.NoError(t, err)
	require.Len(t, first, 21)
	assert.Equal(t, ids[24], first[0].JobID)

	filter.AfterID = first[19].JobID
	second, err := s.ListJobs(ctx, filter)
	require.NoError(t, err)
	require.Len(t, second, 5)
	assert.Equal(t, ids[0], second[4].JobID)

	total, err := s.CountJobs(ctx, domain.JobFilter{OwnerID: owner})
	require.NoError(t, err)
	assert.Equal(t, 25, total)

	_, err = s.ListJobs(ctx, domain.JobFilter{OwnerID: owner, PageSize: 20, AfterID: uuid.New().String()})
	assert.ErrorIs(t, err, domain.ErrInvalidCursor)
}

func TestStorage_GetJobForOwner(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	id := createJobs(t, s, "alice", 1)[0]

	job, err := s.GetJobForOwner(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)

	_, err = s.GetJobForOwner(ctx, id, "mallory")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStorage_ResetForRetry(t *testing.T) {
	s, db := newTestStorage(t)
	ctx := context.Background()
	id := createJobs(t, s, "alice", 1)[0]

	_, err := s.ResetForRetry(ctx, id, "alice", time.Now())
	assert.ErrorIs(t, err, domain.ErrNotRetryable)

	_, err = db.Exec(`UPDATE jobs SET status = 'FAILED', error_message = 'boom', started_at = NOW(), completed_at = NOW() WHERE job_id = $1`, id)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO job_checkpoints (job_id, step_name, result) VALUES ($1, 'start', $2)`, id, []byte(json.RawMessage(`{}`)))
	require.NoError(t, err)

	_, err = s.ResetForRetry(ctx, id, "bob", time.Now())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	job, err := s.ResetForRetry(ctx, id, "alice", time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Nil(t, job.ErrorMessage)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)

	var checkpoints int
	require.NoError(t, db.Get(&checkpoints, `SELECT COUNT(*) FROM job_checkpoints WHERE job_id = $1`, id))
	assert.Zero(t, checkpoints)
}

func TestStorage_MarkQueueFailed(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	id := createJobs(t, s, "alice", 1)[0]

	require.NoError(t, s.MarkQueueFailed(ctx, id, domain.QueueFailureMessage, time.Now()))

	job, err := s.GetJobForOwner(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, domain.QueueFailureMessage, *job.ErrorMessage)

	assert.ErrorIs(t, s.MarkQueueFailed(ctx, id, domain.QueueFailureMessage, time.Now()), domain.ErrInvalidTransition)
}
