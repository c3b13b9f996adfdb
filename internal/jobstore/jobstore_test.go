package jobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/crawlkeeper/crawlkeeper/internal/model"
	"github.com/crawlkeeper/crawlkeeper/internal/sqlitedb"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedb.Open(sqlitedb.Config{Path: t.TempDir() + "/jobs.db"}, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := New(db, arbor.NewLogger())
	require.NoError(t, err)
	return store
}

func TestStore_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "job-1", []byte(`{"jobName":"alpha"}`)))

	job, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status)
	assert.Equal(t, "job-1", job.ID)
	assert.Nil(t, job.CompletedAt)
}

func TestStore_GetMissing(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStore_UpdateStatusToCompleted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "job-1", []byte("{}")))

	outputFile := "output/jobs/alpha.json"
	require.NoError(t, s.UpdateStatus(ctx, "job-1", model.JobCompleted, UpdateOpts{
		OutputFile:  &outputFile,
		SetComplete: true,
	}))

	job, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, outputFile, job.OutputFile)
	require.NotNil(t, job.CompletedAt)
}

func TestStore_UpdateStatusToFailedPreservesNoOutputFile(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "job-1", []byte("{}")))

	errMsg := "navigation timeout"
	require.NoError(t, s.UpdateStatus(ctx, "job-1", model.JobFailed, UpdateOpts{
		Error:       &errMsg,
		SetComplete: true,
	}))

	job, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Equal(t, errMsg, job.Error)
	assert.Empty(t, job.OutputFile)
}

func TestStore_UpdateStatusMirrorsAttempts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "job-1", []byte("{}")))

	attempts := 2
	require.NoError(t, s.UpdateStatus(ctx, "job-1", model.JobRunning, UpdateOpts{
		Attempts: &attempts,
	}))

	job, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
}

func TestStore_UpdateStatusMissingJob(t *testing.T) {
	s := setupTestStore(t)
	err := s.UpdateStatus(context.Background(), "missing", model.JobRunning, UpdateOpts{})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStore_ListReturnsAllRecords(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "job-1", []byte("{}")))
	require.NoError(t, s.Create(ctx, "job-2", []byte("{}")))

	jobs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "job-1", []byte("{}")))

	require.NoError(t, s.Delete(ctx, "job-1"))
	require.NoError(t, s.Delete(ctx, "job-1"))

	_, err := s.Get(ctx, "job-1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
