package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/crawlkeeper/crawlkeeper/internal/model"
	"github.com/crawlkeeper/crawlkeeper/internal/sqlitedb"
)

func setupTestQueue(t *testing.T) *Queue {
	t.Helper()
	dbPath := t.TempDir() + "/queue.db"

	db, err := sqlitedb.Open(sqlitedb.Config{Path: dbPath, WALMode: false}, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := New(db, arbor.NewLogger())
	require.NoError(t, err)
	return q
}

func TestQueue_AddAndClaim(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	queueID, err := q.Add(ctx, "job-1", []byte(`{"jobName":"alpha"}`), 0, 3)
	require.NoError(t, err)
	assert.NotZero(t, queueID)

	entry, err := q.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "job-1", entry.JobID)
	assert.Equal(t, model.QueueClaimed, entry.Status)
	assert.Equal(t, 1, entry.Attempts)

	// Nothing left to claim.
	next, err := q.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestQueue_AddDuplicateJobID(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "job-dup", []byte("{}"), 0, 3)
	require.NoError(t, err)

	_, err = q.Add(ctx, "job-dup", []byte("{}"), 0, 3)
	assert.ErrorIs(t, err, ErrDuplicateJobID)
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "low", []byte("{}"), 0, 3)
	require.NoError(t, err)
	_, err = q.Add(ctx, "high", []byte("{}"), 10, 3)
	require.NoError(t, err)

	entry, err := q.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "high", entry.JobID)
}

func TestQueue_MarkCompleted(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "job-1", []byte("{}"), 0, 3)
	require.NoError(t, err)
	entry, err := q.ClaimNextJob(ctx)
	require.NoError(t, err)

	require.NoError(t, q.MarkCompleted(ctx, entry.QueueID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Pending)
}

func TestQueue_MarkFailedRetriesThenTerminal(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "job-1", []byte("{}"), 0, 2)
	require.NoError(t, err)

	entry, err := q.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, entry.QueueID, "boom", true, time.Millisecond))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)

	// Wait out the (tiny) backoff and claim again; attempts should reach maxAttempts.
	time.Sleep(5 * time.Millisecond)
	entry2, err := q.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry2)
	assert.Equal(t, 2, entry2.Attempts)

	require.NoError(t, q.MarkFailed(ctx, entry2.QueueID, "boom again", entry2.Attempts < entry2.MaxAttempts, time.Millisecond))

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Pending)
}

func TestQueue_ResetStuckJobs(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "job-1", []byte("{}"), 0, 3)
	require.NoError(t, err)
	_, err = q.ClaimNextJob(ctx)
	require.NoError(t, err)

	// A zero timeout means "claimed at or before now", so this stuck
	// claim reverts immediately without sleeping in the test.
	count, err := q.ResetStuckJobs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 0, stats.Claimed)
}

func TestQueue_CleanupAndClearCompleted(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "job-1", []byte("{}"), 0, 3)
	require.NoError(t, err)
	entry, err := q.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(ctx, entry.QueueID))

	// Not old enough to be swept by age-based cleanup.
	n, err := q.CleanupOldJobs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.ClearCompletedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Completed)
}

// TestQueue_ConcurrentClaimsAreExclusive exercises the core claim guarantee:
// with as many concurrent claimers as pending rows, every row is claimed
// by exactly one of them.
func TestQueue_ConcurrentClaimsAreExclusive(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	const rows = 10
	for i := 0; i < rows; i++ {
		_, err := q.Add(ctx, fmt.Sprintf("row-%d", i), []byte("{}"), 0, 3)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimedIDs := map[int64]int{}

	for w := 0; w < rows; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := q.ClaimNextJob(ctx)
			if err != nil || entry == nil {
				return
			}
			mu.Lock()
			claimedIDs[entry.QueueID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for id, count := range claimedIDs {
		assert.Equal(t, 1, count, "queue id %d claimed more than once", id)
	}
	assert.Len(t, claimedIDs, rows)
}
