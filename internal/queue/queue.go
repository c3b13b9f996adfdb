// Package queue implements the Persistent Queue: a durable, crash-safe,
// at-least-once work queue backed by SQLite. Atomic claim is enforced by
// running the select+update inside one transaction over a single-writer
// connection.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/crawlkeeper/crawlkeeper/internal/model"
	"github.com/crawlkeeper/crawlkeeper/internal/sqlitedb"
)

// ErrDuplicateJobID is returned by Add when jobId is already present.
var ErrDuplicateJobID = errors.New("queue: job id already exists")

// retryAttempts bounds WithRetry's SQLITE_BUSY retry loop for queue writes.
const retryAttempts = 5

const schema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	queue_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id       TEXT NOT NULL UNIQUE,
	status       TEXT NOT NULL,
	payload      BLOB NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	next_retry_at INTEGER,
	claimed_at   INTEGER,
	completed_at INTEGER,
	error        TEXT,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_claim ON queue_entries(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_queue_job_id ON queue_entries(job_id);
`

// Queue is the SQLite-backed Persistent Queue.
type Queue struct {
	db     *sqlitedb.DB
	logger arbor.ILogger
}

// New opens (creating if needed) the queue schema on db.
func New(db *sqlitedb.DB, logger arbor.ILogger) (*Queue, error) {
	if _, err := db.Conn().Exec(schema); err != nil {
		return nil, fmt.Errorf("queue: init schema: %w", err)
	}
	return &Queue{db: db, logger: logger}, nil
}

// Add inserts a new pending row. Fails with ErrDuplicateJobID if jobId
// already has a row (at most one row per jobId).
func (q *Queue) Add(ctx context.Context, jobID string, payload []byte, priority, maxAttempts int) (int64, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var queueID int64
	err := sqlitedb.WithRetry(ctx, q.logger, retryAttempts, func() error {
		res, err := q.db.Conn().ExecContext(ctx, `
			INSERT INTO queue_entries (job_id, status, payload, priority, attempts, max_attempts, created_at)
			VALUES (?, 'pending', ?, ?, 0, ?, ?)
		`, jobID, payload, priority, maxAttempts, time.Now().Unix())
		if err != nil {
			return err
		}
		queueID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateJobID
		}
		return 0, fmt.Errorf("queue: add %s: %w", jobID, err)
	}

	q.logger.Info().Str("job_id", jobID).Int64("queue_id", queueID).Int("priority", priority).Msg("queue entry added")
	return queueID, nil
}

// ClaimNextJob atomically selects and claims the highest-priority,
// oldest eligible pending row, incrementing attempts. Returns (nil, nil)
// if nothing is eligible.
func (q *Queue) ClaimNextJob(ctx context.Context) (*model.QueueEntry, error) {
	var claimed *model.QueueEntry

	err := sqlitedb.WithRetry(ctx, q.logger, retryAttempts, func() error {
		tx, err := q.db.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().Unix()
		row := tx.QueryRowContext(ctx, `
			SELECT queue_id, job_id, payload, priority, attempts, max_attempts, created_at
			FROM queue_entries
			WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		`, now)

		var (
			queueID                 int64
			jobID                   string
			payload                 []byte
			priority, attempts, max int
			createdAt               int64
		)
		if err := row.Scan(&queueID, &jobID, &payload, &priority, &attempts, &max, &createdAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		attempts++
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET status = 'claimed', claimed_at = ?, attempts = ? WHERE queue_id = ?
		`, now, attempts, queueID); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}

		claimedAt := time.Unix(now, 0)
		claimed = &model.QueueEntry{
			QueueID:     queueID,
			JobID:       jobID,
			Status:      model.QueueClaimed,
			Payload:     payload,
			Priority:    priority,
			Attempts:    attempts,
			MaxAttempts: max,
			ClaimedAt:   &claimedAt,
			CreatedAt:   time.Unix(createdAt, 0),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	if claimed != nil {
		q.logger.Info().Int64("queue_id", claimed.QueueID).Str("job_id", claimed.JobID).Int("attempts", claimed.Attempts).Msg("queue entry claimed")
	}
	return claimed, nil
}

// MarkCompleted sets a claimed row to its terminal completed state.
func (q *Queue) MarkCompleted(ctx context.Context, queueID int64) error {
	err := sqlitedb.WithRetry(ctx, q.logger, retryAttempts, func() error {
		_, err := q.db.Conn().ExecContext(ctx, `
			UPDATE queue_entries SET status = 'completed', completed_at = ? WHERE queue_id = ?
		`, time.Now().Unix(), queueID)
		return err
	})
	if err != nil {
		return fmt.Errorf("queue: mark completed %d: %w", queueID, err)
	}
	q.logger.Info().Int64("queue_id", queueID).Msg("queue entry completed")
	return nil
}

// MarkFailed applies the retry-or-terminal-fail decision:
// shouldRetry && attempts < maxAttempts re-queues with exponential
// backoff; otherwise the row becomes terminally failed.
func (q *Queue) MarkFailed(ctx context.Context, queueID int64, errMsg string, shouldRetry bool, backoff time.Duration) error {
	return sqlitedb.WithRetry(ctx, q.logger, retryAttempts, func() error {
		var attempts, maxAttempts int
		if err := q.db.Conn().QueryRowContext(ctx, `
			SELECT attempts, max_attempts FROM queue_entries WHERE queue_id = ?
		`, queueID).Scan(&attempts, &maxAttempts); err != nil {
			return fmt.Errorf("queue: mark failed %d: lookup: %w", queueID, err)
		}

		if shouldRetry && attempts < maxAttempts {
			delay := backoff * (1 << (attempts - 1))
			nextRetry := time.Now().Add(delay).Unix()
			_, err := q.db.Conn().ExecContext(ctx, `
				UPDATE queue_entries SET status = 'pending', next_retry_at = ?, claimed_at = NULL, error = ? WHERE queue_id = ?
			`, nextRetry, errMsg, queueID)
			if err == nil {
				q.logger.Warn().Int64("queue_id", queueID).Int("attempts", attempts).Dur("delay", delay).Str("error", errMsg).Msg("queue entry retry scheduled")
			}
			return err
		}

		_, err := q.db.Conn().ExecContext(ctx, `
			UPDATE queue_entries SET status = 'failed', completed_at = ?, error = ? WHERE queue_id = ?
		`, time.Now().Unix(), errMsg, queueID)
		if err == nil {
			q.logger.Error().Int64("queue_id", queueID).Str("error", errMsg).Msg("queue entry permanently failed")
		}
		return err
	})
}

// ResetStuckJobs reverts rows claimed longer than timeout ago back to
// pending (claimedAt cleared, attempts preserved). Invoked at worker
// start.
func (q *Queue) ResetStuckJobs(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout).Unix()
	var count int64
	err := sqlitedb.WithRetry(ctx, q.logger, retryAttempts, func() error {
		res, err := q.db.Conn().ExecContext(ctx, `
			UPDATE queue_entries SET status = 'pending', claimed_at = NULL
			WHERE status = 'claimed' AND claimed_at < ?
		`, cutoff)
		if err != nil {
			return err
		}
		count, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("queue: reset stuck jobs: %w", err)
	}
	if count > 0 {
		q.logger.Warn().Int64("count", count).Msg("reset stuck queue entries to pending")
	}
	return int(count), nil
}

// CleanupOldJobs deletes terminal rows older than age. Invoked at
// worker start (default 7 days).
func (q *Queue) CleanupOldJobs(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).Unix()
	var count int64
	err := sqlitedb.WithRetry(ctx, q.logger, retryAttempts, func() error {
		res, err := q.db.Conn().ExecContext(ctx, `
			DELETE FROM queue_entries
			WHERE status IN ('completed', 'failed') AND COALESCE(completed_at, created_at) < ?
		`, cutoff)
		if err != nil {
			return err
		}
		count, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup old jobs: %w", err)
	}
	if count > 0 {
		q.logger.Info().Int64("count", count).Msg("cleaned up old queue entries")
	}
	return int(count), nil
}

// ClearCompletedJobs deletes all terminal rows regardless of age.
// Invoked opportunistically after each job completes.
func (q *Queue) ClearCompletedJobs(ctx context.Context) (int, error) {
	var count int64
	err := sqlitedb.WithRetry(ctx, q.logger, retryAttempts, func() error {
		res, err := q.db.Conn().ExecContext(ctx, `DELETE FROM queue_entries WHERE status IN ('completed', 'failed')`)
		if err != nil {
			return err
		}
		count, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("queue: clear completed jobs: %w", err)
	}
	return int(count), nil
}

// Stats returns counts by status.
func (q *Queue) Stats(ctx context.Context) (model.QueueStats, error) {
	var stats model.QueueStats
	rows, err := q.db.Conn().QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_entries GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("queue: stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("queue: stats scan: %w", err)
		}
		switch model.QueueStatus(status) {
		case model.QueuePending:
			stats.Pending = n
		case model.QueueClaimed:
			stats.Claimed = n
		case model.QueueCompleted:
			stats.Completed = n
		case model.QueueFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

// Close closes the underlying connection.
func (q *Queue) Close() error { return q.db.Close() }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
