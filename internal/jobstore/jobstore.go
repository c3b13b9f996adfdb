// Package jobstore implements the Job Store: the per-submission
// status/result record keyed by external job ID. It
// persists across restarts in its own SQLite file, separate from the
// Persistent Queue, so the two can be backed up or inspected
// independently.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/crawlkeeper/crawlkeeper/internal/model"
	"github.com/crawlkeeper/crawlkeeper/internal/sqlitedb"
)

// ErrJobNotFound is returned when a job ID has no JobRecord.
var ErrJobNotFound = errors.New("jobstore: job not found")

const retryAttempts = 5

const schema = `
CREATE TABLE IF NOT EXISTS job_records (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	config       BLOB NOT NULL,
	output_file  TEXT,
	error        TEXT,
	attempts     INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	completed_at INTEGER
);
`

// Store is the SQLite-backed Job Store.
type Store struct {
	db     *sqlitedb.DB
	logger arbor.ILogger
}

// New opens (creating if needed) the job_records schema on db.
func New(db *sqlitedb.DB, logger arbor.ILogger) (*Store, error) {
	if _, err := db.Conn().Exec(schema); err != nil {
		return nil, fmt.Errorf("jobstore: init schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Create persists a new pending JobRecord. Caller ordering:
// Create must complete before the corresponding queue entry is
// observable to any worker.
func (s *Store) Create(ctx context.Context, jobID string, config []byte) error {
	return sqlitedb.WithRetry(ctx, s.logger, retryAttempts, func() error {
		_, err := s.db.Conn().ExecContext(ctx, `
			INSERT INTO job_records (id, status, config, created_at) VALUES (?, 'pending', ?, ?)
		`, jobID, config, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("jobstore: create %s: %w", jobID, err)
		}
		return nil
	})
}

// Get retrieves a JobRecord by ID.
func (s *Store) Get(ctx context.Context, jobID string) (*model.JobRecord, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT id, status, config, output_file, error, attempts, created_at, completed_at
		FROM job_records WHERE id = ?
	`, jobID)
	return scanJob(row)
}

// UpdateOpts carries the optional fields an UpdateStatus call may set.
type UpdateOpts struct {
	OutputFile  *string
	Error       *string
	Attempts    *int // mirrors the queue entry's Attempts as of this update
	SetComplete bool
}

// UpdateStatus transitions a JobRecord to newStatus, recording the
// output file, error, or attempts mirror when provided. Only the
// worker that owns the corresponding queue entry calls this.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, newStatus model.JobStatus, opts UpdateOpts) error {
	return sqlitedb.WithRetry(ctx, s.logger, retryAttempts, func() error {
		var completedAt sql.NullInt64
		if opts.SetComplete {
			completedAt = sql.NullInt64{Int64: time.Now().Unix(), Valid: true}
		}

		var outputFile, errMsg sql.NullString
		if opts.OutputFile != nil {
			outputFile = sql.NullString{String: *opts.OutputFile, Valid: true}
		}
		if opts.Error != nil {
			errMsg = sql.NullString{String: *opts.Error, Valid: true}
		}
		var attempts sql.NullInt64
		if opts.Attempts != nil {
			attempts = sql.NullInt64{Int64: int64(*opts.Attempts), Valid: true}
		}

		res, err := s.db.Conn().ExecContext(ctx, `
			UPDATE job_records
			SET status = ?,
			    output_file = COALESCE(?, output_file),
			    error = COALESCE(?, error),
			    attempts = COALESCE(?, attempts),
			    completed_at = COALESCE(?, completed_at)
			WHERE id = ?
		`, string(newStatus), outputFile, errMsg, attempts, completedAt, jobID)
		if err != nil {
			return fmt.Errorf("jobstore: update status %s: %w", jobID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrJobNotFound
		}
		return nil
	})
}

// List enumerates all JobRecords, newest first.
func (s *Store) List(ctx context.Context) ([]*model.JobRecord, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, status, config, output_file, error, attempts, created_at, completed_at
		FROM job_records ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list: %w", err)
	}
	defer rows.Close()

	var jobs []*model.JobRecord
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Delete removes a JobRecord. Idempotent: deleting an absent ID is not
// an error.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	return sqlitedb.WithRetry(ctx, s.logger, retryAttempts, func() error {
		_, err := s.db.Conn().ExecContext(ctx, `DELETE FROM job_records WHERE id = ?`, jobID)
		if err != nil {
			return fmt.Errorf("jobstore: delete %s: %w", jobID, err)
		}
		return nil
	})
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row *sql.Row) (*model.JobRecord, error) {
	job, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func scanJobRows(rows *sql.Rows) (*model.JobRecord, error) {
	return scanRow(rows)
}

func scanRow(s scanner) (*model.JobRecord, error) {
	var (
		id, status              string
		config                  []byte
		outputFile, errNullable sql.NullString
		attempts                int
		createdAt               int64
		completedAt             sql.NullInt64
	)
	if err := s.Scan(&id, &status, &config, &outputFile, &errNullable, &attempts, &createdAt, &completedAt); err != nil {
		return nil, fmt.Errorf("jobstore: scan: %w", err)
	}

	job := &model.JobRecord{
		ID:        id,
		Status:    model.JobStatus(status),
		Config:    config,
		Attempts:  attempts,
		CreatedAt: time.Unix(createdAt, 0),
	}
	if outputFile.Valid {
		job.OutputFile = outputFile.String
	}
	if errNullable.Valid {
		job.Error = errNullable.String
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		job.CompletedAt = &t
	}
	return job, nil
}
