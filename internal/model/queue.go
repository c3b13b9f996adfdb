package model

import "time"

// QueueStatus is the lifecycle state of one QueueEntry.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueClaimed   QueueStatus = "claimed"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
)

// Terminal reports whether the status is a one-way terminal state.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed
}

// QueueEntry is one persisted row of the durable queue.
type QueueEntry struct {
	QueueID     int64
	JobID       string
	Status      QueueStatus
	Payload     []byte // serialized QueuePayload (job name + task list)
	Priority    int
	Attempts    int
	MaxAttempts int
	NextRetryAt *time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	CreatedAt   time.Time
}

// QueuePayload is the JSON body stored in QueueEntry.Payload. A named
// job's submission carries every one of its tasks in one payload so a
// single queue entry (and a single worker) owns the whole job's output;
// an ad-hoc submission carries exactly one task under jobName "custom".
// The batch endpoint is the one path that still mints one QueuePayload
// per task, each with a single-element Tasks slice.
type QueuePayload struct {
	JobName string       `json:"jobName"`
	Tasks   []TaskConfig `json:"tasks"`
}

// JobStatus is the lifecycle state of one JobRecord.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobRecord is the per-submission status/result record keyed by the
// external job ID (shared with the QueueEntry's JobID).
type JobRecord struct {
	ID          string
	Status      JobStatus
	Config      []byte // serialized QueuePayload
	OutputFile  string
	Error       string
	Attempts    int // mirrors the queue entry's Attempts as of the last status update
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// QueueStats is the result of Queue.Stats().
type QueueStats struct {
	Pending   int
	Claimed   int
	Completed int
	Failed    int
}
