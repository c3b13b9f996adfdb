// Package workerpool drains the Persistent Queue with a bounded set of
// concurrent task runners and an adaptive poll interval.
package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/crawlkeeper/crawlkeeper/internal/aggregator"
	"github.com/crawlkeeper/crawlkeeper/internal/common"
	"github.com/crawlkeeper/crawlkeeper/internal/hooks"
	"github.com/crawlkeeper/crawlkeeper/internal/jobstore"
	"github.com/crawlkeeper/crawlkeeper/internal/model"
	"github.com/crawlkeeper/crawlkeeper/internal/queue"
	"github.com/crawlkeeper/crawlkeeper/internal/taskrunner"
)

// Options configures a Pool's concurrency, polling, and retry knobs.
// Zero values fall back to sane mins so a Pool built by hand in tests
// still behaves.
type Options struct {
	Concurrency      int
	MinPollInterval  time.Duration
	MaxPollInterval  time.Duration
	PollBackoffRatio float64
	BackoffBase      time.Duration
	StuckClaimTimeout time.Duration
	CompletedRetention time.Duration
	ShutdownTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.MinPollInterval <= 0 {
		o.MinPollInterval = 1 * time.Second
	}
	if o.MaxPollInterval <= 0 {
		o.MaxPollInterval = 10 * time.Second
	}
	if o.PollBackoffRatio <= 1 {
		o.PollBackoffRatio = 1.5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.StuckClaimTimeout <= 0 {
		o.StuckClaimTimeout = 30 * time.Minute
	}
	if o.CompletedRetention <= 0 {
		o.CompletedRetention = 168 * time.Hour
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	return o
}

// Pool drains the Persistent Queue and writes results into the Job
// Store, bounded to Options.Concurrency simultaneous Task Runners.
type Pool struct {
	Queue      *queue.Queue
	Jobs       *jobstore.Store
	Runner     *taskrunner.Runner
	Aggregator *aggregator.Aggregator
	Global     model.GlobalConfig
	Logger     arbor.ILogger
	Opts       Options

	sem     chan struct{}
	wg      sync.WaitGroup
	stop    chan struct{}
	stopped sync.Once
}

// New builds a Pool ready to Start. A claimed entry carrying exactly
// one task runs through runner directly; one carrying more than one
// runs through agg so the job's tasks are merged into a single output
// file under one worker's ownership.
func New(q *queue.Queue, jobs *jobstore.Store, runner *taskrunner.Runner, agg *aggregator.Aggregator, global model.GlobalConfig, logger arbor.ILogger, opts Options) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		Queue:      q,
		Jobs:       jobs,
		Runner:     runner,
		Aggregator: agg,
		Global:     global,
		Logger:     logger,
		Opts:       opts,
		sem:        make(chan struct{}, opts.Concurrency),
		stop:       make(chan struct{}),
	}
}

// Start resets any stuck claims, prunes aged terminal entries, and runs
// the adaptive poll loop until ctx is canceled or Shutdown is called.
// It returns once every in-flight task has drained.
func (p *Pool) Start(ctx context.Context) {
	if n, err := p.Queue.ResetStuckJobs(ctx, p.Opts.StuckClaimTimeout); err != nil {
		p.Logger.Warn().Err(err).Msg("reset stuck jobs failed at startup")
	} else if n > 0 {
		p.Logger.Info().Int("count", n).Msg("reset stuck jobs at startup")
	}
	if n, err := p.Queue.CleanupOldJobs(ctx, p.Opts.CompletedRetention); err != nil {
		p.Logger.Warn().Err(err).Msg("cleanup old jobs failed at startup")
	} else if n > 0 {
		p.Logger.Info().Int("count", n).Msg("pruned aged completed/failed queue entries at startup")
	}

	interval := p.Opts.MinPollInterval
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-p.stop:
			p.drain()
			return
		default:
		}

		// Acquire a concurrency slot before claiming, so a row is never
		// marked claimed in the database while every slot is already busy.
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			p.drain()
			return
		case <-p.stop:
			p.drain()
			return
		}

		entry, err := p.Queue.ClaimNextJob(ctx)
		if err != nil {
			<-p.sem
			p.Logger.Error().Err(err).Msg("claim failed")
			interval = p.growInterval(interval)
			p.sleep(ctx, interval)
			continue
		}
		if entry == nil {
			<-p.sem
			interval = p.growInterval(interval)
			p.sleep(ctx, interval)
			continue
		}

		interval = p.Opts.MinPollInterval

		p.wg.Add(1)
		common.SafeGo(p.Logger, fmt.Sprintf("task-%s", entry.JobID), func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.runOne(ctx, entry)
		})
	}
}

// Shutdown signals the poll loop to stop claiming new work and blocks,
// up to Options.ShutdownTimeout, for in-flight tasks to drain. Safe to
// call more than once.
func (p *Pool) Shutdown(ctx context.Context) {
	p.stopped.Do(func() { close(p.stop) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.Logger.Info().Msg("worker pool drained cleanly")
	case <-time.After(p.Opts.ShutdownTimeout):
		p.Logger.Warn().Dur("timeout", p.Opts.ShutdownTimeout).Msg("worker pool shutdown timed out with tasks still in flight")
	case <-ctx.Done():
	}
}

func (p *Pool) drain() {
	p.wg.Wait()
}

func (p *Pool) growInterval(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * p.Opts.PollBackoffRatio)
	if next > p.Opts.MaxPollInterval {
		next = p.Opts.MaxPollInterval
	}
	return next
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	case <-p.stop:
	}
}

// runOne executes one claimed QueueEntry's full lifecycle: JobRecord
// transition to running, Task Runner invocation, and the
// success/failure resolution back into both the queue and the job
// store.
func (p *Pool) runOne(ctx context.Context, entry *model.QueueEntry) {
	var payload model.QueuePayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		p.failTerminal(ctx, entry, fmt.Sprintf("malformed queue payload: %v", err))
		return
	}

	if err := p.Jobs.UpdateStatus(ctx, entry.JobID, model.JobRunning, jobstore.UpdateOpts{
		Attempts: &entry.Attempts,
	}); err != nil {
		p.Logger.Warn().Str("job_id", entry.JobID).Err(err).Msg("failed to mark job running")
	}

	if len(payload.Tasks) == 0 {
		p.failTerminal(ctx, entry, "queue payload carries no tasks")
		return
	}

	var outFile string
	if len(payload.Tasks) == 1 {
		task := payload.Tasks[0]
		hook, err := hooks.Resolve(task.OnVisitPage)
		if err != nil {
			p.failTerminal(ctx, entry, err.Error())
			return
		}

		result := p.Runner.Run(ctx, payload.JobName, task, p.Global, hook)
		if !result.Success {
			p.handleFailure(ctx, entry, result.Error)
			return
		}
		outFile = result.OutputFile
	} else {
		file, err := p.Aggregator.Run(ctx, payload.JobName, payload.Tasks, p.Global)
		if err != nil {
			p.handleFailure(ctx, entry, err)
			return
		}
		if file == "" {
			p.handleFailure(ctx, entry, fmt.Errorf("every task in job %q failed", payload.JobName))
			return
		}
		outFile = file
	}

	if err := p.Queue.MarkCompleted(ctx, entry.QueueID); err != nil {
		p.Logger.Error().Str("job_id", entry.JobID).Err(err).Msg("failed to mark queue entry completed")
	}

	if err := p.Jobs.UpdateStatus(ctx, entry.JobID, model.JobCompleted, jobstore.UpdateOpts{
		OutputFile:  &outFile,
		Attempts:    &entry.Attempts,
		SetComplete: true,
	}); err != nil {
		p.Logger.Error().Str("job_id", entry.JobID).Err(err).Msg("failed to mark job completed")
	}

	if n, err := p.Queue.ClearCompletedJobs(ctx); err == nil && n > 0 {
		p.Logger.Info().Int("count", n).Msg("opportunistically cleared completed queue entries")
	}
}

// handleFailure computes the jittered exponential backoff for a failed
// task and lets the queue decide retry vs terminal fail based on
// attempts vs max attempts.
func (p *Pool) handleFailure(ctx context.Context, entry *model.QueueEntry, taskErr error) {
	errMsg := "unknown task error"
	if taskErr != nil {
		errMsg = common.TruncateError(taskErr)
	}

	attempts := entry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	jitter := 0.5 + rand.Float64()*0.5
	delay := time.Duration(float64(p.Opts.BackoffBase) * float64(int64(1)<<uint(attempts-1)) * jitter)

	shouldRetry := true
	if err := p.Queue.MarkFailed(ctx, entry.QueueID, errMsg, shouldRetry, delay); err != nil {
		p.Logger.Error().Str("job_id", entry.JobID).Err(err).Msg("failed to mark queue entry failed")
	}

	terminal := entry.Attempts >= entry.MaxAttempts
	if terminal {
		if err := p.Jobs.UpdateStatus(ctx, entry.JobID, model.JobFailed, jobstore.UpdateOpts{
			Error:       &errMsg,
			Attempts:    &entry.Attempts,
			SetComplete: true,
		}); err != nil {
			p.Logger.Error().Str("job_id", entry.JobID).Err(err).Msg("failed to mark job failed")
		}
	} else {
		if err := p.Jobs.UpdateStatus(ctx, entry.JobID, model.JobPending, jobstore.UpdateOpts{
			Error:    &errMsg,
			Attempts: &entry.Attempts,
		}); err != nil {
			p.Logger.Error().Str("job_id", entry.JobID).Err(err).Msg("failed to record retry attempt")
		}
	}
}

// failTerminal handles failures that should never be retried, such as
// a malformed payload or an unresolvable hook name.
func (p *Pool) failTerminal(ctx context.Context, entry *model.QueueEntry, errMsg string) {
	if err := p.Queue.MarkFailed(ctx, entry.QueueID, errMsg, false, 0); err != nil {
		p.Logger.Error().Str("job_id", entry.JobID).Err(err).Msg("failed to mark queue entry failed")
	}
	if err := p.Jobs.UpdateStatus(ctx, entry.JobID, model.JobFailed, jobstore.UpdateOpts{
		Error:       &errMsg,
		Attempts:    &entry.Attempts,
		SetComplete: true,
	}); err != nil {
		p.Logger.Error().Str("job_id", entry.JobID).Err(err).Msg("failed to mark job failed")
	}
}
