// Package taskrunner wraps one Crawl Session end-to-end:
// isolated storage provisioning, crawl execution, streaming output, and
// unconditional cleanup of the transient storage directory.
package taskrunner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/crawlkeeper/crawlkeeper/internal/common"
	"github.com/crawlkeeper/crawlkeeper/internal/crawlsession"
	"github.com/crawlkeeper/crawlkeeper/internal/model"
	"github.com/crawlkeeper/crawlkeeper/internal/outputwriter"
)

// Result is what a Runner produces: a successful run names the
// (possibly multi-segment) output file it wrote; a failed run carries
// an error and no output file.
type Result struct {
	Success      bool
	OutputFile   string // first segment path; "" if Success is false or zero records
	OutputFiles  []string
	Error        error
	PagesCrawled int
}

// Runner wraps one TaskConfig's execution against a storage root.
type Runner struct {
	StorageRoot string // "<root>/storage/jobs"
	OutputRoot  string // "<root>/output/jobs"
	Logger      arbor.ILogger
}

// New creates a Runner rooted at the given storage/output directories.
func New(storageRoot, outputRoot string, logger arbor.ILogger) *Runner {
	return &Runner{StorageRoot: storageRoot, OutputRoot: outputRoot, Logger: logger}
}

// Run executes task end to end: provisions an isolated dataset
// directory, drives a Crawl Session, streams its records through the
// Output Writer, and removes the storage directory regardless of
// outcome.
func (r *Runner) Run(ctx context.Context, jobName string, task model.TaskConfig, global model.GlobalConfig, hook crawlsession.Hook) Result {
	datasetName := common.NewDatasetName()
	storageDir := filepath.Join(r.StorageRoot, datasetName)

	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return Result{Error: fmt.Errorf("taskrunner: create storage dir: %w", err)}
	}
	defer r.cleanupStorage(storageDir)

	outputPath := r.resolveOutputPath(jobName, task.OutputFileName)

	session := crawlsession.New(task, global, hook, r.Logger)
	session.StorageDir = storageDir

	sessionResult, err := session.Run(ctx)
	if err != nil {
		return Result{Error: fmt.Errorf("taskrunner: crawl session: %w", err)}
	}

	maxTokens, unlimitedTokens := global.MaxTokensLimit()
	writer := outputwriter.New(outputPath, task.MaxFileSize, maxTokens, unlimitedTokens)
	for _, rec := range sessionResult.Records {
		if err := writer.Add(rec); err != nil {
			return Result{Error: fmt.Errorf("taskrunner: write record: %w", err)}
		}
	}

	files, err := writer.Flush()
	if err != nil {
		return Result{Error: fmt.Errorf("taskrunner: flush output: %w", err)}
	}

	// A crawl that produced zero records is a transient task failure
	// (spec: retried with backoff like any other task failure), not a
	// quietly successful empty run.
	if len(files) == 0 {
		return Result{Error: fmt.Errorf("taskrunner: crawl produced zero records"), PagesCrawled: sessionResult.PagesCrawled}
	}

	return Result{
		Success:      true,
		OutputFiles:  files,
		OutputFile:   files[0],
		PagesCrawled: sessionResult.PagesCrawled,
	}
}

// resolveOutputPath sanitizes TaskConfig.OutputFileName to a basename
// forced under OutputRoot, defeating path traversal. An unset name
// derives from the job name.
func (r *Runner) resolveOutputPath(jobName, outputFileName string) string {
	name := filepath.Base(outputFileName)
	if outputFileName == "" || name == "." || name == "/" || name == ".." {
		name = jobName + ".json"
	}
	return filepath.Join(r.OutputRoot, name)
}

func (r *Runner) cleanupStorage(dir string) {
	err := os.RemoveAll(dir)
	if err != nil && !os.IsNotExist(err) {
		if r.Logger != nil {
			r.Logger.Warn().Str("storage_dir", dir).Err(err).Msg("failed to remove transient storage directory")
		}
	}
}
