// Package aggregator runs a multi-task job's tasks sequentially through
// the Task Runner into unique transient files, then streams those files
// into one canonical job artifact without ever holding more than one
// task's output in memory at a time.
package aggregator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/crawlkeeper/crawlkeeper/internal/hooks"
	"github.com/crawlkeeper/crawlkeeper/internal/model"
	"github.com/crawlkeeper/crawlkeeper/internal/taskrunner"
)

// TaskOutcome records one task's execution result as seen by the
// aggregation step: its name, its transient output file (if it
// produced one), and any error.
type TaskOutcome struct {
	TaskName string
	File     string // "" if the task failed or wrote zero records
	Err      error
}

// Aggregator sequentially executes a job's tasks and merges their
// transient output into one canonical artifact.
type Aggregator struct {
	StorageRoot string // "<root>/storage/jobs", passed through to each task's Runner
	ScratchDir  string // parent of "context-crawler-<random>" dirs
	OutputRoot  string // "<root>/output/jobs"
	Logger      arbor.ILogger
}

// New builds an Aggregator.
func New(storageRoot, scratchDir, outputRoot string, logger arbor.ILogger) *Aggregator {
	return &Aggregator{StorageRoot: storageRoot, ScratchDir: scratchDir, OutputRoot: outputRoot, Logger: logger}
}

// Run executes every task in tasks sequentially against a Task Runner
// scoped to one shared scratch directory for this job, then merges the
// successful tasks' output into "<OutputRoot>/<jobName>.json". Returns
// the final artifact path, or "" if zero tasks succeeded.
func (a *Aggregator) Run(ctx context.Context, jobName string, tasks []model.TaskConfig, global model.GlobalConfig) (string, error) {
	scratchDir := filepath.Join(a.ScratchDir, "context-crawler-"+uuid.New().String())
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return "", fmt.Errorf("aggregator: create scratch dir: %w", err)
	}
	defer a.cleanupScratch(scratchDir)

	taskRunner := taskrunner.New(a.StorageRoot, scratchDir, a.Logger)

	outcomes := make([]TaskOutcome, 0, len(tasks))
	for _, task := range tasks {
		outcomes = append(outcomes, a.runTask(ctx, taskRunner, jobName, task, global))
	}

	succeeded := 0
	for _, o := range outcomes {
		if o.Err != nil {
			a.Logger.Warn().Str("job_name", jobName).Str("task", o.TaskName).Err(o.Err).Msg("task failed during aggregation, skipping")
			continue
		}
		if o.File != "" {
			succeeded++
		}
	}
	if succeeded == 0 {
		a.Logger.Warn().Str("job_name", jobName).Msg("zero tasks succeeded, skipping aggregated output")
		return "", nil
	}

	outputPath := filepath.Join(a.OutputRoot, jobName+".json")
	if err := a.merge(outputPath, outcomes); err != nil {
		return "", err
	}
	return outputPath, nil
}

func (a *Aggregator) runTask(ctx context.Context, taskRunner *taskrunner.Runner, jobName string, task model.TaskConfig, global model.GlobalConfig) TaskOutcome {
	hook, err := hooks.Resolve(task.OnVisitPage)
	if err != nil {
		return TaskOutcome{TaskName: task.Name, Err: err}
	}

	// Each task needs its own transient filename within the shared
	// scratch dir; falling back to jobName would collide across tasks.
	if task.OutputFileName == "" {
		task.OutputFileName = task.Name + ".json"
	}

	result := taskRunner.Run(ctx, jobName, task, global, hook)
	if !result.Success {
		return TaskOutcome{TaskName: task.Name, Err: result.Error}
	}
	if result.OutputFile == "" {
		return TaskOutcome{TaskName: task.Name}
	}
	return TaskOutcome{TaskName: task.Name, File: result.OutputFile}
}

// merge streams every successful outcome's transient file into one
// pretty-printed JSON array at outputPath, reading one file at a time.
func (a *Aggregator) merge(outputPath string, outcomes []TaskOutcome) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("aggregator: create output dir: %w", err)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("aggregator: create %s: %w", outputPath, err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	if _, err := w.WriteString("[\n"); err != nil {
		return err
	}

	first := true
	for _, o := range outcomes {
		if o.Err != nil || o.File == "" {
			continue
		}
		if err := a.appendFile(w, o.File, &first); err != nil {
			a.Logger.Warn().Str("file", o.File).Err(err).Msg("transient file unreadable during aggregation, skipping")
			continue
		}
	}

	if _, err := w.WriteString("\n]\n"); err != nil {
		return err
	}
	return w.Flush()
}

// appendFile parses one task's transient file (a JSON array or a lone
// object) and streams each element into w as a comma-separated,
// indented entry, never holding more than this one file in memory.
func (a *Aggregator) appendFile(w *bufio.Writer, path string, first *bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var elements []json.RawMessage
	if firstNonSpace(data) == '[' {
		if err := json.Unmarshal(data, &elements); err != nil {
			return fmt.Errorf("parse array %s: %w", path, err)
		}
	} else {
		elements = []json.RawMessage{json.RawMessage(data)}
	}

	for _, el := range elements {
		var pretty interface{}
		if err := json.Unmarshal(el, &pretty); err != nil {
			return fmt.Errorf("parse element in %s: %w", path, err)
		}
		encoded, err := json.MarshalIndent(pretty, "  ", "  ")
		if err != nil {
			return fmt.Errorf("reencode element in %s: %w", path, err)
		}

		if !*first {
			if _, err := w.WriteString(",\n"); err != nil {
				return err
			}
		}
		*first = false
		if _, err := w.WriteString("  "); err != nil {
			return err
		}
		if _, err := w.Write(encoded); err != nil {
			return err
		}
	}
	return nil
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b
		}
	}
	return 0
}

func (a *Aggregator) cleanupScratch(dir string) {
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		a.Logger.Warn().Str("scratch_dir", dir).Err(err).Msg("failed to remove aggregation scratch directory")
	}
}
