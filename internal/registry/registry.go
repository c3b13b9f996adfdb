// Package registry loads the static job-name -> task-list mapping the
// Submission API and Worker Pool both read from (a "Registry of
// jobs"). Every TOML file under a jobs directory defines one job; task
// names must be unique across the whole registry, since task names are treated as
// a TaskConfig.Name as a stable identifier shared by every job that
// references it.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/crawlkeeper/crawlkeeper/internal/model"
)

// jobFile is the on-disk TOML shape of one job definition file:
// "<jobs_dir>/<jobName>.toml".
type jobFile struct {
	Name           string            `toml:"name"`
	OutputFileName string            `toml:"output_file_name"`
	Tasks          []model.TaskConfig `toml:"task"`
}

// Registry is the process-wide, load-once mapping of job name to its
// ordered list of tasks.
type Registry struct {
	jobs map[string][]model.TaskConfig
	// outputFileName is the job-level output filename declared in the job
	// file, reported by List. The Aggregator does not read it; it names
	// the final artifact "<jobName>.json".
	outputFileName map[string]string
	names          []string
}

// Load reads every *.toml file in dir as one job definition and builds
// the registry. Duplicate task names across jobs are a configuration
// error, detected eagerly here rather than at submission time.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{jobs: map[string][]model.TaskConfig{}, outputFileName: map[string]string{}}, nil
		}
		return nil, fmt.Errorf("registry: read dir %s: %w", dir, err)
	}

	reg := &Registry{
		jobs:           map[string][]model.TaskConfig{},
		outputFileName: map[string]string{},
	}
	seenTaskNames := map[string]string{} // task name -> owning job, for the duplicate check

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("registry: read %s: %w", path, err)
		}

		var jf jobFile
		if err := toml.Unmarshal(data, &jf); err != nil {
			return nil, fmt.Errorf("registry: parse %s: %w", path, err)
		}
		if jf.Name == "" {
			jf.Name = strings.TrimSuffix(e.Name(), ".toml")
		}
		if _, exists := reg.jobs[jf.Name]; exists {
			return nil, fmt.Errorf("registry: duplicate job name %q (from %s)", jf.Name, path)
		}

		for _, task := range jf.Tasks {
			if err := task.Validate(); err != nil {
				return nil, fmt.Errorf("registry: job %q: %w", jf.Name, err)
			}
			if owner, dup := seenTaskNames[task.Name]; dup {
				return nil, fmt.Errorf("registry: task name %q used by both job %q and job %q", task.Name, owner, jf.Name)
			}
			seenTaskNames[task.Name] = jf.Name
		}

		reg.jobs[jf.Name] = jf.Tasks
		reg.outputFileName[jf.Name] = jf.OutputFileName
		reg.names = append(reg.names, jf.Name)
	}

	sort.Strings(reg.names)
	return reg, nil
}

// Tasks returns the ordered task list for jobName, or (nil, false) if
// the job name is unknown.
func (r *Registry) Tasks(jobName string) ([]model.TaskConfig, bool) {
	tasks, ok := r.jobs[jobName]
	return tasks, ok
}

// OutputFileName returns the job-level default output filename
// override, or "" if the job didn't declare one.
func (r *Registry) OutputFileName(jobName string) string {
	return r.outputFileName[jobName]
}

// Names returns every registered job name in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// JobSummary is one entry of the "GET /configurations" response.
type JobSummary struct {
	Name           string `json:"name"`
	ConfigCount    int    `json:"configCount"`
	OutputFileName string `json:"outputFileName"`
}

// List returns a JobSummary for every registered job, sorted by name.
func (r *Registry) List() []JobSummary {
	summaries := make([]JobSummary, 0, len(r.names))
	for _, name := range r.names {
		summaries = append(summaries, JobSummary{
			Name:           name,
			ConfigCount:    len(r.jobs[name]),
			OutputFileName: r.outputFileName[name],
		})
	}
	return summaries
}
