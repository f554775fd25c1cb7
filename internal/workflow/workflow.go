// Package workflow runs the jobs of a workflow folder in dependency
// order. A workflow is a directory whose immediate subdirectories are
// jobs; workflow-level parameters apply to every job and job-level
// parameters override them. Jobs execute in a temporary copy of the
// folder so the sources stay pristine; collected outputs are copied
// back to the source job directories.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"jobforge/internal/archive"
	"jobforge/internal/executor"
	"jobforge/internal/job"
	"jobforge/internal/jobconfig"

	"github.com/pkg/errors"
)

// Job is one runnable entry of a workflow.
type Job struct {
	// Name is the job's configured name, used in depends_on references.
	Name string

	// Dir is the job directory relative to the workflow root.
	Dir string

	Config *jobconfig.JobConfig
}

// Scan finds the jobs of a workflow root: every direct subdirectory
// carrying a job configuration, sorted by name.
func Scan(root string) ([]Job, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "reading workflow %s", root)
	}

	var jobs []Job
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == jobconfig.ConfigDirName {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if !jobconfig.HasConfig(dir) {
			continue
		}
		cfg, err := jobconfig.Load(dir)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, Job{Name: cfg.Name, Dir: entry.Name(), Config: cfg})
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs, nil
}

// SortJobs orders jobs so every job runs after its dependencies (Kahn's
// algorithm; ties resolve in name order). A depends_on entry naming an
// unknown job or a dependency cycle is an error.
func SortJobs(jobs []Job) ([]Job, error) {
	byName := make(map[string]Job, len(jobs))
	for _, j := range jobs {
		byName[j.Name] = j
	}

	indegree := make(map[string]int, len(jobs))
	dependents := make(map[string][]string, len(jobs))
	for _, j := range jobs {
		indegree[j.Name] += 0
		for _, dep := range j.Config.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, errors.Errorf("job %q depends on unknown job %q", j.Name, dep)
			}
			indegree[j.Name]++
			dependents[dep] = append(dependents[dep], j.Name)
		}
	}

	var ready []string
	for _, j := range jobs {
		if indegree[j.Name] == 0 {
			ready = append(ready, j.Name)
		}
	}
	sort.Strings(ready)

	sorted := make([]Job, 0, len(jobs))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		sorted = append(sorted, byName[name])

		next := dependents[name]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(sorted) != len(jobs) {
		var stuck []string
		for name, degree := range indegree {
			if degree > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, errors.Errorf("circular dependency detected involving jobs: %s", strings.Join(stuck, ", "))
	}
	return sorted, nil
}

// Plan scans root and returns its jobs in execution order.
func Plan(root string) ([]Job, error) {
	jobs, err := Scan(root)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, errors.Errorf("workflow %s contains no jobs", root)
	}
	return SortJobs(jobs)
}

// Runner executes a planned workflow through the local executor.
type Runner struct {
	exec   *executor.Executor
	events chan<- job.Event
	log    *slog.Logger

	// KeepWorkspace leaves the temporary run directory in place for
	// inspection instead of removing it.
	KeepWorkspace bool
}

// NewRunner creates a runner emitting on the same channel as exec.
func NewRunner(exec *executor.Executor, events chan<- job.Event, log *slog.Logger) *Runner {
	return &Runner{exec: exec, events: events, log: log}
}

// Run executes jobs (as returned by Plan for root) in order. Every job
// is marked Pending up front; a failing job stops the run and the jobs
// after it stay Pending. The run finishes with a sentinel event whose
// index equals the job count, telling consumers no more events follow.
// Like a single job run, a job failure is an outcome, not a returned
// error.
func (r *Runner) Run(ctx context.Context, root string, jobs []Job, cancel <-chan struct{}) error {
	name := workflowName(root)

	workspace, err := os.MkdirTemp("", "forge-"+name+"-")
	if err != nil {
		return errors.Wrap(err, "creating workflow workspace")
	}
	if !r.KeepWorkspace {
		defer os.RemoveAll(workspace)
	}
	if err := archive.CopyDir(root, workspace); err != nil {
		return errors.Wrapf(err, "copying workflow %s to workspace", root)
	}
	r.log.Info("workflow workspace ready", "workflow", name, "workspace", workspace)

	globalParams, err := r.globalParams(workspace)
	if err != nil {
		return err
	}

	for i := range jobs {
		ev := job.Event{JobIndex: i, Status: job.StatusPending, Line: job.Stdout("Queued")}
		if err := job.Emit(ctx, r.events, ev); err != nil {
			return err
		}
	}

	for i, jb := range jobs {
		jobDir := filepath.Join(workspace, jb.Dir)

		if err := r.stageInputs(ctx, i, workspace, jobs, jb); err != nil {
			return err
		}

		env, err := r.jobEnv(jobDir, globalParams)
		if err != nil {
			return err
		}

		r.exec.SetJobIndex(i)
		spec := executor.RunSpec{
			JobDir:   jobDir,
			Config:   jb.Config,
			Env:      env,
			ImageTag: executor.BuildTag(name, jb.Name),
		}
		status, err := r.exec.Run(ctx, spec, cancel)
		if err != nil {
			return errors.Wrapf(err, "running job %s", jb.Name)
		}
		if status != job.StatusCompleted {
			// Later jobs stay Pending; the sentinel still closes the run.
			r.log.Info("workflow stopped at failed job", "workflow", name, "job", jb.Name)
			break
		}

		if err := r.collectOutputs(workspace, root, jb); err != nil {
			r.log.Warn("copying job outputs back", "job", jb.Name, "error", err)
		}
	}

	sentinel := job.Event{JobIndex: len(jobs), Status: job.StatusCompleted}
	return job.Emit(ctx, r.events, sentinel)
}

// globalParams resolves workflow-level parameter values, generating
// defaults when the workflow declares parameters but none are stored.
func (r *Runner) globalParams(workspace string) (map[string]any, error) {
	if _, err := jobconfig.LoadWorkflow(workspace); err != nil {
		if errors.Is(err, jobconfig.ErrNoConfig) {
			return jobconfig.LoadGlobalParams(workspace)
		}
		return nil, err
	}
	src, err := jobconfig.NewWorkflowParamSource(workspace)
	if err != nil {
		return nil, err
	}
	return jobconfig.EnsureDefaultParams(src)
}

// jobEnv builds the container environment for a job: workflow globals
// first, job parameters over them.
func (r *Runner) jobEnv(jobDir string, globalParams map[string]any) (map[string]string, error) {
	src, err := jobconfig.NewJobParamSource(jobDir)
	if err != nil {
		return nil, err
	}
	jobParams, err := jobconfig.EnsureDefaultParams(src)
	if err != nil {
		return nil, err
	}
	return jobconfig.ParamsToEnv(jobconfig.MergeParams(globalParams, jobParams)), nil
}

// stageInputs copies files matching the job's input globs from each
// dependency's directory (and its outputs/ folder) into the job's
// directory. A file already present in the job dir wins; the conflict
// is logged and the copy skipped.
func (r *Runner) stageInputs(ctx context.Context, jobIndex int, workspace string, jobs []Job, jb Job) error {
	if len(jb.Config.DependsOn) == 0 || len(jb.Config.Inputs) == 0 {
		return nil
	}

	jobDir := filepath.Join(workspace, jb.Dir)
	byName := make(map[string]Job, len(jobs))
	for _, j := range jobs {
		byName[j.Name] = j
	}

	staged := 0
	for _, depName := range jb.Config.DependsOn {
		dep, ok := byName[depName]
		if !ok {
			return errors.Errorf("job %q depends on unknown job %q", jb.Name, depName)
		}
		depDir := filepath.Join(workspace, dep.Dir)

		for _, pattern := range jb.Config.Inputs {
			matches, err := globInputs(depDir, pattern)
			if err != nil {
				return errors.Wrapf(err, "matching input pattern %q of job %s", pattern, jb.Name)
			}
			for _, src := range matches {
				dst := filepath.Join(jobDir, filepath.Base(src))
				if _, err := os.Stat(dst); err == nil {
					line := job.Stdout(fmt.Sprintf("Input %s already exists, skipping copy from %s", filepath.Base(src), depName))
					if err := job.Emit(ctx, r.events, job.Event{JobIndex: jobIndex, Status: job.StatusPending, Line: line}); err != nil {
						return err
					}
					continue
				}
				if err := archive.CopyFile(src, dst); err != nil {
					return errors.Wrapf(err, "staging input %s for job %s", src, jb.Name)
				}
				staged++
			}
		}
	}

	if staged > 0 {
		line := job.Stdout(fmt.Sprintf("Staged %d input file(s) from dependencies", staged))
		return job.Emit(ctx, r.events, job.Event{JobIndex: jobIndex, Status: job.StatusPending, Line: line})
	}
	return nil
}

// globInputs matches pattern in dir and in dir/outputs, files only.
func globInputs(dir, pattern string) ([]string, error) {
	var out []string
	for _, base := range []string{dir, filepath.Join(dir, "outputs")} {
		matches, err := filepath.Glob(filepath.Join(base, pattern))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// collectOutputs copies a completed job's outputs/ folder from the
// workspace back into the source job directory.
func (r *Runner) collectOutputs(workspace, root string, jb Job) error {
	src := filepath.Join(workspace, jb.Dir, "outputs")
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return nil
	}
	return archive.CopyDir(src, filepath.Join(root, jb.Dir, "outputs"))
}

func workflowName(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		return filepath.Base(root)
	}
	return filepath.Base(abs)
}
