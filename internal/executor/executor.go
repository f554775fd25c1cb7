// Package executor drives a single job through its container lifecycle:
// image acquisition, container creation and start, log streaming and exit
// handling. Progress is reported as ordered events on a channel; a
// separate cancel channel stops the container mid-run without turning the
// cancellation into a caller-visible error.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"jobforge/internal/archive"
	"jobforge/internal/job"
	"jobforge/internal/jobconfig"
	"jobforge/internal/observability"
	"jobforge/internal/runtime"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// workDir is where the job directory is mounted inside the container.
const workDir = "/workspace"

// cleanupTimeout bounds the stop-and-remove pass after a run ends.
const cleanupTimeout = 30 * time.Second

// Executor runs jobs against a container runtime, one at a time, and
// reports progress on its event channel. Events carry the current job
// index so a multi-job consumer can route them to the right entry.
type Executor struct {
	rt     runtime.Runtime
	events chan<- job.Event
	log    *slog.Logger
	inst   *observability.JobInstruments

	jobIndex int
}

// New creates an executor emitting on events.
func New(rt runtime.Runtime, events chan<- job.Event, log *slog.Logger) *Executor {
	return &Executor{rt: rt, events: events, log: log}
}

// SetJobIndex sets the index stamped on subsequent events, for callers
// running several jobs through one executor.
func (e *Executor) SetJobIndex(i int) { e.jobIndex = i }

// SetInstruments enables outcome metrics for job runs.
func (e *Executor) SetInstruments(inst *observability.JobInstruments) { e.inst = inst }

// RunSpec describes one job run.
type RunSpec struct {
	// JobDir is bind-mounted into the container at the working directory.
	JobDir string

	Config *jobconfig.JobConfig

	// Env is injected into the container environment, typically the
	// PARAM_ mapping of the job's parameters.
	Env map[string]string

	// ImageTag names the image built from a Dockerfile source; ignored
	// when the config names a pre-built image. Empty derives a tag from
	// the job name.
	ImageTag string

	// Name is the container name; empty lets the runtime pick one.
	Name string
}

// BuildTag derives the local image tag for a job built from a Dockerfile.
// Parts are joined with underscores and lowercased, so a repeat run of the
// same job finds the image already present and skips the build.
func BuildTag(parts ...string) string {
	name := strings.ToLower(strings.Join(parts, "_"))
	name = strings.ReplaceAll(name, " ", "-")
	return name + ":latest"
}

// Run executes one job to a terminal status. The returned status is
// StatusCompleted or StatusFailed; the error is non-nil only for executor
// failures (image, container or event-channel trouble). A non-zero script
// exit and a cancellation are recorded job outcomes, not errors.
func (e *Executor) Run(ctx context.Context, spec RunSpec, cancel <-chan struct{}) (job.Status, error) {
	ctx, span := otel.Tracer("executor").Start(ctx, "run_job",
		trace.WithAttributes(
			attribute.String("job.name", spec.Config.Name),
			attribute.String("job.dir", spec.JobDir),
		))
	defer span.End()

	started := time.Now()
	status, err := e.run(ctx, spec, cancel)
	if err != nil {
		span.RecordError(err)
	}
	e.record(ctx, spec.Config.Name, status, time.Since(started))
	return status, err
}

func (e *Executor) run(ctx context.Context, spec RunSpec, cancel <-chan struct{}) (job.Status, error) {
	cfg := spec.Config

	jobDir, err := filepath.Abs(spec.JobDir)
	if err != nil {
		return job.StatusFailed, errors.Wrapf(err, "resolving job directory %s", spec.JobDir)
	}

	image, err := e.resolveImage(ctx, jobDir, spec)
	if err != nil {
		return e.fail(ctx, err)
	}

	if err := e.emitLine(ctx, job.StatusCreatingContainer, job.Stdout("Creating container with image: "+image)); err != nil {
		return job.StatusFailed, err
	}
	if cfg.Container.UseGPU {
		if err := e.emitLine(ctx, job.StatusCreatingContainer, job.Stdout("GPU support enabled for this container")); err != nil {
			return job.StatusFailed, err
		}
	}

	command := cfg.Scripts.Command(jobDir)
	id, err := e.rt.CreateContainer(ctx, runtime.CreateSpec{
		Image:      image,
		Command:    []string{"/bin/sh", "-c", command},
		Env:        spec.Env,
		Binds:      []string{jobDir + ":" + workDir},
		WorkingDir: workDir,
		UseGPU:     cfg.Container.UseGPU,
		Name:       spec.Name,
	})
	if err != nil {
		return e.fail(ctx, &ContainerCreateError{Image: image, Err: err})
	}
	if id == "" {
		return e.fail(ctx, ErrNoContainerID)
	}
	defer e.cleanup(id)

	created := job.Event{
		Status:      job.StatusContainerRunning,
		ContainerID: id,
		Line:        job.Stdout(fmt.Sprintf("Container created: %s, binding %s to %s", id, jobDir, workDir)),
	}
	if err := e.emit(ctx, created); err != nil {
		return job.StatusFailed, err
	}

	if err := e.rt.StartContainer(ctx, id); err != nil {
		return e.fail(ctx, &ContainerStartError{ID: id, Err: err})
	}
	if err := e.emitLine(ctx, job.StatusRunning, job.Stdout("Container started and ready")); err != nil {
		return job.StatusFailed, err
	}
	if err := e.emitLine(ctx, job.StatusRunning, job.Stdout("Executing script: "+command)); err != nil {
		return job.StatusFailed, err
	}

	logs, err := e.rt.ContainerLogs(ctx, id)
	if err != nil {
		return e.fail(ctx, &LogStreamError{ID: id, Err: err})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.streamLogs(ctx, id, logs)
	}()

	statusCh, errCh := e.rt.WaitContainer(ctx, id)

	select {
	case res := <-statusCh:
		wg.Wait()
		if res.Error != nil {
			return e.fail(ctx, errors.Wrapf(res.Error, "container %s", id))
		}
		if res.ExitCode != 0 {
			return e.scriptFailed(ctx, command, res.ExitCode)
		}
		return e.finish(ctx, jobDir, cfg, command, id)

	case err := <-errCh:
		wg.Wait()
		return e.fail(ctx, err)

	case <-cancel:
		return e.cancelRun(ctx, id, &wg)

	case <-ctx.Done():
		wg.Wait()
		return job.StatusFailed, ctx.Err()
	}
}

// resolveImage makes the job's image available locally and returns its
// reference: pulled when the config names an image, built from the job's
// Dockerfile otherwise. An image already present locally is used as is,
// skipping the pull or build; removing it is how a user forces a refresh.
func (e *Executor) resolveImage(ctx context.Context, jobDir string, spec RunSpec) (string, error) {
	cfg := spec.Config
	if cfg.Container.Dockerfile == "" {
		image := cfg.Container.Image
		exists, err := e.rt.ImageExists(ctx, image)
		if err != nil {
			return "", &ImagePullError{Ref: image, Err: err}
		}
		if exists {
			line := fmt.Sprintf("image %s exists locally, skipping pull", image)
			if err := e.emitLine(ctx, job.StatusPullingImage, job.Stdout(line)); err != nil {
				return "", err
			}
			return image, nil
		}
		if err := e.emitLine(ctx, job.StatusPullingImage, job.Stdout("Pulling image: "+image)); err != nil {
			return "", err
		}
		if err := e.rt.PullImage(ctx, image); err != nil {
			return "", &ImagePullError{Ref: image, Err: err}
		}
		return image, nil
	}

	tag := spec.ImageTag
	if tag == "" {
		tag = BuildTag(cfg.Name)
	}

	exists, err := e.rt.ImageExists(ctx, tag)
	if err != nil {
		return "", &ImageBuildError{Ref: tag, Err: err}
	}
	if exists {
		line := fmt.Sprintf("docker image %s exists, skip building, remove the image to rebuild ...", tag)
		if err := e.emitLine(ctx, job.StatusBuildingImage, job.Stdout(line)); err != nil {
			return "", err
		}
		return tag, nil
	}

	dockerfile := filepath.Join(jobDir, cfg.Container.Dockerfile)
	if err := e.emitLine(ctx, job.StatusBuildingImage, job.Stdout("Building image from: "+dockerfile)); err != nil {
		return "", err
	}

	// The daemon reports the built image ID on the final stream line.
	var imageID string
	progress := func(line string) {
		if strings.Contains(line, "Successfully built") {
			fields := strings.Fields(line)
			imageID = fields[len(fields)-1]
		}
		_ = e.emit(ctx, job.Event{Status: job.StatusBuildingImage, Line: job.Stdout(line), Transient: true})
	}
	if err := e.rt.BuildImage(ctx, filepath.Dir(dockerfile), filepath.Base(dockerfile), tag, progress); err != nil {
		return "", &ImageBuildError{Ref: tag, Err: err}
	}
	if err := e.emitLine(ctx, job.StatusBuildingImage, job.Stdout("Building image complete with image id: "+imageID)); err != nil {
		return "", err
	}
	return tag, nil
}

// finish handles a zero exit: collect declared outputs and emit the
// terminal Completed event.
func (e *Executor) finish(ctx context.Context, jobDir string, cfg *jobconfig.JobConfig, command, id string) (job.Status, error) {
	if err := e.emitLine(ctx, job.StatusRunning, job.Stdout(fmt.Sprintf("Script %s completed successfully", command))); err != nil {
		return job.StatusFailed, err
	}

	if len(cfg.Outputs) > 0 {
		if err := e.emitLine(ctx, job.StatusRunning, job.Stdout("Collecting output files...")); err != nil {
			return job.StatusFailed, err
		}
		copied, empty, err := collectOutputs(jobDir, cfg.Outputs)
		for _, pattern := range empty {
			line := job.Stdout(fmt.Sprintf("Pattern %q matched no files", pattern))
			if err := e.emitLine(ctx, job.StatusRunning, line); err != nil {
				return job.StatusFailed, err
			}
		}
		var line job.LogLine
		if err != nil {
			line = job.Stderr("Warning: Failed to collect output files: " + err.Error())
		} else {
			line = job.Stdout(fmt.Sprintf("Collected %d output file(s) to outputs/ folder", copied))
		}
		if err := e.emitLine(ctx, job.StatusRunning, line); err != nil {
			return job.StatusFailed, err
		}
	}

	if err := e.emitLine(ctx, job.StatusCompleted, job.Stdout("Job completed, removing container "+id)); err != nil {
		return job.StatusFailed, err
	}
	return job.StatusCompleted, nil
}

// scriptFailed records a non-zero exit as the job's outcome.
func (e *Executor) scriptFailed(ctx context.Context, command string, exitCode int) (job.Status, error) {
	scriptErr := &ScriptError{Script: command, ExitCode: exitCode}
	ev := job.Event{
		Status: job.StatusFailed,
		Line:   job.Stderr(fmt.Sprintf("Script %s failed with exit code %d", command, exitCode)),
		Err:    scriptErr.Error(),
	}
	if err := e.emit(ctx, ev); err != nil {
		return job.StatusFailed, err
	}
	return job.StatusFailed, nil
}

// cancelRun handles a cancellation signal: stop the container, drain the
// log stream and record the outcome. Cancellation is a normal termination
// path, so the caller sees StatusFailed without an error.
func (e *Executor) cancelRun(ctx context.Context, id string, wg *sync.WaitGroup) (job.Status, error) {
	stopCtx, stop := context.WithTimeout(context.Background(), cleanupTimeout)
	defer stop()
	if err := e.rt.StopContainer(stopCtx, id); err != nil {
		e.log.Warn("stopping cancelled container", "container_id", id, "error", err)
	}
	wg.Wait()

	ev := job.Event{
		Status: job.StatusFailed,
		Line:   job.Stdout(fmt.Sprintf("Job execution cancelled, container %s stopped", id)),
		Err:    "job cancelled",
	}
	if err := e.emit(ctx, ev); err != nil {
		return job.StatusFailed, err
	}
	return job.StatusFailed, nil
}

// fail emits the terminal Failed event carrying the failure message and
// propagates the failure to the caller.
func (e *Executor) fail(ctx context.Context, failure error) (job.Status, error) {
	ev := job.Event{
		Status: job.StatusFailed,
		Line:   job.Stderr("Error: " + failure.Error()),
		Err:    failure.Error(),
	}
	if err := e.emit(ctx, ev); err != nil {
		return job.StatusFailed, err
	}
	return job.StatusFailed, failure
}

// streamLogs forwards container output line by line as Running events.
// The container runs with a TTY, so stdout and stderr arrive interleaved
// on one raw stream.
func (e *Executor) streamLogs(ctx context.Context, id string, rc io.ReadCloser) {
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ev := job.Event{Status: job.StatusRunning, Line: job.Stdout(scanner.Text())}
		if err := e.emit(ctx, ev); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		e.log.Warn("log stream ended early", "container_id", id, "error", err)
	}
}

// collectOutputs copies files matching the configured glob patterns into
// the job's outputs/ directory. The job directory is bind-mounted, so the
// copies are immediately visible to the host. Patterns matching nothing
// are reported back rather than treated as failures.
func collectOutputs(jobDir string, patterns []string) (int, []string, error) {
	outDir := filepath.Join(jobDir, "outputs")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, nil, errors.Wrap(err, "creating outputs directory")
	}

	copied := 0
	var empty []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(jobDir, pattern))
		if err != nil {
			return copied, empty, errors.Wrapf(err, "matching pattern %q", pattern)
		}
		if len(matches) == 0 {
			empty = append(empty, pattern)
			continue
		}
		for _, m := range matches {
			if m == outDir {
				continue
			}
			info, err := os.Stat(m)
			if err != nil {
				return copied, empty, errors.Wrapf(err, "inspecting %s", m)
			}
			dst := filepath.Join(outDir, filepath.Base(m))
			if info.IsDir() {
				err = archive.CopyDir(m, dst)
			} else {
				err = archive.CopyFile(m, dst)
			}
			if err != nil {
				return copied, empty, err
			}
			copied++
		}
	}
	return copied, empty, nil
}

// cleanup stops and removes the container. It runs on every exit path so
// no container outlives its job, and it tolerates a container that has
// already exited or was stopped by cancellation.
func (e *Executor) cleanup(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	var errs *multierror.Error
	if err := e.rt.StopContainer(ctx, id); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := e.rt.RemoveContainer(ctx, id); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		e.log.Warn("container cleanup failed", "container_id", id, "error", err)
		return
	}
	e.log.Debug("container cleaned up", "container_id", id)
}

// record notes the run's outcome and duration on the meters, when enabled.
func (e *Executor) record(ctx context.Context, name string, status job.Status, elapsed time.Duration) {
	if e.inst == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("job", name))
	e.inst.JobDuration.Record(ctx, elapsed.Seconds(), attrs)
	if status == job.StatusCompleted {
		e.inst.JobsCompleted.Add(ctx, 1, attrs)
		return
	}
	e.inst.JobsFailed.Add(ctx, 1, attrs)
}

func (e *Executor) emit(ctx context.Context, ev job.Event) error {
	ev.JobIndex = e.jobIndex
	return job.Emit(ctx, e.events, ev)
}

func (e *Executor) emitLine(ctx context.Context, status job.Status, line job.LogLine) error {
	return e.emit(ctx, job.Event{Status: status, Line: line})
}
