// Package remote submits a job as a task on the provider's managed
// container GPU service and brings its output back: build the image
// locally, push it to the registry, create the task, poll it to
// completion, then download and unpack the output artifact into the job
// directory. Progress flows through the same event channel the local
// executor uses, so observers need no second code path.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jobforge/internal/archive"
	"jobforge/internal/dok"
	"jobforge/internal/job"
	"jobforge/internal/observability"
	"jobforge/internal/runtime"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// artifactFileName is the temporary download target inside the job
// directory; it is removed after unpacking.
const artifactFileName = "artifact.tar.gz"

// ImagePusher is the slice of the container runtime the pipeline needs
// to stage an image for remote execution. runtime.DockerRuntime
// satisfies it.
type ImagePusher interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	BuildImage(ctx context.Context, dir, dockerfile, tag string, progress runtime.BuildProgress) error
	PushImage(ctx context.Context, ref, username, password string, progress runtime.BuildProgress) error
}

// Submission describes one remote task run.
type Submission struct {
	// JobDir is the build context for a Dockerfile source and the
	// destination the output artifact is unpacked into.
	JobDir string

	// Name is the task name; empty derives one from the job name plus
	// a random suffix so resubmissions do not collide.
	Name string

	// Image is the fully qualified image reference to run, including
	// the registry hostname.
	Image string

	// Dockerfile, when set, is built from JobDir and tagged Image
	// before pushing. Empty means Image already exists.
	Dockerfile string

	// Registry credentials used for the push and resolved to the
	// provider-side registry ID for the task.
	RegistryHostname string
	RegistryUsername string
	RegistryPassword string

	Plan dok.Plan
	HTTP *dok.HTTPIngress

	// Command and Entrypoint override the image's own, when set.
	Command    []string
	Entrypoint []string

	// JobIndex stamps the emitted events. The default slot is 0; only
	// one remote task is tracked per pipeline run.
	JobIndex int
}

// Pipeline drives remote task submissions end to end.
type Pipeline struct {
	client *dok.Client
	images ImagePusher
	events chan<- job.Event
	log    *slog.Logger
	inst   *observability.JobInstruments

	httpClient *http.Client

	// PollInterval is the delay between task status fetches.
	PollInterval time.Duration

	// MaxPolls bounds the status loop; 0 polls until the task leaves
	// the running states.
	MaxPolls int

	// ArtifactRetryInterval is the delay between download URL
	// attempts while the provider packages the output.
	ArtifactRetryInterval time.Duration

	// ArtifactAttempts bounds URL resolution; 0 retries until ready.
	ArtifactAttempts int
}

// New creates a pipeline emitting progress on events.
func New(client *dok.Client, images ImagePusher, events chan<- job.Event, log *slog.Logger) *Pipeline {
	return &Pipeline{
		client:                client,
		images:                images,
		events:                events,
		log:                   log,
		httpClient:            &http.Client{},
		PollInterval:          time.Second,
		ArtifactRetryInterval: time.Second,
	}
}

// SetInstruments enables submission metrics.
func (p *Pipeline) SetInstruments(inst *observability.JobInstruments) { p.inst = inst }

// Run executes one submission to completion: on success the task's
// output files are present in the job directory and a Completed event
// was emitted. Cancellation stops the polling, cancels the remote task
// best-effort and resolves the job as Failed without returning an
// error, matching the local executor's contract. Every other failure
// is emitted as a Failed event and returned.
func (p *Pipeline) Run(ctx context.Context, sub Submission, cancel <-chan struct{}) error {
	ctx, span := otel.Tracer("remote").Start(ctx, "run_task",
		trace.WithAttributes(
			attribute.String("task.image", sub.Image),
			attribute.String("task.plan", sub.Plan.String()),
		))
	defer span.End()

	err := p.run(ctx, sub, cancel)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (p *Pipeline) run(ctx context.Context, sub Submission, cancel <-chan struct{}) error {
	if err := p.buildImage(ctx, sub); err != nil {
		return p.fail(ctx, sub.JobIndex, err)
	}
	if err := p.pushImage(ctx, sub); err != nil {
		return p.fail(ctx, sub.JobIndex, err)
	}

	taskID, err := p.submit(ctx, sub)
	if err != nil {
		return p.fail(ctx, sub.JobIndex, err)
	}

	task, cancelled, err := p.awaitTask(ctx, sub, taskID, cancel)
	if err != nil {
		return p.fail(ctx, sub.JobIndex, err)
	}
	if cancelled {
		return p.cancelTask(ctx, sub.JobIndex, taskID)
	}

	url, cancelled, err := p.resolveArtifact(ctx, sub, task, cancel)
	if err != nil {
		return p.fail(ctx, sub.JobIndex, err)
	}
	if cancelled {
		return p.cancelTask(ctx, sub.JobIndex, taskID)
	}

	if err := p.download(ctx, sub, taskID, url); err != nil {
		return p.fail(ctx, sub.JobIndex, err)
	}
	return nil
}

// buildImage stages the image locally when the submission carries a
// Dockerfile. An image already present is reused; removing it forces a
// rebuild, same as the local executor.
func (p *Pipeline) buildImage(ctx context.Context, sub Submission) error {
	if sub.Dockerfile == "" {
		return nil
	}

	exists, err := p.images.ImageExists(ctx, sub.Image)
	if err != nil {
		return errors.Wrapf(err, "checking for image %s", sub.Image)
	}
	if exists {
		line := fmt.Sprintf("docker image %s exists, skip building, remove the image to rebuild ...", sub.Image)
		return p.emitLine(ctx, sub.JobIndex, job.StatusBuildingImage, job.Stdout(line))
	}

	if err := p.emitLine(ctx, sub.JobIndex, job.StatusBuildingImage, job.Stdout("Building image: "+sub.Image)); err != nil {
		return err
	}
	progress := func(line string) {
		_ = p.emit(ctx, job.Event{JobIndex: sub.JobIndex, Status: job.StatusBuildingImage, Line: job.Stdout(line), Transient: true})
	}
	if err := p.images.BuildImage(ctx, sub.JobDir, sub.Dockerfile, sub.Image, progress); err != nil {
		return errors.Wrapf(err, "building image %s", sub.Image)
	}
	return p.emitLine(ctx, sub.JobIndex, job.StatusBuildingImage, job.Stdout("Building image complete: "+sub.Image))
}

// pushImage uploads the image to the registry the task will pull from.
// Push failures are terminal; the user re-triggers the submission.
func (p *Pipeline) pushImage(ctx context.Context, sub Submission) error {
	if err := p.emitLine(ctx, sub.JobIndex, job.StatusBuildingImage, job.Stdout("Pushing image: "+sub.Image)); err != nil {
		return err
	}
	progress := func(line string) {
		_ = p.emit(ctx, job.Event{JobIndex: sub.JobIndex, Status: job.StatusBuildingImage, Line: job.Stdout(line), Transient: true})
	}
	if err := p.images.PushImage(ctx, sub.Image, sub.RegistryUsername, sub.RegistryPassword, progress); err != nil {
		return errors.Wrapf(err, "pushing image %s", sub.Image)
	}
	return p.emitLine(ctx, sub.JobIndex, job.StatusBuildingImage, job.Stdout("Pushed image: "+sub.Image))
}

// submit resolves the registry credential and creates the task.
func (p *Pipeline) submit(ctx context.Context, sub Submission) (string, error) {
	reg, err := p.client.FindRegistry(ctx, sub.RegistryHostname)
	if err != nil {
		return "", err
	}

	name := sub.Name
	if name == "" {
		name = taskName(sub)
	}

	req := dok.CreateTaskRequest{
		Name: name,
		Containers: []dok.Container{
			dok.NewContainer(sub.Image, &reg.ID, sub.Command, sub.Entrypoint, sub.Plan, sub.HTTP),
		},
		Tags: []string{},
	}
	created, err := p.client.CreateTask(ctx, req)
	if err != nil {
		return "", errors.Wrapf(err, "creating task %s", name)
	}

	p.log.Info("task created", "task_id", created.ID, "name", name, "plan", sub.Plan.String())
	line := fmt.Sprintf("[sakura internet DOK] task %s created", created.ID)
	if err := p.emit(ctx, job.Event{JobIndex: sub.JobIndex, Status: job.StatusRunning, Line: job.Stdout(line)}); err != nil {
		return "", err
	}

	if p.inst != nil {
		p.inst.TasksSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("plan", sub.Plan.String())))
	}
	return created.ID, nil
}

// awaitTask polls the task until it leaves the running states. The
// status is reported as a transient line replaced each poll rather than
// appended, so a long wait does not flood the log buffer.
func (p *Pipeline) awaitTask(ctx context.Context, sub Submission, taskID string, cancel <-chan struct{}) (*dok.Task, bool, error) {
	polls := 0
	for {
		select {
		case <-cancel:
			return nil, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(p.PollInterval):
		}

		task, err := p.client.Task(ctx, taskID)
		if err != nil {
			return nil, false, errors.Wrapf(err, "fetching task %s", taskID)
		}

		line := fmt.Sprintf("task %s status: %s", taskID, task.Status)
		ev := job.Event{JobIndex: sub.JobIndex, Status: job.StatusRunning, Line: job.Stdout(line), Transient: true}
		if err := p.emit(ctx, ev); err != nil {
			return nil, false, err
		}

		if task.Done() {
			return task, false, nil
		}
		if task.TerminalFailure() {
			return nil, false, errors.Errorf("task %s %s", taskID, task.Status)
		}

		polls++
		if p.MaxPolls > 0 && polls >= p.MaxPolls {
			return nil, false, errors.Errorf("task %s still %s after %d polls", taskID, task.Status, polls)
		}
	}
}

// resolveArtifact turns the finished task into a download URL. The URL
// endpoint races the provider's own packaging of the output, so it is
// retried on a fixed interval with a dot animation as the transient
// progress line.
func (p *Pipeline) resolveArtifact(ctx context.Context, sub Submission, task *dok.Task, cancel <-chan struct{}) (string, bool, error) {
	if task.Artifact == nil {
		return "", false, errors.Errorf("task %s finished with no artifact", task.ID)
	}
	artifactID := task.Artifact.ID

	retryCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-cancel:
			stop()
		case <-retryCtx.Done():
		}
	}()

	var url string
	err := retry.Do(
		func() error {
			var err error
			url, err = p.client.ArtifactDownloadURL(retryCtx, artifactID)
			return err
		},
		retry.Context(retryCtx),
		retry.Attempts(uint(p.ArtifactAttempts)),
		retry.Delay(p.ArtifactRetryInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, _ error) {
			dots := strings.Repeat(".", int(n%4)+1)
			line := fmt.Sprintf("output files (artifact %s) of task %s not ready %s", artifactID, task.ID, dots)
			ev := job.Event{JobIndex: sub.JobIndex, Status: job.StatusRunning, Line: job.Stdout(line), Transient: true}
			_ = p.emit(retryCtx, ev)
		}),
	)
	if err != nil {
		if retryCtx.Err() != nil && ctx.Err() == nil {
			// The cancel signal stopped the retry loop.
			return "", true, nil
		}
		return "", false, errors.Wrapf(err, "resolving artifact %s of task %s", artifactID, task.ID)
	}
	return url, false, nil
}

// download streams the artifact archive into the job directory, unpacks
// it in place and removes the archive.
func (p *Pipeline) download(ctx context.Context, sub Submission, taskID, url string) error {
	dest := filepath.Join(sub.JobDir, artifactFileName)
	if err := archive.Download(ctx, p.httpClient, url, dest); err != nil {
		return errors.Wrapf(err, "downloading artifact of task %s", taskID)
	}
	defer os.Remove(dest)

	f, err := os.Open(dest)
	if err != nil {
		return errors.Wrap(err, "opening downloaded artifact")
	}
	defer f.Close()
	if err := archive.ExtractTarGz(f, sub.JobDir); err != nil {
		return errors.Wrapf(err, "unpacking artifact of task %s", taskID)
	}

	line := fmt.Sprintf("downloaded output files of task %s", taskID)
	if err := p.emitLine(ctx, sub.JobIndex, job.StatusRunning, job.Stdout(line)); err != nil {
		return err
	}
	return p.emitLine(ctx, sub.JobIndex, job.StatusCompleted, job.Stdout("Remote task completed"))
}

// cancelTask resolves a cancelled submission: the remote task is
// cancelled best-effort and the job finishes Failed without an error,
// cancellation being an expected termination path.
func (p *Pipeline) cancelTask(ctx context.Context, jobIndex int, taskID string) error {
	if err := p.client.CancelTask(ctx, taskID); err != nil {
		p.log.Warn("cancelling remote task", "task_id", taskID, "error", err)
	}
	ev := job.Event{
		JobIndex: jobIndex,
		Status:   job.StatusFailed,
		Line:     job.Stdout(fmt.Sprintf("Remote task %s cancelled", taskID)),
		Err:      "job cancelled",
	}
	return p.emit(ctx, ev)
}

// fail emits the terminal Failed event and propagates the failure.
func (p *Pipeline) fail(ctx context.Context, jobIndex int, failure error) error {
	ev := job.Event{
		JobIndex: jobIndex,
		Status:   job.StatusFailed,
		Line:     job.Stderr("Error: " + failure.Error()),
		Err:      failure.Error(),
	}
	if err := p.emit(ctx, ev); err != nil {
		return err
	}
	return failure
}

func (p *Pipeline) emit(ctx context.Context, ev job.Event) error {
	return job.Emit(ctx, p.events, ev)
}

func (p *Pipeline) emitLine(ctx context.Context, jobIndex int, status job.Status, line job.LogLine) error {
	return p.emit(ctx, job.Event{JobIndex: jobIndex, Status: status, Line: line})
}

func taskName(sub Submission) string {
	base := filepath.Base(sub.JobDir)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "job"
	}
	return fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])
}
