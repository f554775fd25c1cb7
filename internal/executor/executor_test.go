package executor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"jobforge/internal/executor"
	"jobforge/internal/job"
	"jobforge/internal/jobconfig"
	"jobforge/internal/runtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRuntime implements runtime.Runtime with overridable behavior per
// call. Unset functions fall back to a healthy container that prints two
// lines and exits zero.
type mockRuntime struct {
	ImageExistsFunc     func(ctx context.Context, ref string) (bool, error)
	PullImageFunc       func(ctx context.Context, ref string) error
	BuildImageFunc      func(ctx context.Context, dir, dockerfile, tag string, progress runtime.BuildProgress) error
	PushImageFunc       func(ctx context.Context, ref, username, password string, progress runtime.BuildProgress) error
	CreateContainerFunc func(ctx context.Context, spec runtime.CreateSpec) (string, error)
	StartContainerFunc  func(ctx context.Context, id string) error
	ContainerLogsFunc   func(ctx context.Context, id string) (io.ReadCloser, error)
	WaitContainerFunc   func(ctx context.Context, id string) (<-chan runtime.ExitResult, <-chan error)
	StopContainerFunc   func(ctx context.Context, id string) error
	RemoveContainerFunc func(ctx context.Context, id string) error

	mu      sync.Mutex
	created []runtime.CreateSpec
	started []string
	stopped []string
	removed []string
	builds  int
	pulls   int
}

var _ runtime.Runtime = (*mockRuntime)(nil)

func (m *mockRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	if m.ImageExistsFunc != nil {
		return m.ImageExistsFunc(ctx, ref)
	}
	return false, nil
}

func (m *mockRuntime) PullImage(ctx context.Context, ref string) error {
	m.mu.Lock()
	m.pulls++
	m.mu.Unlock()
	if m.PullImageFunc != nil {
		return m.PullImageFunc(ctx, ref)
	}
	return nil
}

func (m *mockRuntime) BuildImage(ctx context.Context, dir, dockerfile, tag string, progress runtime.BuildProgress) error {
	m.mu.Lock()
	m.builds++
	m.mu.Unlock()
	if m.BuildImageFunc != nil {
		return m.BuildImageFunc(ctx, dir, dockerfile, tag, progress)
	}
	return nil
}

func (m *mockRuntime) PushImage(ctx context.Context, ref, username, password string, progress runtime.BuildProgress) error {
	if m.PushImageFunc != nil {
		return m.PushImageFunc(ctx, ref, username, password, progress)
	}
	return nil
}

func (m *mockRuntime) CreateContainer(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	m.mu.Lock()
	m.created = append(m.created, spec)
	m.mu.Unlock()
	if m.CreateContainerFunc != nil {
		return m.CreateContainerFunc(ctx, spec)
	}
	return "cnt-1", nil
}

func (m *mockRuntime) StartContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	m.started = append(m.started, id)
	m.mu.Unlock()
	if m.StartContainerFunc != nil {
		return m.StartContainerFunc(ctx, id)
	}
	return nil
}

func (m *mockRuntime) ContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	if m.ContainerLogsFunc != nil {
		return m.ContainerLogsFunc(ctx, id)
	}
	return io.NopCloser(strings.NewReader("hello\nworld\n")), nil
}

func (m *mockRuntime) WaitContainer(ctx context.Context, id string) (<-chan runtime.ExitResult, <-chan error) {
	if m.WaitContainerFunc != nil {
		return m.WaitContainerFunc(ctx, id)
	}
	return exitWith(0)(ctx, id)
}

func (m *mockRuntime) StopContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	m.stopped = append(m.stopped, id)
	m.mu.Unlock()
	if m.StopContainerFunc != nil {
		return m.StopContainerFunc(ctx, id)
	}
	return nil
}

func (m *mockRuntime) RemoveContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	m.removed = append(m.removed, id)
	m.mu.Unlock()
	if m.RemoveContainerFunc != nil {
		return m.RemoveContainerFunc(ctx, id)
	}
	return nil
}

func exitWith(code int) func(context.Context, string) (<-chan runtime.ExitResult, <-chan error) {
	return func(context.Context, string) (<-chan runtime.ExitResult, <-chan error) {
		results := make(chan runtime.ExitResult, 1)
		results <- runtime.ExitResult{ExitCode: code}
		return results, make(chan error, 1)
	}
}

// eventSink drains the progress channel concurrently so a producer can
// never block on a full buffer mid-test.
type eventSink struct {
	events chan job.Event
	done   chan struct{}
	got    []job.Event
}

func newSink() *eventSink {
	s := &eventSink{
		events: make(chan job.Event, job.EventBufferSize),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for ev := range s.events {
			s.got = append(s.got, ev)
		}
	}()
	return s
}

func (s *eventSink) collect() []job.Event {
	close(s.events)
	<-s.done
	return s.got
}

func logText(events []job.Event) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Transient {
			continue
		}
		sb.WriteString(ev.Line.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func newTestExecutor(rt runtime.Runtime, events chan<- job.Event) *executor.Executor {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return executor.New(rt, events, log)
}

func pullConfig(image string) *jobconfig.JobConfig {
	return &jobconfig.JobConfig{
		Name:      "train",
		Container: jobconfig.Container{Image: image},
		Scripts: jobconfig.Scripts{
			Pre:  jobconfig.DefaultPreScript,
			Run:  jobconfig.DefaultRunScript,
			Post: jobconfig.DefaultPostScript,
		},
	}
}

func buildConfig() *jobconfig.JobConfig {
	cfg := pullConfig("")
	cfg.Container = jobconfig.Container{Dockerfile: "Dockerfile"}
	return cfg
}

func TestRun_PullVariantLifecycle(t *testing.T) {
	rt := &mockRuntime{}
	sink := newSink()
	exec := newTestExecutor(rt, sink.events)
	jobDir := t.TempDir()

	status, err := exec.Run(context.Background(), executor.RunSpec{
		JobDir: jobDir,
		Config: pullConfig("alpine:3.20"),
		Env:    map[string]string{"PARAM_BATCH_SIZE": "32"},
	}, nil)
	events := sink.collect()

	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status)

	// Forward-only walk through the lifecycle, ending terminal.
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Status, events[i-1].Status)
	}
	assert.Equal(t, job.StatusPullingImage, events[0].Status)
	assert.Equal(t, job.StatusCompleted, events[len(events)-1].Status)

	text := logText(events)
	assert.Contains(t, text, "Pulling image: alpine:3.20")
	assert.Contains(t, text, "Creating container with image: alpine:3.20")
	assert.Contains(t, text, "Container created: cnt-1")
	assert.Contains(t, text, "Container started and ready")
	assert.Contains(t, text, "Executing script: ./run.sh")
	assert.Contains(t, text, "hello")
	assert.Contains(t, text, "world")
	assert.Contains(t, text, "Script ./run.sh completed successfully")
	assert.NotContains(t, text, "Building image")

	require.Len(t, rt.created, 1)
	spec := rt.created[0]
	assert.Equal(t, "alpine:3.20", spec.Image)
	assert.Equal(t, []string{"/bin/sh", "-c", "./run.sh"}, spec.Command)
	assert.Equal(t, []string{jobDir + ":/workspace"}, spec.Binds)
	assert.Equal(t, "/workspace", spec.WorkingDir)
	assert.Equal(t, "32", spec.Env["PARAM_BATCH_SIZE"])
	assert.False(t, spec.UseGPU)

	// The container handle reaches the observer with the create event.
	var containerID string
	for _, ev := range events {
		if ev.ContainerID != "" {
			containerID = ev.ContainerID
		}
	}
	assert.Equal(t, "cnt-1", containerID)

	assert.Equal(t, 1, rt.pulls)
	assert.Equal(t, []string{"cnt-1"}, rt.stopped)
	assert.Equal(t, []string{"cnt-1"}, rt.removed)
}

func TestRun_LocalImageSkipsPull(t *testing.T) {
	rt := &mockRuntime{
		ImageExistsFunc: func(ctx context.Context, ref string) (bool, error) {
			return ref == "alpine:3.20", nil
		},
	}
	sink := newSink()
	exec := newTestExecutor(rt, sink.events)

	status, err := exec.Run(context.Background(), executor.RunSpec{
		JobDir: t.TempDir(),
		Config: pullConfig("alpine:3.20"),
	}, nil)
	events := sink.collect()

	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status)
	assert.Equal(t, 0, rt.pulls)

	text := logText(events)
	assert.Contains(t, text, "image alpine:3.20 exists locally, skipping pull")
	assert.NotContains(t, text, "Pulling image:")

	// The image phase still happens, just without the network call.
	assert.Equal(t, job.StatusPullingImage, events[0].Status)
}

func TestRun_ImageExistsCheckFailureIsPullError(t *testing.T) {
	rt := &mockRuntime{
		ImageExistsFunc: func(ctx context.Context, ref string) (bool, error) {
			return false, errors.New("daemon unreachable")
		},
	}
	sink := newSink()
	exec := newTestExecutor(rt, sink.events)

	status, err := exec.Run(context.Background(), executor.RunSpec{
		JobDir: t.TempDir(),
		Config: pullConfig("alpine:3.20"),
	}, nil)
	sink.collect()

	require.Error(t, err)
	assert.Equal(t, job.StatusFailed, status)
	var pullErr *executor.ImagePullError
	require.ErrorAs(t, err, &pullErr)
	assert.Equal(t, "alpine:3.20", pullErr.Ref)
	assert.Empty(t, rt.created, "no container without an image")
}

func TestRun_ScriptChainIncludesExistingHooks(t *testing.T) {
	jobDir := t.TempDir()
	for _, name := range []string{"pre_run.sh", "run.sh", "post_run.sh"} {
		require.NoError(t, os.WriteFile(filepath.Join(jobDir, name), []byte("#!/bin/sh\n"), 0o755))
	}

	rt := &mockRuntime{}
	sink := newSink()
	exec := newTestExecutor(rt, sink.events)

	status, err := exec.Run(context.Background(), executor.RunSpec{
		JobDir: jobDir,
		Config: pullConfig("alpine:3.20"),
	}, nil)
	sink.collect()

	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status)
	require.Len(t, rt.created, 1)
	assert.Equal(t,
		[]string{"/bin/sh", "-c", "./pre_run.sh && ./run.sh && ./post_run.sh"},
		rt.created[0].Command)
}

func TestRun_BuildVariant(t *testing.T) {
	rt := &mockRuntime{
		BuildImageFunc: func(ctx context.Context, dir, dockerfile, tag string, progress runtime.BuildProgress) error {
			progress("Step 1/2 : FROM alpine")
			progress("Successfully built abc123")
			return nil
		},
	}
	sink := newSink()
	exec := newTestExecutor(rt, sink.events)
	jobDir := t.TempDir()

	status, err := exec.Run(context.Background(), executor.RunSpec{
		JobDir:   jobDir,
		Config:   buildConfig(),
		ImageTag: "wf_train:latest",
	}, nil)
	events := sink.collect()

	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status)
	assert.Equal(t, 1, rt.builds)
	assert.Equal(t, 0, rt.pulls)

	text := logText(events)
	assert.Contains(t, text, "Building image from: "+filepath.Join(jobDir, "Dockerfile"))
	assert.Contains(t, text, "Building image complete with image id: abc123")
	assert.NotContains(t, text, "Pulling image")

	// Build progress arrives as transient lines, not buffered output.
	var transient []string
	for _, ev := range events {
		if ev.Transient {
			transient = append(transient, ev.Line.Content)
		}
	}
	assert.Contains(t, transient, "Step 1/2 : FROM alpine")

	require.Len(t, rt.created, 1)
	assert.Equal(t, "wf_train:latest", rt.created[0].Image)
}

func TestRun_ExistingImageSkipsBuild(t *testing.T) {
	rt := &mockRuntime{
		ImageExistsFunc: func(ctx context.Context, ref string) (bool, error) {
			return ref == "wf_train:latest", nil
		},
	}
	sink := newSink()
	exec := newTestExecutor(rt, sink.events)

	status, err := exec.Run(context.Background(), executor.RunSpec{
		JobDir:   t.TempDir(),
		Config:   buildConfig(),
		ImageTag: "wf_train:latest",
	}, nil)
	events := sink.collect()

	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status)
	assert.Equal(t, 0, rt.builds)
	assert.Contains(t, logText(events),
		"docker image wf_train:latest exists, skip building, remove the image to rebuild ...")
}

func TestRun_ScriptFailureRecordsExitCode(t *testing.T) {
	rt := &mockRuntime{WaitContainerFunc: exitWith(3)}
	sink := newSink()
	exec := newTestExecutor(rt, sink.events)

	status, err := exec.Run(context.Background(), executor.RunSpec{
		JobDir: t.TempDir(),
		Config: pullConfig("alpine:3.20"),
	}, nil)
	events := sink.collect()

	// A failing script is a job outcome, not an executor error.
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, status)

	last := events[len(events)-1]
	assert.Equal(t, job.StatusFailed, last.Status)
	assert.Contains(t, last.Err, "exit code 3")
	assert.Equal(t, job.SourceStderr, last.Line.Source)
	assert.Contains(t, last.Line.Content, "Script ./run.sh failed with exit code 3")

	assert.Equal(t, []string{"cnt-1"}, rt.stopped)
	assert.Equal(t, []string{"cnt-1"}, rt.removed)
}

func TestRun_CancelStopsContainer(t *testing.T) {
	pr, pw := io.Pipe()
	var once sync.Once
	rt := &mockRuntime{
		ContainerLogsFunc: func(ctx context.Context, id string) (io.ReadCloser, error) {
			return pr, nil
		},
		StopContainerFunc: func(ctx context.Context, id string) error {
			// Stopping the container ends its log stream.
			once.Do(func() { pw.Close() })
			return nil
		},
		WaitContainerFunc: func(ctx context.Context, id string) (<-chan runtime.ExitResult, <-chan error) {
			return make(chan runtime.ExitResult), make(chan error)
		},
	}
	sink := newSink()
	exec := newTestExecutor(rt, sink.events)

	cancel := make(chan struct{})
	close(cancel)

	status, err := exec.Run(context.Background(), executor.RunSpec{
		JobDir: t.TempDir(),
		Config: pullConfig("alpine:3.20"),
	}, cancel)
	events := sink.collect()

	// Cancellation is an expected termination path.
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, status)

	last := events[len(events)-1]
	assert.Equal(t, "job cancelled", last.Err)
	assert.Contains(t, last.Line.Content, "cancelled")
	for _, ev := range events {
		assert.NotEqual(t, job.StatusCompleted, ev.Status)
	}

	// Stopped by the cancel path and again by cleanup; stop is idempotent.
	assert.Equal(t, []string{"cnt-1", "cnt-1"}, rt.stopped)
	assert.Equal(t, []string{"cnt-1"}, rt.removed)
}

func TestRun_EmptyContainerIDIsFatal(t *testing.T) {
	rt := &mockRuntime{
		CreateContainerFunc: func(ctx context.Context, spec runtime.CreateSpec) (string, error) {
			return "", nil
		},
	}
	sink := newSink()
	exec := newTestExecutor(rt, sink.events)

	status, err := exec.Run(context.Background(), executor.RunSpec{
		JobDir: t.TempDir(),
		Config: pullConfig("alpine:3.20"),
	}, nil)
	events := sink.collect()

	assert.Equal(t, job.StatusFailed, status)
	require.ErrorIs(t, err, executor.ErrNoContainerID)
	assert.Contains(t, events[len(events)-1].Err, "no container ID")

	assert.Empty(t, rt.started)
	assert.Empty(t, rt.stopped)
	assert.Empty(t, rt.removed)
}

func TestRun_PullFailure(t *testing.T) {
	rt := &mockRuntime{
		PullImageFunc: func(ctx context.Context, ref string) error {
			return errors.New("registry unreachable")
		},
	}
	sink := newSink()
	exec := newTestExecutor(rt, sink.events)

	status, err := exec.Run(context.Background(), executor.RunSpec{
		JobDir: t.TempDir(),
		Config: pullConfig("alpine:3.20"),
	}, nil)
	events := sink.collect()

	assert.Equal(t, job.StatusFailed, status)
	var pullErr *executor.ImagePullError
	require.ErrorAs(t, err, &pullErr)
	assert.Equal(t, "alpine:3.20", pullErr.Ref)

	last := events[len(events)-1]
	assert.Equal(t, job.StatusFailed, last.Status)
	assert.Contains(t, last.Line.Content, "Error:")
	assert.Empty(t, rt.created)
}

func TestRun_StartFailureCleansUp(t *testing.T) {
	rt := &mockRuntime{
		StartContainerFunc: func(ctx context.Context, id string) error {
			return errors.New("port already allocated")
		},
	}
	sink := newSink()
	exec := newTestExecutor(rt, sink.events)

	status, err := exec.Run(context.Background(), executor.RunSpec{
		JobDir: t.TempDir(),
		Config: pullConfig("alpine:3.20"),
	}, nil)
	sink.collect()

	assert.Equal(t, job.StatusFailed, status)
	var startErr *executor.ContainerStartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "cnt-1", startErr.ID)

	// The created container never leaks.
	assert.Equal(t, []string{"cnt-1"}, rt.stopped)
	assert.Equal(t, []string{"cnt-1"}, rt.removed)
}

func TestRun_WaitFailure(t *testing.T) {
	rt := &mockRuntime{
		WaitContainerFunc: func(ctx context.Context, id string) (<-chan runtime.ExitResult, <-chan error) {
			errs := make(chan error, 1)
			errs <- errors.New("daemon gone")
			return make(chan runtime.ExitResult), errs
		},
	}
	sink := newSink()
	exec := newTestExecutor(rt, sink.events)

	status, err := exec.Run(context.Background(), executor.RunSpec{
		JobDir: t.TempDir(),
		Config: pullConfig("alpine:3.20"),
	}, nil)
	sink.collect()

	assert.Equal(t, job.StatusFailed, status)
	require.ErrorContains(t, err, "daemon gone")
	assert.Equal(t, []string{"cnt-1"}, rt.stopped)
	assert.Equal(t, []string{"cnt-1"}, rt.removed)
}

func TestRun_CollectsOutputs(t *testing.T) {
	jobDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "model.bin"), []byte("weights"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "notes.txt"), []byte("scratch"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(jobDir, "results"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "results", "metrics.json"), []byte("{}"), 0o644))

	cfg := pullConfig("alpine:3.20")
	cfg.Outputs = []string{"*.bin", "results/*.json", "*.csv"}

	rt := &mockRuntime{}
	sink := newSink()
	exec := newTestExecutor(rt, sink.events)

	status, err := exec.Run(context.Background(), executor.RunSpec{
		JobDir: jobDir,
		Config: cfg,
	}, nil)
	events := sink.collect()

	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status)

	text := logText(events)
	assert.Contains(t, text, "Collecting output files...")
	assert.Contains(t, text, `Pattern "*.csv" matched no files`)
	assert.Contains(t, text, "Collected 2 output file(s) to outputs/ folder")

	data, err := os.ReadFile(filepath.Join(jobDir, "outputs", "model.bin"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
	_, err = os.Stat(filepath.Join(jobDir, "outputs", "metrics.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(jobDir, "outputs", "notes.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestBuildTag(t *testing.T) {
	assert.Equal(t, "train:latest", executor.BuildTag("Train"))
	assert.Equal(t, "workflow-1_job_1:latest", executor.BuildTag("Workflow 1", "job_1"))
}
