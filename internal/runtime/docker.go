package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"

	"jobforge/internal/archive"
)

const stopTimeoutSeconds = 5

// DockerRuntime implements Runtime using the Docker SDK.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime connects to the Docker daemon using standard
// environment variables (DOCKER_HOST, etc.).
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "creating docker client")
	}
	return &DockerRuntime{client: cli}, nil
}

func (d *DockerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := d.client.ImageInspect(ctx, ref)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "inspecting image %s", ref)
}

func (d *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pulling image %s", ref)
	}
	defer reader.Close()

	// The pull must be consumed to completion for the image to land.
	if err := drainStream(reader, nil); err != nil {
		return errors.Wrapf(err, "pulling image %s", ref)
	}
	return nil
}

func (d *DockerRuntime) BuildImage(ctx context.Context, dir, dockerfile, tag string, progress BuildProgress) error {
	buildCtx, err := archive.TarDir(dir)
	if err != nil {
		return errors.Wrapf(err, "preparing build context for %s", tag)
	}

	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	resp, err := d.client.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return errors.Wrapf(err, "building image %s", tag)
	}
	defer resp.Body.Close()

	if err := drainStream(resp.Body, progress); err != nil {
		return errors.Wrapf(err, "building image %s", tag)
	}
	return nil
}

func (d *DockerRuntime) PushImage(ctx context.Context, ref, username, password string, progress BuildProgress) error {
	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username: username,
		Password: password,
	})
	if err != nil {
		return errors.Wrap(err, "encoding registry auth")
	}

	reader, err := d.client.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return errors.Wrapf(err, "pushing image %s", ref)
	}
	defer reader.Close()

	if err := drainStream(reader, progress); err != nil {
		return errors.Wrapf(err, "pushing image %s", ref)
	}
	return nil
}

func (d *DockerRuntime) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	config := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        mapToEnvList(spec.Env),
		Tty:        true,
		WorkingDir: spec.WorkingDir,
	}

	hostConfig := &container.HostConfig{
		Binds:      spec.Binds,
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}
	if spec.UseGPU {
		hostConfig.DeviceRequests = []container.DeviceRequest{{
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	resp, err := d.client.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", errors.Wrapf(err, "creating container for image %s", spec.Image)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return errors.Wrapf(err, "starting container %s", id)
	}
	return nil
}

func (d *DockerRuntime) ContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	logs, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "streaming logs of container %s", id)
	}
	return logs, nil
}

func (d *DockerRuntime) WaitContainer(ctx context.Context, id string) (<-chan ExitResult, <-chan error) {
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	results := make(chan ExitResult, 1)
	errs := make(chan error, 1)
	go func() {
		select {
		case status := <-statusCh:
			res := ExitResult{ExitCode: int(status.StatusCode)}
			if status.Error != nil {
				res.Error = errors.New(status.Error.Message)
			}
			results <- res
		case err := <-errCh:
			errs <- errors.Wrapf(err, "waiting for container %s", id)
		}
	}()
	return results, errs
}

func (d *DockerRuntime) StopContainer(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	if err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return errors.Wrapf(err, "stopping container %s", id)
	}
	return nil
}

func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil {
		return errors.Wrapf(err, "removing container %s", id)
	}
	return nil
}

func mapToEnvList(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	return env
}

// streamMessage is one line of the daemon's JSONL progress stream.
// Build output arrives in stream, pull/push status in status, failures
// in error.
type streamMessage struct {
	Stream string `json:"stream"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

func drainStream(r io.Reader, progress BuildProgress) error {
	dec := json.NewDecoder(r)
	for {
		var msg streamMessage
		if err := dec.Decode(&msg); err == io.EOF {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "decoding daemon stream")
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}

		line := msg.Stream
		if line == "" {
			line = msg.Status
		}
		line = strings.TrimSpace(line)
		if line != "" && progress != nil {
			progress(line)
		}
	}
}
