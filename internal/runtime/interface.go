// Package runtime provides the container runtime seam for job
// execution backends.
package runtime

import (
	"context"
	"io"
)

// CreateSpec contains the parameters for creating a job container.
type CreateSpec struct {
	Image      string
	Command    []string
	Env        map[string]string
	Binds      []string
	WorkingDir string
	UseGPU     bool
	Name       string
}

// ExitResult is the outcome of a finished container.
type ExitResult struct {
	ExitCode int
	Error    error
}

// BuildProgress receives one line of image build or push output.
type BuildProgress func(line string)

// Runtime defines the container operations job execution needs.
// Implementations must be safe for use from multiple goroutines.
type Runtime interface {
	// ImageExists reports whether ref is available locally.
	ImageExists(ctx context.Context, ref string) (bool, error)

	// PullImage fetches ref from its registry.
	PullImage(ctx context.Context, ref string) error

	// BuildImage builds dir (with the named Dockerfile inside it) into
	// an image tagged tag, forwarding build output to progress.
	BuildImage(ctx context.Context, dir, dockerfile, tag string, progress BuildProgress) error

	// PushImage uploads ref using the given registry credentials.
	PushImage(ctx context.Context, ref, username, password string, progress BuildProgress) error

	// CreateContainer creates a container and returns its ID.
	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, id string) error

	// ContainerLogs returns a following reader over the container's
	// combined output.
	ContainerLogs(ctx context.Context, id string) (io.ReadCloser, error)

	// WaitContainer resolves when the container stops running. Exactly
	// one of the returned channels receives a value.
	WaitContainer(ctx context.Context, id string) (<-chan ExitResult, <-chan error)

	// StopContainer stops a running container, killing it after a
	// grace period.
	StopContainer(ctx context.Context, id string) error

	// RemoveContainer deletes a container.
	RemoveContainer(ctx context.Context, id string) error
}
