package executor

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNoContainerID reports that the runtime accepted a create request but
// returned an empty container identifier. Not retried; without an ID the
// container can be neither started nor cleaned up.
var ErrNoContainerID = errors.New("no container ID returned after create")

// ImagePullError classifies a failed image pull.
type ImagePullError struct {
	Ref string
	Err error
}

func (e *ImagePullError) Error() string { return e.Err.Error() }
func (e *ImagePullError) Unwrap() error { return e.Err }

// ImageBuildError classifies a failed image build, including failures of
// the existence check that decides whether to build at all.
type ImageBuildError struct {
	Ref string
	Err error
}

func (e *ImageBuildError) Error() string { return e.Err.Error() }
func (e *ImageBuildError) Unwrap() error { return e.Err }

// ContainerCreateError classifies a failed container creation.
type ContainerCreateError struct {
	Image string
	Err   error
}

func (e *ContainerCreateError) Error() string { return e.Err.Error() }
func (e *ContainerCreateError) Unwrap() error { return e.Err }

// ContainerStartError classifies a failed container start.
type ContainerStartError struct {
	ID  string
	Err error
}

func (e *ContainerStartError) Error() string { return e.Err.Error() }
func (e *ContainerStartError) Unwrap() error { return e.Err }

// LogStreamError classifies a failure to attach to a container's log
// stream. Lines already forwarded before the failure stay in the buffer.
type LogStreamError struct {
	ID  string
	Err error
}

func (e *LogStreamError) Error() string { return e.Err.Error() }
func (e *LogStreamError) Unwrap() error { return e.Err }

// ScriptError reports that the job's command exited with a non-zero code.
// It is a job outcome rather than an executor failure: the run itself
// returns no error, the entry records this message.
type ScriptError struct {
	Script   string
	ExitCode int
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script '%s' failed with exit code %d", e.Script, e.ExitCode)
}
