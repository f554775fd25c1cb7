package dok

// Meta carries list pagination info.
type Meta struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Count    int `json:"count"`
}

// Artifact is the output archive a finished task exposes.
type Artifact struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

// Task statuses reported by the API. Anything else means the task is still
// moving through the provider's pipeline.
const (
	TaskStatusDone     = "done"
	TaskStatusFailed   = "failed"
	TaskStatusError    = "error"
	TaskStatusCanceled = "canceled"
)

// Task is a managed-container task.
type Task struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt string    `json:"created_at"`
	Artifact  *Artifact `json:"artifact"`
}

// Done reports whether the task finished successfully.
func (t *Task) Done() bool {
	return t.Status == TaskStatusDone
}

// TerminalFailure reports whether the task stopped without producing a
// result, so polling it further is pointless.
func (t *Task) TerminalFailure() bool {
	switch t.Status {
	case TaskStatusFailed, TaskStatusError, TaskStatusCanceled:
		return true
	}
	return false
}

// TaskList is one page of tasks.
type TaskList struct {
	Meta    Meta   `json:"meta"`
	Results []Task `json:"results"`
}

// TaskCreated is the response to task submission.
type TaskCreated struct {
	ID string `json:"id"`
}

// Registry is a container registry credential registered with the service.
type Registry struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Username string `json:"username"`
}

// RegistryList is one page of registries.
type RegistryList struct {
	Meta    Meta       `json:"meta"`
	Results []Registry `json:"results"`
}

// ArtifactURL is the pre-signed download location of an artifact.
type ArtifactURL struct {
	URL string `json:"url"`
}

// HTTPIngress exposes a port on the task container over HTTP.
type HTTPIngress struct {
	Path string `json:"path"`
	Port int    `json:"port"`
}

// Container describes one container of a task. Command and entrypoint must
// serialize as [] rather than null, and optional fields must be omitted
// entirely; the API rejects empty objects. Environment variables are
// deliberately not modeled: the endpoint rejects both {} and null for them.
type Container struct {
	Image      string       `json:"image"`
	Registry   *string      `json:"registry,omitempty"`
	Command    []string     `json:"command"`
	Entrypoint []string     `json:"entrypoint"`
	Plan       Plan         `json:"plan,omitempty"`
	HTTP       *HTTPIngress `json:"http,omitempty"`
}

// NewContainer builds a Container with non-nil command and entrypoint
// slices so they marshal as [].
func NewContainer(image string, registryID *string, command, entrypoint []string, plan Plan, http *HTTPIngress) Container {
	if command == nil {
		command = []string{}
	}
	if entrypoint == nil {
		entrypoint = []string{}
	}
	return Container{
		Image:      image,
		Registry:   registryID,
		Command:    command,
		Entrypoint: entrypoint,
		Plan:       plan,
		HTTP:       http,
	}
}

// CreateTaskRequest is the body for task submission.
type CreateTaskRequest struct {
	Name       string      `json:"name"`
	Containers []Container `json:"containers"`
	Tags       []string    `json:"tags"`
}
