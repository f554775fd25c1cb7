// Package job defines the lifecycle of a single job run: statuses, entries,
// log buffers, progress events and cancellation signalling. It carries no
// execution logic of its own; executors produce events and the Tracker
// applies them.
package job

// Status is the lifecycle state of a job run. Values are ordered and a run
// only ever moves forward through them; pull and build are alternatives, so
// a run passes through one of the two image phases, never both.
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusPullingImage
	StatusBuildingImage
	StatusCreatingContainer
	StatusContainerRunning
	StatusRunning
	StatusCompleted
	StatusFailed
)

// String returns the display label for the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusPending:
		return "Pending"
	case StatusPullingImage:
		return "Pulling Image"
	case StatusBuildingImage:
		return "Building Image"
	case StatusCreatingContainer:
		return "Creating Container"
	case StatusContainerRunning:
		return "Container Created"
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IsRunning reports whether the job is actively executing, from image
// resolution through script execution.
func (s Status) IsRunning() bool {
	return s >= StatusPullingImage && s <= StatusRunning
}

// IsFinished reports whether the job reached a terminal state.
func (s Status) IsFinished() bool {
	return s == StatusCompleted || s == StatusFailed
}
