package job

import "time"

// Entry is the observable state of one job: lifecycle status, buffered
// output, the backing container and run timing.
type Entry struct {
	Name         string
	Status       Status
	Logs         *LogBuffer
	ContainerID  string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ErrorMessage string
}

// NewEntry creates an idle entry with an empty log buffer.
func NewEntry(name string) *Entry {
	return &Entry{Name: name, Status: StatusIdle, Logs: NewLogBuffer(0)}
}

// Start resets the entry for a fresh run: the status re-enters the running
// range, logs and container ID are cleared, the start time is stamped and
// any previous finish time or error is dropped. Calling Start on a running
// or finished entry fully re-initialises it; this is the only operation
// that clears the log buffer.
func (e *Entry) Start() {
	now := time.Now()
	e.Status = StatusPullingImage
	e.ContainerID = ""
	e.StartedAt = &now
	e.FinishedAt = nil
	e.ErrorMessage = ""
	if e.Logs == nil {
		e.Logs = NewLogBuffer(0)
	}
	e.Logs.Clear()
}

// Complete marks the entry terminal and stamps the finish time. The start
// time, when set, never exceeds the finish time.
func (e *Entry) Complete(success bool) {
	now := time.Now()
	if success {
		e.Status = StatusCompleted
	} else {
		e.Status = StatusFailed
	}
	e.FinishedAt = &now
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.Logs != nil {
		c.Logs = e.Logs.clone()
	}
	c.StartedAt = cloneTime(e.StartedAt)
	c.FinishedAt = cloneTime(e.FinishedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
