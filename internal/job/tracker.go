package job

import "sync"

// Tracker owns the entries for a set of jobs and applies progress events to
// them. Status and logs for a job are updated under one lock, so observers
// never see a status change without the log line that came with it.
type Tracker struct {
	mu        sync.Mutex
	entries   []*Entry
	transient map[int]LogLine
}

// NewTracker creates a tracker with an idle entry per job name.
func NewTracker(names ...string) *Tracker {
	entries := make([]*Entry, 0, len(names))
	for _, n := range names {
		entries = append(entries, NewEntry(n))
	}
	return &Tracker{entries: entries, transient: make(map[int]LogLine)}
}

// Apply folds one event into the tracked state. Indexes outside the entry
// range (including the end-of-run sentinel) are ignored. A Pending event
// queues a fresh run and resets the entry, so lines staged before the
// image phase survive it; the first running-phase event of an unqueued
// run resets the same way. Terminal entries otherwise never regress: once
// Completed or Failed, only a fresh run changes the status again.
func (t *Tracker) Apply(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.JobIndex < 0 || ev.JobIndex >= len(t.entries) {
		return
	}
	e := t.entries[ev.JobIndex]

	switch {
	case ev.Status == StatusPending && e.Status != StatusPending:
		e.Start()
		e.Status = StatusPending
	case ev.Status.IsRunning() && !e.Status.IsRunning() && e.Status != StatusPending:
		// A run is starting (or restarting) without a queued phase.
		e.Start()
		e.Status = ev.Status
	case e.Status.IsFinished():
		// Terminal; ignore late status updates.
	case ev.Status.IsFinished():
		e.Complete(ev.Status == StatusCompleted)
		delete(t.transient, ev.JobIndex)
	case ev.Status > e.Status:
		e.Status = ev.Status
	}

	if ev.Transient {
		t.transient[ev.JobIndex] = ev.Line
	} else if !ev.Line.Timestamp.IsZero() {
		delete(t.transient, ev.JobIndex)
		e.Logs.Push(ev.Line)
	}

	if ev.ContainerID != "" {
		e.ContainerID = ev.ContainerID
	}
	if ev.Err != "" {
		e.ErrorMessage = ev.Err
	}
}

// Entry returns a snapshot of the entry at index i. The snapshot is
// detached from live state: mutating it does not affect the tracker.
func (t *Tracker) Entry(i int) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.entries) {
		return nil, false
	}
	return t.entries[i].clone(), true
}

// TransientLine returns the current transient progress line for job i.
func (t *Tracker) TransientLine(i int) (LogLine, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line, ok := t.transient[i]
	return line, ok
}

// Snapshot returns detached snapshots of all entries in index order.
func (t *Tracker) Snapshot() []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.clone())
	}
	return out
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
