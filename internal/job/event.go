package job

import "context"

// EventBufferSize is the channel capacity used for progress channels.
const EventBufferSize = 32

// Event is one progress update for a job run. Each producer emits its
// events in order; the channel preserves that order for consumers.
type Event struct {
	// JobIndex identifies the job the event belongs to. A multi-job run
	// finishes with a sentinel event whose index equals the job count.
	JobIndex int

	Status Status

	// Line is the log line carried by the event, if any.
	Line LogLine

	// ContainerID is set on the event announcing container creation.
	ContainerID string

	// Err is the failure message recorded on the entry for Failed events.
	Err string

	// Transient marks a progress line that replaces the previous
	// transient line instead of appending to the log.
	Transient bool
}

// Emit sends ev without blocking past ctx or the cancel signal, so a slow
// consumer can never wedge a producer. The returned error is ctx.Err()
// when the send was abandoned.
func Emit(ctx context.Context, events chan<- Event, ev Event) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
