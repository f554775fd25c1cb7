package job

import "sync"

// Canceler is a single-shot cancellation signal, delivered on a channel
// separate from the progress channel so a full event buffer can never
// starve it.
type Canceler struct {
	once sync.Once
	done chan struct{}
}

// NewCanceler returns a Canceler ready to be observed.
func NewCanceler() *Canceler {
	return &Canceler{done: make(chan struct{})}
}

// Cancel requests cancellation. It is idempotent, never blocks and never
// panics; cancelling when nothing is listening is a no-op, as is
// cancelling after the run already finished.
func (c *Canceler) Cancel() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Done returns the channel closed on the first Cancel call.
func (c *Canceler) Done() <-chan struct{} {
	return c.done
}
