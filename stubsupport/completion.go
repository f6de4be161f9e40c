package stubsupport

import (
	"context"
	"sync"
)

// Completion is a one-shot future: the result of a method invoked
// asynchronously, settable exactly once (by the skeleton-side
// RemoteCompletion relay) and awaited any number of times.
type Completion struct {
	once sync.Once
	done chan struct{}

	mu    sync.Mutex
	value any
	err   error
}

// NewCompletion allocates an unset Completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Set settles the Completion with value/err. Only the first call has any
// effect, matching the one-shot-future semantics of spec.md §4.6's
// CreateCompletion.
func (c *Completion) Set(value any, err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.value, c.err = value, err
		c.mu.Unlock()
		close(c.done)
	})
}

// Wait blocks until the Completion is settled or ctx is done.
func (c *Completion) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.value, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports whether the Completion has already been settled, without
// blocking.
func (c *Completion) Done() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
