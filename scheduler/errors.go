package scheduler

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrRejected is returned by Execute when the pool is saturated (at its
	// MaxWorkers bound, with no idle worker available). After Shutdown,
	// Execute/Schedule return ErrShutdown, which wraps ErrRejected, so
	// errors.Is(err, ErrRejected) holds in both cases.
	ErrRejected = errors.New("scheduler: rejected (pool saturated or shut down)")

	// ErrShutdown is returned by Execute/Schedule once Shutdown has been
	// called.
	ErrShutdown = fmt.Errorf("scheduler: shut down: %w", ErrRejected)
)
