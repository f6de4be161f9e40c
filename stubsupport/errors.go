package stubsupport

import "errors"

// Standard errors (spec.md §7's taxonomy, minus the ones owned by other
// packages: transport.ErrClosed, chanpool.ErrPoolClosed/ErrIllegalBatchState,
// scheduler.ErrRejected/ErrShutdown).
var (
	ErrNoSuchObject = errors.New("stubsupport: no such object")
	ErrNoSuchMethod = errors.New("stubsupport: no such method")
	ErrTimeout      = errors.New("stubsupport: call timed out")
	ErrDisposed     = errors.New("stubsupport: object disposed")
)

// ProgrammingError is the error value returned for spec.md §7's "local
// programming error" class of fault: a nil argument to a non-nil parameter,
// an illegal re-batch, or any other misuse that is a bug in the calling
// code rather than a remote failure. It is returned synchronously by the
// call that detected the misuse, never sent to the peer, and is not raised
// as a panic.
type ProgrammingError struct {
	Op  string
	Err error
}

func (e *ProgrammingError) Error() string { return "stubsupport: " + e.Op + ": " + e.Err.Error() }
func (e *ProgrammingError) Unwrap() error { return e.Err }
