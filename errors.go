package dirmi

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-dirmi/codec"
	"github.com/joeycumines/go-dirmi/scheduler"
	"github.com/joeycumines/go-dirmi/stubsupport"
	"github.com/joeycumines/go-dirmi/transport"
)

// Sentinel errors, per spec.md §7's taxonomy: Transport closed; Session
// closed; No such object; No such method; Timeout; Rejected; Marshalling
// error; Peer exception (the last is RemoteError, below, not a sentinel).
// No such object/method and Timeout alias the stubsupport sentinels they're
// already raised as internally, so errors.Is matches regardless of which
// package's documentation a caller read.
var (
	ErrTransportClosed = transport.ErrClosed
	ErrSessionClosed   = errors.New("dirmi: session closed")
	ErrNoSuchObject    = stubsupport.ErrNoSuchObject
	ErrNoSuchMethod    = stubsupport.ErrNoSuchMethod
	ErrTimeout         = stubsupport.ErrTimeout
	ErrRejected        = scheduler.ErrRejected
	ErrMarshalling     = errors.New("dirmi: marshalling error")
)

// RemoteError wraps a peer-side failure decoded off the wire as a
// codec.Throwable: the "Peer exception" branch of spec.md §7's taxonomy.
// Only failures the peer reports as a Throwable become a RemoteError; local
// failures (transport errors, timeouts, marshalling errors) are returned as
// their own errors, not converted.
type RemoteError struct {
	*codec.Throwable
}

func (e *RemoteError) Error() string {
	if e.Throwable == nil {
		return "dirmi: remote error"
	}
	return e.Throwable.Error()
}

func (e *RemoteError) Unwrap() error {
	if e == nil || e.Throwable == nil {
		return nil
	}
	if cause, ok := e.Throwable.Cause.(error); ok {
		return cause
	}
	return nil
}

func newRemoteError(t *codec.Throwable) error {
	if t == nil {
		return nil
	}
	return &RemoteError{Throwable: t}
}

// wrapCallError prefixes a low-level failure from callRemote with op,
// wrapping it with %w so errors.Is still sees the cause; it does not map the
// failure to a different sentinel.
func wrapCallError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("dirmi: %s: %w", op, err)
}
