// Package chanpool implements the per-session channel pool described in
// spec.md §4.2: acquiring, recycling, and pinning the duplex channels a
// Session multiplexes invocation traffic over.
package chanpool

import (
	"sync/atomic"

	"github.com/joeycumines/go-dirmi/transport"
	"github.com/joeycumines/go-dirmi/wire"
)

// State is a Channel's position in the per-call state machine documented in
// spec.md §4.6:
//
//	IDLE → acquired → (LENT) → request-written → response-read →
//	                      ├─ normal  → finished/reset  → IDLE
//	                      ├─ batched → BATCHED (pinned to goroutine)
//	                      ├─ pipe    → SUSPENDED (handed to user)
//	                      └─ failed  → CLOSED
type State int32

const (
	StateIdle State = iota
	StateLent
	StateBatched
	StateSuspended
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLent:
		return "lent"
	case StateBatched:
		return "batched"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is one duplex channel within a session's transport, carrying one
// call (or, in the batched/pipe cases, a sequence or a user-handed-off
// stream) at a time.
type Channel struct {
	t transport.Transport
	W *wire.Writer
	R *wire.Reader

	state atomic.Int32
}

func newChannel(t transport.Transport) *Channel {
	return &Channel{
		t: t,
		W: wire.NewWriter(t),
		R: wire.NewReader(t),
	}
}

// State returns the channel's current state.
func (c *Channel) State() State { return State(c.state.Load()) }

// CompareAndSwapState atomically transitions the channel's state, reporting
// success. Used by stubsupport to implement the Batched pin (§4.2,§4.6).
func (c *Channel) CompareAndSwapState(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *Channel) setState(to State) { c.state.Store(int32(to)) }

// ResetOutput discards any unflushed bytes and starts a fresh invocation
// frame, for reuse by the next call to Acquire this channel serves.
func (c *Channel) ResetOutput() {
	c.W = wire.NewWriter(c.t)
}

// InputResume re-synchronizes the reader after the pipe-mode suspend/resume
// protocol (§4.2,§6 wire frame #4): the writer emitted a 1-byte suspend
// marker and flushed; once the reader side has drained the suspended
// stream, InputResume rejoins ordinary framing.
func (c *Channel) InputResume() {
	c.R = wire.NewReader(c.t)
}

// Transport exposes the underlying duplex byte channel, e.g. for Release's
// reset path or for handing off as a user Pipe (stubsupport.RequestReply).
func (c *Channel) Transport() transport.Transport { return c.t }

// Close tears down the channel's transport and marks it closed.
func (c *Channel) Close() error {
	c.setState(StateClosed)
	return c.t.Close()
}
