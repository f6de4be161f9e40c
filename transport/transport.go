// Package transport defines the duplex byte-channel contract a dirmi
// [Session] runs over (spec.md §6), plus a reference TCP implementation.
//
// The core session logic never depends on net.Conn directly: it depends on
// the narrow [Transport] interface here, so tests can stand in a [net.Pipe]
// and production code can plug in TCP, a QUIC stream, or anything else that
// can move bytes in both directions and report readiness.
package transport

import "errors"

// Standard errors.
var (
	// ErrClosed is returned by Read/Write/Flush once the transport has been
	// closed or disconnected.
	ErrClosed = errors.New("transport: closed")
)

// Transport is a duplex byte channel between two peers. Read, Write, and
// Flush block; Ready is a non-blocking liveness check consulted by the
// channel pool before handing a channel out for reuse (spec.md §4.2).
type Transport interface {
	// Read reads into p, blocking until at least one byte is available,
	// the transport is closed, or an error occurs.
	Read(p []byte) (n int, err error)

	// Write writes all of p, blocking until it is buffered for send or an
	// error occurs. Does not imply Flush.
	Write(p []byte) (n int, err error)

	// Flush pushes any buffered writes out onto the wire.
	Flush() error

	// Ready reports whether the transport currently appears usable, without
	// blocking. A false result means the channel pool should not hand this
	// transport out for a new acquisition.
	Ready() bool

	// Disconnect tears down the transport abruptly, unblocking any pending
	// Read/Write (they fail with the underlying connection's error); later
	// calls return ErrClosed. Safe to call more than once.
	Disconnect() error

	// Close is a graceful shutdown: flush, then disconnect. Safe to call
	// more than once.
	Close() error
}

// Listener receives asynchronous readiness notifications for a Transport,
// per spec.md §6. A session registers itself (or a thin adapter) as the
// Listener for each channel's transport.
type Listener interface {
	// OnReady is called once the transport becomes usable (e.g. a dialed
	// connection completes its handshake).
	OnReady(t Transport)

	// OnRejected is called if the transport could not be established, with
	// the cause.
	OnRejected(t Transport, cause error)

	// OnClosed is called once, when the transport transitions to closed,
	// however that happened (graceful Close, Disconnect, or a peer hangup
	// discovered on Read/Write).
	OnClosed(t Transport)
}

// NotifyingTransport is implemented by transports that drive a [Listener]
// asynchronously, e.g. [TCPTransport] notifying on connect/accept.
type NotifyingTransport interface {
	Transport
	SetListener(l Listener)
}
