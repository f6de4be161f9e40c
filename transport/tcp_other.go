//go:build !unix

package transport

import "net"

// tuneTCPConn is a no-op on non-unix platforms (spec.md §6's Windows
// shim), mirroring the teacher's poller_windows.go stub pattern: the
// feature is simply unavailable there, so the symbol exists but does
// nothing.
func tuneTCPConn(conn *net.TCPConn) {}
