package transport

import (
	"errors"
	"net"
)

// ErrNotTCP is returned by Dial when network names a non-TCP dialer; the
// reference transport only tunes and wraps *net.TCPConn.
var ErrNotTCP = errors.New("transport: not a TCP connection")

// Dial connects to addr over TCP and returns a ready TCPTransport. Mirrors
// net.Dial; the "socket connector" spec.md §6 puts out of scope beyond this
// reference implementation.
func Dial(network, addr string) (*TCPTransport, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return nil, ErrNotTCP
	}
	return NewTCPTransport(tcpConn), nil
}

// Listen starts accepting TCP connections on addr, invoking accept for each
// one as it arrives, until the returned net.Listener is closed. Mirrors the
// "socket acceptor" spec.md §6 puts out of scope.
func Listen(network, addr string, accept func(*TCPTransport)) (net.Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			tcpConn, ok := conn.(*net.TCPConn)
			if !ok {
				_ = conn.Close()
				continue
			}
			accept(NewTCPTransport(tcpConn))
		}
	}()
	return ln, nil
}
