//go:build unix

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneTCPConn sets TCP_NODELAY via the raw socket, the same SyscallConn
// pattern the teacher's eventloop package uses to reach into platform
// syscalls without shelling out to net.TCPConn's higher-level (and, on some
// platforms, unavailable) SetNoDelay wrapper.
func tuneTCPConn(conn *net.TCPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}
