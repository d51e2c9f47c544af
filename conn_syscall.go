package nitra

import (
	"net"
	"syscall"
)

// rawConnOf extracts the syscall.RawConn backing a net.Conn. Every conn
// produced by this module's Acceptor is a *net.TCPConn, which always
// implements syscall.Conn.
func rawConnOf(conn net.Conn) (syscall.RawConn, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, errNotSyscallConn
	}
	return sc.SyscallConn()
}

var errNotSyscallConn = &notSyscallConnError{}

type notSyscallConnError struct{}

func (*notSyscallConnError) Error() string {
	return "nitra: connection does not expose a raw file descriptor"
}
