//go:build darwin

package nitra

import "golang.org/x/sys/unix"

// setCork toggles TCP_NOPUSH, Darwin's analogue of Linux's TCP_CORK.
func setCork(fd int, on bool) {
	v := 0
	if on {
		v = 1
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NOPUSH, v)
}
