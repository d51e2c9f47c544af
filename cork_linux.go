//go:build linux

package nitra

import "golang.org/x/sys/unix"

// setCork toggles TCP_CORK: accumulate small writes into full segments,
// flushed once uncorked. Grounded on original_source/src/Response.cc's
// cork/uncork calls around chunk and header boundaries.
func setCork(fd int, on bool) {
	v := 0
	if on {
		v = 1
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_CORK, v)
}
