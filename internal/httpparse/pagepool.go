package httpparse

import "sync"

// pageSize is the fixed byte-slice size recycled by pagePool, matching the
// channel package's maxIOChunk so a single pooled page always covers one
// read syscall's worth of space.
const pageSize = 1 << 16

// pagePool recycles read buffers across ConsumeHeader/ConsumeContent calls
// to avoid an allocation per partial read under sustained throughput.
// Grounded on eventloop/ingress.go's chunkPool: a sync.Pool of fixed-size
// buffers, reset on Get, returned on release.
var pagePool = sync.Pool{
	New: func() any {
		buf := make([]byte, pageSize)
		return &buf
	},
}

// getPage returns a buffer of at least n bytes and a release func to hand it
// back to the pool. Requests larger than pageSize fall back to a fresh,
// unpooled allocation.
func getPage(n int) (buf []byte, release func()) {
	if n > pageSize {
		return make([]byte, n), func() {}
	}
	p := pagePool.Get().(*[]byte)
	return (*p)[:n], func() { pagePool.Put(p) }
}
