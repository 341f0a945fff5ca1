package rpc

import (
	"sync"
)

var (
	// Single pool for frame buffers with a reasonable starting capacity
	framePool = &sync.Pool{
		New: func() interface{} {
			bs := make([]byte, 0, 256)
			return &bs
		},
	}
)

// getFrameBuffer returns an empty buffer from the pool
func getFrameBuffer() *[]byte {
	bs := framePool.Get().(*[]byte)
	*bs = (*bs)[:0]
	return bs
}

// putFrameBuffer returns a buffer to the pool
func putFrameBuffer(bs *[]byte) {
	// Only return to pool if capacity is reasonable (< 256KB)
	// This prevents memory bloat from very large messages
	if cap(*bs) < 262144 {
		framePool.Put(bs)
	}
}
