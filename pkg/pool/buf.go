package pool

import (
	"bytes"
	"sync"
)

// Buffers that grew beyond maxBufSize are not returned to the pool.
const maxBufSize = 256 * 1024

var bufPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// GetBuf returns an empty *bytes.Buffer from the pool.
// The caller MUST call ReleaseBuf after use.
func GetBuf() *bytes.Buffer {
	return bufPool.Get().(*bytes.Buffer)
}

// ReleaseBuf returns b to the pool. After calling ReleaseBuf, the caller
// MUST NOT access b or any slice returned by b.Bytes.
func ReleaseBuf(b *bytes.Buffer) {
	if b.Cap() > maxBufSize {
		return
	}
	b.Reset()
	bufPool.Put(b)
}
