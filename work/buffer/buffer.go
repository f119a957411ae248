package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// DefaultReadSize is the relay read chunk size.
const DefaultReadSize = 32 * 1024

// BufferPool is a thread-safe pool of fixed-size read buffers backed by
// valyala/bytebufferpool. Every relay session borrows one buffer for its read
// loop and returns it when the session ends.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool whose buffers hold bufferSize bytes.
func NewBufferPool(bufferSize int) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = DefaultReadSize
	}
	return &BufferPool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Get returns a buffer whose B has length equal to the pool's buffer size,
// ready to be passed to Read.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, bp.bufferSize)
	}
	buf.B = buf.B[:bp.bufferSize]
	return buf
}

// Put returns buf to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		buf.Reset()
		bp.pool.Put(buf)
	}
}

// Size returns the configured buffer size.
func (bp *BufferPool) Size() int {
	return bp.bufferSize
}
