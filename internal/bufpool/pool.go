package bufpool

import (
	"sync"
)

// DefaultBufSize is the read chunk used when draining streams.
const DefaultBufSize = 32 * 1024

// Pool provides a pool of byte buffers of a fixed size.
// Buffers are reused across streams to keep per-stream allocations bounded.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a new buffer pool that returns buffers of exactly bufSize bytes.
// A non-positive bufSize selects DefaultBufSize.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		buf := make([]byte, bufSize)
		return &buf
	}
	return p
}

// Get returns a buffer of exactly BufSize bytes.
func (p *Pool) Get() []byte {
	buf := *(p.pool.Get().(*[]byte))
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns a buffer to the pool. Buffers smaller than BufSize are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
