package bufpool

import (
	"sync"
)

// Pool hands out chunk read buffers of a fixed size.
// Buffers are reused across chunks and transfers to reduce GC pressure.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

var shared sync.Map // int -> *Pool

// New creates a new buffer pool that returns buffers of exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	return &Pool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, bufSize)
			},
		},
	}
}

// ForSize returns the process-wide pool for bufSize, creating it on first use.
// Concurrent transfers with the same chunk size share one pool.
func ForSize(bufSize int) *Pool {
	if p, ok := shared.Load(bufSize); ok {
		return p.(*Pool)
	}
	p, _ := shared.LoadOrStore(bufSize, New(bufSize))
	return p.(*Pool)
}

// Get returns a buffer of exactly bufSize bytes.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns a buffer to the pool. Undersized buffers are discarded.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	p.pool.Put(buf[:cap(buf)])
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
