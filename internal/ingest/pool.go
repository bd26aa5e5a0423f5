package ingest

import (
	"sync"
	"sync/atomic"

	"github.com/sickgreg/pixelpilot-mini-rk/media"
)

// Pool bounds for receive buffers: a small working set is kept warm and the
// pool refuses to retain more than poolMaxBuffers. Beyond that, callers get
// fresh fallback allocations so ingest never stalls on the pool.
const (
	poolBufferSize = media.DatagramMax
	poolMinBuffers = 8
	poolMaxBuffers = 32
)

// Pool is a bounded free-list of fixed-capacity receive buffers shared
// between the receiver (Get) and the streaming source (Put, via its release
// hook). It is safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	free        [][]byte
	outstanding int

	misses atomic.Int64
}

// NewPool creates a Pool with the minimum working set preallocated.
func NewPool() *Pool {
	p := &Pool{free: make([][]byte, 0, poolMaxBuffers)}
	for i := 0; i < poolMinBuffers; i++ {
		p.free = append(p.free, make([]byte, poolBufferSize))
	}
	return p
}

// Get returns a buffer of capacity poolBufferSize. When the pool is
// exhausted a fresh allocation is handed out instead and counted as a miss.
func (p *Pool) Get() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		p.outstanding++
		return buf[:poolBufferSize]
	}
	if p.outstanding < poolMaxBuffers {
		p.outstanding++
		return make([]byte, poolBufferSize)
	}

	p.misses.Add(1)
	return make([]byte, poolBufferSize)
}

// Put hands a buffer back. Foreign sizes and overflow beyond the retention
// bound are dropped for the garbage collector.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != poolBufferSize {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.outstanding > 0 {
		p.outstanding--
	}
	if len(p.free) < poolMaxBuffers {
		p.free = append(p.free, buf[:poolBufferSize])
	}
}

// Misses reports how many Gets fell back to fallback allocations.
func (p *Pool) Misses() int64 {
	return p.misses.Load()
}
