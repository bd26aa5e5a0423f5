package graph

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sickgreg/pixelpilot-mini-rk/media"
)

// defaultSinkBuffers is used when the configured capacity is not positive.
const defaultSinkBuffers = 4

// AUSink is the buffered boundary between the transform chain and the AU
// consumer thread: at most max AUs are held, the oldest is dropped when a
// push overflows, and the consumer pulls with a timeout. There is no clock
// sync — AUs are handed over as fast as the consumer takes them.
type AUSink struct {
	mu     sync.Mutex
	ch     chan *media.AccessUnit
	closed bool

	dropped   atomic.Int64
	delivered atomic.Int64
}

// NewAUSink creates a sink holding at most max buffers.
func NewAUSink(max int) *AUSink {
	if max <= 0 {
		max = defaultSinkBuffers
	}
	return &AUSink{ch: make(chan *media.AccessUnit, max)}
}

// Push enqueues an AU, evicting the oldest entry when full. Never blocks.
func (s *AUSink) Push(au *media.AccessUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- au:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Pull waits up to timeout for the next AU. Returns false on timeout and,
// immediately, on a closed and drained sink.
func (s *AUSink) Pull(timeout time.Duration) (*media.AccessUnit, bool) {
	select {
	case au, ok := <-s.ch:
		if !ok {
			return nil, false
		}
		s.delivered.Add(1)
		return au, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Close rejects further pushes and wakes pullers. Idempotent.
func (s *AUSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Dropped returns the number of AUs evicted by overflow.
func (s *AUSink) Dropped() int64 {
	return s.dropped.Load()
}

// Delivered returns the number of AUs handed to the consumer.
func (s *AUSink) Delivered() int64 {
	return s.delivered.Load()
}

// Len reports the current queue depth.
func (s *AUSink) Len() int {
	return len(s.ch)
}
