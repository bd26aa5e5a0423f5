// Package source implements the live streaming source between the UDP
// ingress and the transform chain: a single-producer, single-consumer
// timestamped datagram queue that never blocks the producer and exposes its
// pending-bytes level for the ingress back-pressure gate.
package source

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Item is one datagram in flight, stamped when it was pushed.
type Item struct {
	Data []byte
	At   time.Time
}

// Config configures a Source.
type Config struct {
	Log *slog.Logger

	// Release is called for every buffer the source is done with, whether
	// consumed, evicted, or rejected. Buffer ownership transfers to the
	// source on Push, so this is the only way storage flows back to the
	// pool. Optional.
	Release func([]byte)

	// MaxPendingBytes bounds the queue; the oldest item is dropped when a
	// push would exceed it (leak upstream). Zero means unbounded — the
	// ingress level gate is then the only bound.
	MaxPendingBytes int64
}

// Source is the push boundary into the streaming graph. Push never blocks;
// Pop blocks until an item, close, or context cancellation.
type Source struct {
	log      *slog.Logger
	release  func([]byte)
	maxBytes int64

	mu     sync.Mutex
	queue  []Item
	closed bool

	pending atomic.Int64
	pushed  atomic.Int64
	leaked  atomic.Int64

	signal   chan struct{}
	closedCh chan struct{}
}

// New creates a Source.
func New(cfg Config) *Source {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		log:      log.With("component", "source"),
		release:  cfg.Release,
		maxBytes: cfg.MaxPendingBytes,
		signal:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Push appends a datagram, stamping it with the current time. Ownership of
// data transfers to the source unconditionally: on rejection the buffer is
// released, and the caller must not touch it again either way. Returns
// false when the source is closed.
func (s *Source) Push(data []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.free(data)
		return false
	}

	if s.maxBytes > 0 {
		for len(s.queue) > 0 && s.pending.Load()+int64(len(data)) > s.maxBytes {
			old := s.queue[0]
			s.queue = s.queue[1:]
			s.pending.Add(-int64(len(old.Data)))
			s.leaked.Add(1)
			s.free(old.Data)
		}
	}

	s.queue = append(s.queue, Item{Data: data, At: time.Now()})
	s.pending.Add(int64(len(data)))
	s.pushed.Add(1)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the oldest datagram, blocking until one is available, the
// source closes, or ctx is done. The caller owns the returned buffer and
// must hand it back through Recycle.
func (s *Source) Pop(ctx context.Context) (Item, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			item := s.queue[0]
			s.queue = s.queue[1:]
			s.pending.Add(-int64(len(item.Data)))
			s.mu.Unlock()
			return item, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Item{}, false
		}

		select {
		case <-ctx.Done():
			return Item{}, false
		case <-s.closedCh:
		case <-s.signal:
		}
	}
}

// Recycle returns a popped buffer to the pool.
func (s *Source) Recycle(data []byte) {
	s.free(data)
}

// PendingBytes reports the queue level for the ingress back-pressure gate.
func (s *Source) PendingBytes() int64 {
	return s.pending.Load()
}

// Pushed returns the number of accepted datagrams.
func (s *Source) Pushed() int64 {
	return s.pushed.Load()
}

// Leaked returns the number of datagrams evicted by the byte bound.
func (s *Source) Leaked() int64 {
	return s.leaked.Load()
}

// Close rejects further pushes, releases everything still queued, and wakes
// any blocked Pop. Idempotent.
func (s *Source) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	drained := s.queue
	s.queue = nil
	s.pending.Store(0)
	s.mu.Unlock()

	close(s.closedCh)
	for _, item := range drained {
		s.free(item.Data)
	}
}

func (s *Source) free(data []byte) {
	if s.release != nil {
		s.release(data)
	}
}
