// Package ingest owns the UDP socket: it receives datagrams on a dedicated
// worker, filters them by RTP payload type, applies the back-pressure gate
// against the streaming source level, and pushes matching datagrams into
// the source as pool buffers. The producer side never blocks.
package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sickgreg/pixelpilot-mini-rk/internal/source"
	"github.com/sickgreg/pixelpilot-mini-rk/media"
)

// ErrSocketSetup reports a failure to create or bind the UDP socket.
var ErrSocketSetup = errors.New("socket setup failed")

const (
	// Kernel receive buffer, the first layer of the drop policy.
	rcvBufBytes = 8 << 20

	// Source pending-bytes watermark; datagrams are dropped while the
	// level is above it so the producer never blocks on a stalled graph.
	sourceLevelMax = 8 << 20

	// Sleep between empty non-blocking reads.
	idleSleep = time.Millisecond
)

// Stats is a snapshot of the receive-loop counters.
type Stats struct {
	Received     int64
	Filtered     int64
	ZeroLength   int64
	LevelDropped int64
	Pushed       int64
	PoolMisses   int64
}

// Receiver is the socket ingress worker.
type Receiver struct {
	log         *slog.Logger
	port        int
	payloadType int
	src         *source.Source
	pool        *Pool

	mu        sync.Mutex
	fd        int
	running   bool
	stop      chan struct{}
	done      chan struct{}
	boundPort int

	stats struct {
		received     atomic.Int64
		filtered     atomic.Int64
		zeroLength   atomic.Int64
		levelDropped atomic.Int64
		pushed       atomic.Int64
	}
}

// New creates a Receiver for the given port and expected payload type. A
// negative payload type disables the filter. Buffers come from pool and are
// pushed into src.
func New(port, payloadType int, src *source.Source, pool *Pool, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		log:         log.With("component", "udp-receiver"),
		port:        port,
		payloadType: payloadType,
		src:         src,
		pool:        pool,
		fd:          -1,
	}
}

// Start binds the socket and spawns the receive worker. Idempotent while
// running. Any socket or bind failure maps to ErrSocketSetup.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("%w: socket: %v", ErrSocketSetup, err)
	}

	// Option failures are survivable (the kernel may clamp SO_RCVBUF);
	// bind failures are not.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		r.log.Warn("setsockopt(SO_REUSEADDR) failed", "error", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBufBytes); err != nil {
		r.log.Warn("setsockopt(SO_RCVBUF) failed", "error", err)
	}

	sa := &unix.SockaddrInet4{Port: r.port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: bind port %d: %v", ErrSocketSetup, r.port, err)
	}

	r.boundPort = r.port
	if r.port == 0 {
		if bound, err := unix.Getsockname(fd); err == nil {
			if in4, ok := bound.(*unix.SockaddrInet4); ok {
				r.boundPort = in4.Port
			}
		}
	}

	r.fd = fd
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(fd, r.stop, r.done)
	return nil
}

// Stop signals the worker, kicks the socket out of any pending syscall,
// joins the worker, and closes the socket. Idempotent.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	fd := r.fd
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	// Half-close wakes a blocked read without invalidating the fd.
	if err := unix.Shutdown(fd, unix.SHUT_RDWR); err != nil && !errors.Is(err, unix.ENOTCONN) {
		r.log.Debug("socket shutdown", "error", err)
	}
	<-done

	unix.Close(fd)
	r.mu.Lock()
	r.fd = -1
	r.mu.Unlock()
}

// BoundPort returns the local port after Start; useful when port 0 was
// requested.
func (r *Receiver) BoundPort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boundPort
}

// Stats returns a snapshot of the receive counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		Received:     r.stats.received.Load(),
		Filtered:     r.stats.filtered.Load(),
		ZeroLength:   r.stats.zeroLength.Load(),
		LevelDropped: r.stats.levelDropped.Load(),
		Pushed:       r.stats.pushed.Load(),
		PoolMisses:   r.pool.Misses(),
	}
}

func (r *Receiver) loop(fd int, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// The RT priority applies to the kernel task, so pin the goroutine.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	boostReceivePriority(r.log)

	scratch := make([]byte, media.DatagramMax)

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, _, err := unix.Recvfrom(fd, scratch, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				time.Sleep(idleSleep)
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			// Transient kernel errors must not kill ingest.
			r.log.Warn("recv failed", "error", err)
			continue
		}
		if n == 0 {
			r.stats.zeroLength.Add(1)
			continue
		}

		r.stats.received.Add(1)

		if !payloadTypeMatches(scratch[:n], r.payloadType) {
			r.stats.filtered.Add(1)
			continue
		}

		// Manual upstream leak: when the source is backed up, drop here
		// rather than ever blocking the producer.
		if r.src.PendingBytes() > sourceLevelMax {
			r.stats.levelDropped.Add(1)
			continue
		}

		buf := r.pool.Get()
		data := buf[:n]
		copy(data, scratch[:n])

		// Ownership of the buffer transfers on push, success or not.
		if !r.src.Push(data) {
			r.log.Debug("source rejected datagram")
			continue
		}
		r.stats.pushed.Add(1)
	}
}

// payloadTypeMatches applies the RTP payload-type filter: bits 0..6 of the
// second header byte. A negative expectation accepts everything; a datagram
// too short to carry the field is rejected.
func payloadTypeMatches(data []byte, expected int) bool {
	if expected < 0 {
		return true
	}
	if len(data) < 2 {
		return false
	}
	return data[1]&0x7F == byte(expected)
}
