package ingest

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sickgreg/pixelpilot-mini-rk/internal/source"
	"github.com/sickgreg/pixelpilot-mini-rk/media"
)

func TestPayloadTypeMatches(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		data     []byte
		expected int
		want     bool
	}{
		{"match", []byte{0x80, 0x61, 0x00, 0x01}, 97, true},
		{"match with marker bit", []byte{0x80, 0xE1, 0x00, 0x01}, 97, true},
		{"mismatch", []byte{0x80, 0x60, 0x00, 0x01}, 97, false},
		{"too short", []byte{0x80}, 97, false},
		{"empty", nil, 97, false},
		{"filter disabled", []byte{0x80}, -1, true},
		{"filter disabled empty", nil, -1, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := payloadTypeMatches(tt.data, tt.expected); got != tt.want {
				t.Errorf("payloadTypeMatches(% x, %d) = %v, want %v", tt.data, tt.expected, got, tt.want)
			}
		})
	}
}

func TestPoolReuseAndFallback(t *testing.T) {
	t.Parallel()
	p := NewPool()

	// Drain past the retention bound.
	bufs := make([][]byte, 0, poolMaxBuffers+3)
	for i := 0; i < poolMaxBuffers; i++ {
		b := p.Get()
		if cap(b) != poolBufferSize {
			t.Fatalf("buffer cap = %d, want %d", cap(b), poolBufferSize)
		}
		bufs = append(bufs, b)
	}
	if p.Misses() != 0 {
		t.Fatalf("misses before exhaustion = %d", p.Misses())
	}

	// Pool exhausted: fallback allocations still succeed and are counted.
	extra := p.Get()
	if extra == nil {
		t.Fatal("fallback allocation failed")
	}
	if p.Misses() != 1 {
		t.Fatalf("misses = %d, want 1", p.Misses())
	}

	for _, b := range bufs {
		p.Put(b)
	}
	p.Put(extra)
	p.Put(make([]byte, 100)) // foreign size is dropped

	got := p.Get()
	if cap(got) != poolBufferSize {
		t.Fatalf("recycled buffer cap = %d", cap(got))
	}
}

// startReceiver brings up a receiver on an ephemeral port and returns it
// with its source and a sender socket aimed at it.
func startReceiver(t *testing.T, payloadType int) (*Receiver, *source.Source, *net.UDPConn) {
	t.Helper()

	pool := NewPool()
	src := source.New(source.Config{Release: pool.Put})
	r := New(0, payloadType, src, pool, nil)
	if err := r.Start(); err != nil {
		t.Fatalf("start receiver: %v", err)
	}
	t.Cleanup(func() {
		r.Stop()
		src.Close()
	})

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: r.BoundPort(),
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return r, src, conn
}

func popWithTimeout(t *testing.T, src *source.Source, d time.Duration) (source.Item, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return src.Pop(ctx)
}

func rtpDatagram(pt byte, size int) []byte {
	d := make([]byte, size)
	d[0] = 0x80
	d[1] = pt
	return d
}

func TestReceiverDeliversMatchingDatagram(t *testing.T) {
	t.Parallel()
	_, src, conn := startReceiver(t, 97)

	sent := rtpDatagram(0x61, 200)
	if _, err := conn.Write(sent); err != nil {
		t.Fatalf("send: %v", err)
	}

	item, ok := popWithTimeout(t, src, time.Second)
	if !ok {
		t.Fatal("datagram not delivered")
	}
	if len(item.Data) != 200 {
		t.Fatalf("delivered %d bytes, want 200", len(item.Data))
	}
	if item.Data[1] != 0x61 {
		t.Fatalf("payload byte mismatch: %#x", item.Data[1])
	}
	src.Recycle(item.Data)
}

func TestReceiverFiltersPayloadType(t *testing.T) {
	t.Parallel()
	r, src, conn := startReceiver(t, 97)

	conn.Write(rtpDatagram(0x60, 200)) // PT 96: filtered
	conn.Write([]byte{0x80})           // too short for the filter
	conn.Write(rtpDatagram(0x61, 64))  // PT 97: delivered

	item, ok := popWithTimeout(t, src, time.Second)
	if !ok {
		t.Fatal("matching datagram not delivered")
	}
	if len(item.Data) != 64 {
		t.Fatalf("delivered %d bytes, want 64", len(item.Data))
	}
	src.Recycle(item.Data)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.Stats().Filtered >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.Stats().Filtered; got < 2 {
		t.Fatalf("Filtered = %d, want >= 2", got)
	}
	if _, ok := popWithTimeout(t, src, 50*time.Millisecond); ok {
		t.Fatal("filtered datagram leaked through")
	}
}

func TestReceiverAcceptsAllWhenFilterDisabled(t *testing.T) {
	t.Parallel()
	_, src, conn := startReceiver(t, -1)

	conn.Write(rtpDatagram(0x60, 32))
	conn.Write(rtpDatagram(0x61, 32))

	for i := 0; i < 2; i++ {
		item, ok := popWithTimeout(t, src, time.Second)
		if !ok {
			t.Fatalf("datagram %d not delivered", i)
		}
		src.Recycle(item.Data)
	}
}

func TestReceiverDropsWhenSourceBackedUp(t *testing.T) {
	t.Parallel()
	r, src, conn := startReceiver(t, 97)

	// Stall the consumer and fill the source past the 8 MiB watermark.
	for i := 0; i < 9; i++ {
		src.Push(make([]byte, 1<<20))
	}

	conn.Write(rtpDatagram(0x61, 512))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.Stats().LevelDropped >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.Stats().LevelDropped; got < 1 {
		t.Fatalf("LevelDropped = %d, want >= 1", got)
	}
	if got := src.PendingBytes(); got > 9<<20 {
		t.Fatalf("source level grew past the gate: %d", got)
	}
}

func TestReceiverStopIsIdempotentAndRebinds(t *testing.T) {
	t.Parallel()
	pool := NewPool()
	src := source.New(source.Config{Release: pool.Put})
	defer src.Close()

	r := New(0, 97, src, pool, nil)
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	port := r.BoundPort()
	if port == 0 {
		t.Fatal("bound port not resolved")
	}

	r.Stop()
	r.Stop() // second stop is a no-op

	// The port is free again: a new receiver can claim it.
	r2 := New(port, 97, src, pool, nil)
	if err := r2.Start(); err != nil {
		t.Fatalf("rebind on port %d: %v", port, err)
	}
	r2.Stop()
}

func TestReceiverBindFailure(t *testing.T) {
	t.Parallel()
	pool := NewPool()
	src := source.New(source.Config{Release: pool.Put})
	defer src.Close()

	// SO_REUSEADDR permits UDP port sharing, so provoke the failure with an
	// invalid port instead of a conflict.
	r := New(-1, 97, src, pool, nil)
	err := r.Start()
	if err == nil {
		r.Stop()
		t.Skip("kernel accepted the bind; nothing to assert")
	}
	if !errors.Is(err, ErrSocketSetup) {
		t.Fatalf("error %v does not wrap ErrSocketSetup", err)
	}
}

func TestReceiverBurstDoesNotBlockProducer(t *testing.T) {
	t.Parallel()
	r, src, conn := startReceiver(t, 97)
	_ = r

	// Nobody consumes the source; sends must all complete promptly.
	payload := rtpDatagram(0x61, 1024)
	start := time.Now()
	for i := 0; i < 2000; i++ {
		if _, err := conn.Write(payload); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("burst took %v", elapsed)
	}

	// The source level stays bounded by the watermark plus one datagram.
	time.Sleep(50 * time.Millisecond)
	if level := src.PendingBytes(); level > (8<<20)+media.DatagramMax {
		t.Fatalf("source level %d exceeds watermark + one datagram", level)
	}
}
