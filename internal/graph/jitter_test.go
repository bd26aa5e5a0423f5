package graph

import (
	"testing"
	"time"

	"github.com/pion/rtp"
)

func pkt(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: seq,
			Timestamp:      ts,
			PayloadType:    97,
		},
		Payload: []byte{0x02, 0x01, 0xAA},
	}
}

func seqs(items []rtpItem) []uint16 {
	out := make([]uint16, len(items))
	for i, it := range items {
		out[i] = it.pkt.SequenceNumber
	}
	return out
}

func TestJitterInOrderRelease(t *testing.T) {
	t.Parallel()
	jb := newJitterBuffer(10 * time.Millisecond)
	base := time.Now()

	// First packet is held for the latency window.
	out, lost := jb.Insert(rtpItem{pkt: pkt(100, 0), at: base}, base)
	if len(out) != 0 || lost != 0 {
		t.Fatalf("first packet released early: out=%d lost=%d", len(out), lost)
	}

	// Once the window passes it releases, and successors flow through
	// immediately.
	out, lost = jb.Flush(base.Add(11 * time.Millisecond))
	if len(out) != 1 || lost != 0 {
		t.Fatalf("flush: out=%d lost=%d", len(out), lost)
	}

	now := base.Add(12 * time.Millisecond)
	out, lost = jb.Insert(rtpItem{pkt: pkt(101, 0), at: now}, now)
	if len(out) != 1 || lost != 0 {
		t.Fatalf("in-order packet not released immediately: out=%d lost=%d", len(out), lost)
	}
}

func TestJitterReordersWithinWindow(t *testing.T) {
	t.Parallel()
	jb := newJitterBuffer(10 * time.Millisecond)
	base := time.Now()

	jb.Insert(rtpItem{pkt: pkt(10, 0), at: base}, base.Add(11*time.Millisecond))

	// 12 arrives before 11; both within the window.
	now := base.Add(12 * time.Millisecond)
	out, lost := jb.Insert(rtpItem{pkt: pkt(12, 0), at: now}, now)
	if len(out) != 0 || lost != 0 {
		t.Fatalf("out-of-order packet released early: out=%v", seqs(out))
	}

	out, lost = jb.Insert(rtpItem{pkt: pkt(11, 0), at: now}, now)
	if lost != 0 {
		t.Fatalf("lost = %d, want 0", lost)
	}
	if got := seqs(out); len(got) != 2 || got[0] != 11 || got[1] != 12 {
		t.Fatalf("release order = %v, want [11 12]", got)
	}
}

func TestJitterDeclaresLossAfterDeadline(t *testing.T) {
	t.Parallel()
	jb := newJitterBuffer(10 * time.Millisecond)
	base := time.Now()

	jb.Insert(rtpItem{pkt: pkt(20, 0), at: base}, base.Add(11*time.Millisecond))

	// 21 never arrives; 22 waits out its window, then the gap is declared.
	at := base.Add(12 * time.Millisecond)
	out, lost := jb.Insert(rtpItem{pkt: pkt(22, 0), at: at}, at)
	if len(out) != 0 || lost != 0 {
		t.Fatal("gap released before deadline")
	}

	deadline, ok := jb.NextDeadline()
	if !ok {
		t.Fatal("no deadline armed while holding a gap")
	}
	out, lost = jb.Flush(deadline.Add(time.Millisecond))
	if lost != 1 {
		t.Fatalf("lost = %d, want 1", lost)
	}
	if got := seqs(out); len(got) != 1 || got[0] != 22 {
		t.Fatalf("released = %v, want [22]", got)
	}
}

func TestJitterForwardsLatePackets(t *testing.T) {
	t.Parallel()
	jb := newJitterBuffer(10 * time.Millisecond)
	base := time.Now()

	jb.Insert(rtpItem{pkt: pkt(30, 0), at: base}, base.Add(11*time.Millisecond))
	now := base.Add(12 * time.Millisecond)
	jb.Insert(rtpItem{pkt: pkt(31, 0), at: now}, now)

	// A packet from before the playout head is still forwarded, not dropped.
	out, lost := jb.Insert(rtpItem{pkt: pkt(29, 0), at: now}, now)
	if lost != 0 {
		t.Fatalf("lost = %d, want 0", lost)
	}
	if got := seqs(out); len(got) != 1 || got[0] != 29 {
		t.Fatalf("late packet not forwarded: %v", got)
	}
}

func TestJitterDuplicateDropped(t *testing.T) {
	t.Parallel()
	jb := newJitterBuffer(10 * time.Millisecond)
	base := time.Now()

	jb.Insert(rtpItem{pkt: pkt(40, 0), at: base}, base)
	out, _ := jb.Insert(rtpItem{pkt: pkt(40, 0), at: base}, base)
	if len(out) != 0 {
		t.Fatalf("duplicate released: %v", seqs(out))
	}

	out, _ = jb.Flush(base.Add(11 * time.Millisecond))
	if len(out) != 1 {
		t.Fatalf("released %d packets, want 1", len(out))
	}
}

func TestJitterSequenceWraparound(t *testing.T) {
	t.Parallel()
	jb := newJitterBuffer(time.Millisecond)
	base := time.Now()
	now := base.Add(2 * time.Millisecond)

	jb.Insert(rtpItem{pkt: pkt(0xFFFF, 0), at: base}, now)
	out, lost := jb.Insert(rtpItem{pkt: pkt(0, 0), at: now}, now)
	if lost != 0 {
		t.Fatalf("wraparound counted as loss: %d", lost)
	}
	if got := seqs(out); len(got) != 1 || got[0] != 0 {
		t.Fatalf("wraparound successor not released: %v", got)
	}
}

func TestJitterDrain(t *testing.T) {
	t.Parallel()
	jb := newJitterBuffer(10 * time.Millisecond)
	base := time.Now()

	jb.Insert(rtpItem{pkt: pkt(50, 0), at: base}, base)
	jb.Insert(rtpItem{pkt: pkt(52, 0), at: base}, base)

	out, lost := jb.Drain()
	if got := seqs(out); len(got) != 2 || got[0] != 50 || got[1] != 52 {
		t.Fatalf("drain order = %v", got)
	}
	if lost != 1 {
		t.Fatalf("drain lost = %d, want 1", lost)
	}
	if _, ok := jb.NextDeadline(); ok {
		t.Fatal("deadline still armed after drain")
	}
}
