package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/sickgreg/pixelpilot-mini-rk/internal/source"
)

func marshalPacket(t *testing.T, seq uint16, ts uint32, marker bool, payload []byte) []byte {
	t.Helper()
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    97,
			SequenceNumber: seq,
			Timestamp:      ts,
			Marker:         marker,
			SSRC:           0x1234,
		},
		Payload: payload,
	}
	data, err := p.Marshal()
	if err != nil {
		t.Fatalf("marshal RTP: %v", err)
	}
	return data
}

func buildGraph(t *testing.T) (*Graph, *source.Source) {
	t.Helper()
	src := source.New(source.Config{})
	g, err := Build(Config{VidPT: 97, SinkMaxBuffers: 4, JitterLatency: time.Millisecond}, src)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	if err := g.Start(); err != nil {
		t.Fatalf("start graph: %v", err)
	}
	t.Cleanup(func() {
		g.Stop()
		src.Close()
	})
	return g, src
}

func TestBuildValidation(t *testing.T) {
	t.Parallel()

	if _, err := Build(Config{VidPT: 97}, nil); !errors.Is(err, ErrGraphBuild) {
		t.Fatalf("nil source: got %v, want ErrGraphBuild", err)
	}

	src := source.New(source.Config{})
	defer src.Close()
	if _, err := Build(Config{VidPT: 200}, src); !errors.Is(err, ErrGraphLink) {
		t.Fatalf("bad payload type: got %v, want ErrGraphLink", err)
	}
	if _, err := Build(Config{VidPT: -2}, src); !errors.Is(err, ErrGraphLink) {
		t.Fatalf("payload type below -1: got %v, want ErrGraphLink", err)
	}

	// -1 disables the filter and is a valid chain configuration.
	g, err := Build(Config{VidPT: -1}, src)
	if err != nil {
		t.Fatalf("filter-disabled build: %v", err)
	}
	_ = g
}

func TestGraphProducesAUFromSinglePacket(t *testing.T) {
	t.Parallel()
	g, src := buildGraph(t)

	src.Push(marshalPacket(t, 1, 9000, true, nal(19, 0xAA, 0xBB)))

	au, ok := g.Sink().Pull(time.Second)
	if !ok {
		t.Fatal("no AU produced")
	}
	if au.PTS < 0 {
		t.Fatalf("AU PTS invalid: %d", au.PTS)
	}
	if len(au.Data) == 0 {
		t.Fatal("empty AU")
	}
	if got := g.Stats().AUsProduced; got != 1 {
		t.Fatalf("AUsProduced = %d, want 1", got)
	}
}

func TestGraphReassemblesMultiPacketAU(t *testing.T) {
	t.Parallel()
	g, src := buildGraph(t)

	src.Push(marshalPacket(t, 1, 9000, false, nal(32, 0x01)))
	src.Push(marshalPacket(t, 2, 9000, false, nal(33, 0x02)))
	src.Push(marshalPacket(t, 3, 9000, true, nal(19, 0x03)))

	au, ok := g.Sink().Pull(time.Second)
	if !ok {
		t.Fatal("no AU produced")
	}
	nalus := 0
	for i := 0; i+3 < len(au.Data); i++ {
		if au.Data[i] == 0 && au.Data[i+1] == 0 && au.Data[i+2] == 0 && au.Data[i+3] == 1 {
			nalus++
		}
	}
	if nalus != 3 {
		t.Fatalf("AU contains %d NALs, want 3", nalus)
	}
}

func TestGraphToleratesReorderedPackets(t *testing.T) {
	t.Parallel()
	g, src := buildGraph(t)

	// Two packets of the same AU, sent out of order.
	src.Push(marshalPacket(t, 11, 9000, true, nal(1, 0x02)))
	src.Push(marshalPacket(t, 10, 9000, false, nal(1, 0x01)))

	au, ok := g.Sink().Pull(time.Second)
	if !ok {
		t.Fatal("no AU produced from reordered packets")
	}
	if len(au.Data) == 0 {
		t.Fatal("empty AU")
	}
}

func TestGraphCountsRTPErrors(t *testing.T) {
	t.Parallel()
	g, src := buildGraph(t)

	src.Push([]byte{0x00}) // not RTP

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if g.Stats().RTPErrors == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("RTPErrors = %d, want 1", g.Stats().RTPErrors)
}

func TestGraphStopPostsEOS(t *testing.T) {
	t.Parallel()
	src := source.New(source.Config{})
	defer src.Close()
	g, err := Build(Config{VidPT: 97, JitterLatency: time.Millisecond}, src)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := g.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	g.Stop()
	g.Stop() // idempotent

	ev, ok := g.Bus().Poll(time.Second)
	if !ok {
		t.Fatal("no bus event after stop")
	}
	if ev.Kind != EventEOS {
		t.Fatalf("event kind = %v, want EOS", ev.Kind)
	}
}

func TestGraphStopDrainsPendingTail(t *testing.T) {
	t.Parallel()
	src := source.New(source.Config{})
	defer src.Close()
	g, err := Build(Config{VidPT: 97, JitterLatency: time.Hour}, src)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := g.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// With an hour of jitter latency the packet sits in the buffer until
	// stop drains it.
	src.Push(marshalPacket(t, 1, 9000, true, nal(19, 0xEE)))
	time.Sleep(50 * time.Millisecond)
	g.Stop()

	au, ok := g.Sink().Pull(100 * time.Millisecond)
	if !ok {
		t.Fatal("tail AU lost at stop")
	}
	if len(au.Data) == 0 {
		t.Fatal("empty tail AU")
	}
}
