// Package graph implements the transform chain between the streaming
// source and the AU sink: jitter buffer, RTP/H.265 depayload, parse with
// parameter-set repetition, and byte-stream/AU caps enforcement, plus the
// asynchronous message bus the supervisor monitors.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/sickgreg/pixelpilot-mini-rk/internal/source"
	"github.com/sickgreg/pixelpilot-mini-rk/media"
)

// Construction and lifecycle failures surfaced to the supervisor.
var (
	ErrGraphBuild = errors.New("graph build failed")
	ErrGraphLink  = errors.New("graph link failed")
	ErrGraphState = errors.New("graph state change failed")
)

// defaultJitterLatency is the reorder window. Small on purpose: this link
// favours freshness over completeness.
const defaultJitterLatency = 10 * time.Millisecond

// playingWait bounds how long Start waits for the worker to come up.
const playingWait = time.Second

// auFlushTimeout completes an accumulated AU when the stream goes quiet
// without a marker: a lone packet must still reach the sink promptly.
const auFlushTimeout = 50 * time.Millisecond

// Config configures a Graph.
type Config struct {
	Log *slog.Logger

	// VidPT is the RTP payload type the chain is negotiated for; -1 leaves
	// the payload unconstrained. It only participates in validation here —
	// the ingress applies the filter.
	VidPT int

	// SinkMaxBuffers bounds the AU sink; values <= 0 fall back to the
	// sink default.
	SinkMaxBuffers int

	// JitterLatency overrides the reorder window; zero keeps the default.
	JitterLatency time.Duration
}

// Stats is a snapshot of transform-chain counters.
type Stats struct {
	RTPErrors     int64
	PacketsLost   int64
	AUsProduced   int64
	AUsDropped    int64
	PayloadErrors int64
}

// Graph owns the transform chain worker.
type Graph struct {
	log  *slog.Logger
	src  *source.Source
	sink *AUSink
	bus  *Bus

	jitter *jitterBuffer
	depay  *depayloader
	parse  *parser

	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	rtpErrors atomic.Int64
	lost      atomic.Int64
	produced  atomic.Int64
}

// Build constructs and links the chain. The source must already exist;
// caps that cannot be expressed (payload type outside 0..127, other than -1
// for an unconstrained payload) fail with ErrGraphLink.
func Build(cfg Config, src *source.Source) (*Graph, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no streaming source", ErrGraphBuild)
	}
	if cfg.VidPT < -1 || cfg.VidPT > 127 {
		return nil, fmt.Errorf("%w: payload type %d outside 0..127", ErrGraphLink, cfg.VidPT)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "graph")

	latency := cfg.JitterLatency
	if latency <= 0 {
		latency = defaultJitterLatency
	}

	epoch := time.Now()
	return &Graph{
		log:    log,
		src:    src,
		sink:   NewAUSink(cfg.SinkMaxBuffers),
		bus:    NewBus(),
		jitter: newJitterBuffer(latency),
		depay:  newDepayloader(epoch, log),
		parse:  newParser(log),
	}, nil
}

// Sink returns the AU sink the consumer pulls from.
func (g *Graph) Sink() *AUSink {
	return g.sink
}

// Bus returns the asynchronous message bus.
func (g *Graph) Bus() *Bus {
	return g.bus
}

// Start spawns the transform worker and waits for it to reach its steady
// state. Fails with ErrGraphState if the worker does not come up in time.
func (g *Graph) Start() error {
	if g.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})
	ready := make(chan struct{})

	go g.run(ctx, ready)

	select {
	case <-ready:
	case <-time.After(playingWait):
		cancel()
		<-g.done
		return fmt.Errorf("%w: worker did not start", ErrGraphState)
	}
	g.running = true
	return nil
}

// Stop sends EOS through the chain, stops the worker, and closes the sink.
// Pending jitter-buffer packets are drained so the tail of the stream is
// not cut off. Idempotent.
func (g *Graph) Stop() {
	if !g.running {
		return
	}
	g.running = false
	g.cancel()
	<-g.done
	g.sink.Close()
}

// Stats returns a snapshot of the chain counters.
func (g *Graph) Stats() Stats {
	return Stats{
		RTPErrors:     g.rtpErrors.Load(),
		PacketsLost:   g.lost.Load(),
		AUsProduced:   g.produced.Load(),
		AUsDropped:    g.sink.Dropped(),
		PayloadErrors: g.depay.payloadErrors.Load(),
	}
}

func (g *Graph) run(ctx context.Context, ready chan<- struct{}) {
	defer close(g.done)
	close(ready)

	var lastArrival time.Time

	for {
		popCtx := ctx
		var cancel context.CancelFunc
		if deadline, ok := g.jitter.NextDeadline(); ok {
			popCtx, cancel = context.WithDeadline(ctx, deadline)
		} else if g.depay.Pending() {
			popCtx, cancel = context.WithDeadline(ctx, lastArrival.Add(auFlushTimeout))
		}

		item, ok := g.src.Pop(popCtx)
		if cancel != nil {
			cancel()
		}
		now := time.Now()

		if !ok {
			if ctx.Err() != nil {
				break
			}
			if cancel == nil {
				// No deadline was armed, so the source itself closed.
				break
			}
			// Deadline wake: release due jitter packets, then complete a
			// quiet AU.
			g.dispatch(g.jitter.Flush(now))
			if _, armed := g.jitter.NextDeadline(); !armed && g.depay.Pending() &&
				!now.Before(lastArrival.Add(auFlushTimeout)) {
				g.emit(g.depay.Flush())
			}
			continue
		}
		lastArrival = now

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(item.Data); err != nil {
			g.rtpErrors.Add(1)
			g.log.Debug("RTP unmarshal failed", "error", err)
			g.src.Recycle(item.Data)
			continue
		}
		// The payload aliases the pool buffer; detach before recycling.
		pkt.Payload = append([]byte(nil), pkt.Payload...)
		at := item.At
		g.src.Recycle(item.Data)

		g.dispatch(g.jitter.Insert(rtpItem{pkt: pkt, at: at}, now))
	}

	// EOS path: flush the chain tail downstream, then signal the bus.
	g.dispatch(g.jitter.Drain())
	g.emit(g.depay.Flush())
	g.bus.Post(Event{Kind: EventEOS})
}

func (g *Graph) dispatch(items []rtpItem, lost int) {
	if lost > 0 {
		g.lost.Add(int64(lost))
		g.log.Debug("packets lost", "count", lost)
		g.depay.OnLost()
	}
	for _, it := range items {
		for _, au := range g.depay.Push(it) {
			g.emit(au)
		}
	}
}

func (g *Graph) emit(au *media.AccessUnit) {
	if au == nil {
		return
	}
	if out := g.parse.Process(au); out != nil {
		g.produced.Add(1)
		g.sink.Push(out)
	}
}
