// Package pipeline is the supervisor for the ingest-and-dispatch core: it
// builds the streaming graph, starts the socket ingress and decoder in
// order, runs the AU consumer and bus monitor workers, and guarantees that
// stop joins every worker and releases every owned resource. It also owns
// the recording toggle.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sickgreg/pixelpilot-mini-rk/internal/config"
	"github.com/sickgreg/pixelpilot-mini-rk/internal/display"
	"github.com/sickgreg/pixelpilot-mini-rk/internal/graph"
	"github.com/sickgreg/pixelpilot-mini-rk/internal/ingest"
	"github.com/sickgreg/pixelpilot-mini-rk/internal/recorder"
	"github.com/sickgreg/pixelpilot-mini-rk/internal/source"
	"github.com/sickgreg/pixelpilot-mini-rk/internal/vdec"
)

// State is the externally observable pipeline lifecycle.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// DefaultStopWait bounds the bus-monitor join during a graceful stop.
const DefaultStopWait = 700 * time.Millisecond

// pullTimeout is the AU consumer's per-iteration wait.
const pullTimeout = 100 * time.Millisecond

// busPoll is the bus monitor's poll granularity.
const busPoll = 100 * time.Millisecond

// ErrPipelineState rejects a start attempt while the pipeline is not
// stopped.
var ErrPipelineState = errors.New("pipeline not stopped")

// Pipeline supervises one instance of the streaming graph and its workers.
// At most one exists per process.
type Pipeline struct {
	log     *slog.Logger
	decoder vdec.Decoder

	mu    sync.Mutex
	state State

	stopRequested  atomic.Bool
	encounterError atomic.Bool
	decoderRunning atomic.Bool

	pool     *ingest.Pool
	src      *source.Source
	graph    *graph.Graph
	receiver *ingest.Receiver

	consumerDone chan struct{}
	busDone      chan struct{}

	// recorderMu orders after mu when both are held. It serializes writer
	// installation and teardown against per-AU delivery.
	recorderMu sync.Mutex
	rec        *recorder.Recorder

	oversizeSkips atomic.Int64
	feedBusy      atomic.Int64
	consumed      atomic.Int64
}

// New creates a Pipeline that feeds the given decoder.
func New(decoder vdec.Decoder, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:     log.With("component", "pipeline"),
		decoder: decoder,
	}
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// BoundUDPPort reports the ingress socket's local port while running;
// zero otherwise. Useful when the configured port was 0 (ephemeral).
func (p *Pipeline) BoundUDPPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.receiver == nil {
		return 0
	}
	return p.receiver.BoundPort()
}

// EncounteredError reports whether the last run ended on a graph error.
func (p *Pipeline) EncounteredError() bool {
	return p.encounterError.Load()
}

// Start brings the pipeline from stopped to running: graph construction,
// socket ingress, graph playing, decoder init and start, then the consumer
// and bus monitor workers. Any failure rewinds everything already created.
func (p *Pipeline) Start(cfg *config.AppCfg, ms *display.ModesetResult, drmFD int) error {
	p.mu.Lock()
	if p.state != StateStopped {
		state := p.state
		p.mu.Unlock()
		p.log.Warn("start refused", "state", state.String())
		return fmt.Errorf("%w: %s", ErrPipelineState, state)
	}
	p.mu.Unlock()

	p.stopRequested.Store(false)
	p.encounterError.Store(false)

	pool := ingest.NewPool()
	src := source.New(source.Config{Log: p.log, Release: pool.Put})
	p.mu.Lock()
	p.pool, p.src = pool, src
	p.mu.Unlock()

	g, err := graph.Build(graph.Config{
		Log:            p.log,
		VidPT:          cfg.VidPT,
		SinkMaxBuffers: cfg.AppsinkMaxBuffers,
	}, src)
	if err != nil {
		p.teardown()
		return err
	}
	p.mu.Lock()
	p.graph = g
	p.mu.Unlock()

	receiver := ingest.New(cfg.UDPPort, cfg.VidPT, src, pool, p.log)
	p.mu.Lock()
	p.receiver = receiver
	p.mu.Unlock()
	if err := receiver.Start(); err != nil {
		p.teardown()
		return err
	}

	if err := g.Start(); err != nil {
		p.teardown()
		return err
	}

	if err := p.decoder.Init(cfg, ms, drmFD); err != nil {
		p.teardown()
		return fmt.Errorf("%w: %v", vdec.ErrDecoderInit, err)
	}
	if err := p.decoder.Start(); err != nil {
		p.decoder.Deinit()
		p.teardown()
		return fmt.Errorf("%w: %v", vdec.ErrDecoderStart, err)
	}
	p.decoderRunning.Store(true)

	p.consumerDone = make(chan struct{})
	go p.consumeLoop(p.graph.Sink(), p.consumerDone)

	p.busDone = make(chan struct{})
	go p.busLoop(p.graph.Bus(), p.busDone)

	p.mu.Lock()
	p.state = StateRunning
	p.mu.Unlock()
	p.log.Info("pipeline running")
	return nil
}

// Stop requests a graceful stop and blocks until every worker has joined
// and all resources are released, waiting up to wait for the bus monitor.
// Idempotent.
func (p *Pipeline) Stop(wait time.Duration) {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	p.state = StateStopping
	g, receiver := p.graph, p.receiver
	p.mu.Unlock()
	p.stopRequested.Store(true)

	// EOS through the graph, then tear the chain down from the outside in.
	if g != nil {
		g.Stop()
	}
	if receiver != nil {
		receiver.Stop()
	}

	if p.consumerDone != nil {
		<-p.consumerDone
		p.consumerDone = nil
	}

	if p.busDone != nil {
		select {
		case <-p.busDone:
		case <-time.After(wait):
			p.log.Warn("bus monitor did not exit in time", "wait", wait)
			<-p.busDone
		}
		p.busDone = nil
	}

	p.teardown()

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	p.log.Info("pipeline stopped")
}

// PollChild is the non-blocking supervisor check: when the bus monitor has
// exited on its own (error or EOS), the rest of the pipeline is torn down
// and the state transitions to stopped.
func (p *Pipeline) PollChild() {
	p.mu.Lock()
	if p.state != StateRunning || p.busDone == nil {
		p.mu.Unlock()
		return
	}
	busDone := p.busDone
	p.mu.Unlock()

	select {
	case <-busDone:
	default:
		return
	}

	p.mu.Lock()
	p.state = StateStopping
	g, receiver := p.graph, p.receiver
	p.mu.Unlock()
	p.stopRequested.Store(true)

	if g != nil {
		g.Stop()
	}
	if receiver != nil {
		receiver.Stop()
	}
	if p.consumerDone != nil {
		<-p.consumerDone
		p.consumerDone = nil
	}
	p.busDone = nil
	p.teardown()

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()

	if p.encounterError.Load() {
		p.log.Info("pipeline exited due to error")
	} else {
		p.log.Info("pipeline exited cleanly")
	}
}

// teardown releases everything Start created. Safe on partial state.
func (p *Pipeline) teardown() {
	p.mu.Lock()
	receiver, g, src := p.receiver, p.graph, p.src
	p.receiver, p.graph, p.src, p.pool = nil, nil, nil, nil
	p.mu.Unlock()

	if receiver != nil {
		receiver.Stop()
	}
	if g != nil {
		g.Stop()
	}
	if src != nil {
		src.Close()
	}

	if p.decoderRunning.Load() {
		p.decoder.Stop()
		p.decoder.Deinit()
		p.decoderRunning.Store(false)
	}

	p.recorderMu.Lock()
	rec := p.rec
	p.rec = nil
	p.recorderMu.Unlock()
	if rec != nil {
		rec.Close()
	}
}

// consumeLoop pulls AUs from the sink and demultiplexes each to the
// recorder (under the recorder lock) and the decoder. A busy decoder drops
// the AU; nothing is retried. On exit the decoder receives EOS.
func (p *Pipeline) consumeLoop(sink *graph.AUSink, done chan<- struct{}) {
	defer close(done)

	maxPacket := p.decoder.MaxPacketSize()
	if maxPacket <= 0 {
		maxPacket = vdec.DefaultMaxPacket
	}

	for !p.stopRequested.Load() && p.decoderRunning.Load() {
		au, ok := sink.Pull(pullTimeout)
		if !ok {
			continue
		}

		if len(au.Data) == 0 || len(au.Data) > maxPacket {
			p.oversizeSkips.Add(1)
			p.log.Debug("skipping out-of-bounds access unit", "bytes", len(au.Data), "max", maxPacket)
			continue
		}

		p.recorderMu.Lock()
		if p.rec != nil {
			p.rec.HandleSample(au)
		}
		p.recorderMu.Unlock()

		if err := p.decoder.Feed(au.Data, au.Timestamp()); err != nil {
			if errors.Is(err, vdec.ErrBusy) {
				p.feedBusy.Add(1)
				p.log.Debug("decoder feed busy")
			} else {
				p.log.Debug("decoder feed failed", "error", err)
			}
			continue
		}
		p.consumed.Add(1)
	}

	p.decoder.SendEOS()
}

// busLoop watches the graph bus for errors and EOS, flags the supervisor,
// and exits. It also exits when a stop is requested between polls.
func (p *Pipeline) busLoop(bus *graph.Bus, done chan<- struct{}) {
	defer close(done)

	for {
		ev, ok := bus.Poll(busPoll)
		if !ok {
			if p.stopRequested.Load() {
				return
			}
			continue
		}
		switch ev.Kind {
		case graph.EventError:
			p.log.Error("pipeline error", "error", ev.Err)
			p.encounterError.Store(true)
			p.stopRequested.Store(true)
			return
		case graph.EventEOS:
			p.log.Info("pipeline received EOS")
			p.stopRequested.Store(true)
			return
		}
	}
}

// EnableRecording installs an MP4 writer built from cfg. Enabling while a
// writer exists is a no-op that creates no new writer, so a repeated enable
// has no side effects. A writer built by an enable that races another one
// is closed and discarded.
func (p *Pipeline) EnableRecording(cfg config.RecordCfg) error {
	if cfg.OutputPath == "" {
		return fmt.Errorf("%w: recording requires an output path", config.ErrConfig)
	}

	p.recorderMu.Lock()
	installed := p.rec != nil
	p.recorderMu.Unlock()
	if installed {
		return nil
	}

	rec, err := recorder.New(cfg, p.log)
	if err != nil {
		return err
	}

	p.recorderMu.Lock()
	if p.rec != nil {
		p.recorderMu.Unlock()
		rec.Close()
		return nil
	}
	p.rec = rec
	p.recorderMu.Unlock()
	return nil
}

// DisableRecording detaches the writer under the recorder lock and
// finalizes it outside, so sample delivery never races destruction.
// Idempotent.
func (p *Pipeline) DisableRecording() {
	p.recorderMu.Lock()
	rec := p.rec
	p.rec = nil
	p.recorderMu.Unlock()

	if rec != nil {
		rec.Close()
	}
}

// RecordingActive reports whether a writer is installed.
func (p *Pipeline) RecordingActive() bool {
	p.recorderMu.Lock()
	defer p.recorderMu.Unlock()
	return p.rec != nil
}

// RecordingStats snapshots the writer's progress; the zero value means no
// writer is installed.
func (p *Pipeline) RecordingStats() recorder.Stats {
	p.recorderMu.Lock()
	defer p.recorderMu.Unlock()
	if p.rec == nil {
		return recorder.Stats{}
	}
	return p.rec.GetStats()
}

// Stats aggregates consumer counters with the transform-chain and ingress
// counters.
type Stats struct {
	Consumed      int64
	OversizeSkips int64
	FeedBusy      int64
	Graph         graph.Stats
	Ingest        ingest.Stats
}

// Snapshot returns the pipeline counters. Valid while running.
func (p *Pipeline) Snapshot() Stats {
	s := Stats{
		Consumed:      p.consumed.Load(),
		OversizeSkips: p.oversizeSkips.Load(),
		FeedBusy:      p.feedBusy.Load(),
	}
	p.mu.Lock()
	g, r := p.graph, p.receiver
	p.mu.Unlock()
	if g != nil {
		s.Graph = g.Stats()
	}
	if r != nil {
		s.Ingest = r.Stats()
	}
	return s
}
