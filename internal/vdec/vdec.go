// Package vdec declares the hardware video decoder contract the pipeline
// feeds. The rockchip MPP implementation lives out of tree; Null is a
// stand-in that counts and discards AUs so the pipeline can run end-to-end
// without display hardware.
package vdec

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/sickgreg/pixelpilot-mini-rk/internal/config"
	"github.com/sickgreg/pixelpilot-mini-rk/internal/display"
)

// Initialization and lifecycle failures surfaced by decoder implementations.
var (
	ErrDecoderInit  = errors.New("decoder init failed")
	ErrDecoderStart = errors.New("decoder start failed")

	// ErrBusy is the back-pressure signal from Feed: the AU was not
	// accepted and will not be retried — the next AU replaces it.
	ErrBusy = errors.New("decoder busy")
)

// DefaultMaxPacket bounds AU size when the decoder does not report one.
const DefaultMaxPacket = 1 << 20

// Decoder renders Annex-B H.265 access units onto the display plane
// configured by the modeset result.
type Decoder interface {
	// Init binds the decoder to the display target. The drm fd stays owned
	// by the caller.
	Init(cfg *config.AppCfg, ms *display.ModesetResult, drmFD int) error

	// MaxPacketSize reports the largest AU Feed accepts; zero means the
	// decoder does not know and DefaultMaxPacket applies.
	MaxPacketSize() int

	Start() error

	// Feed submits one AU with its PTS in nanoseconds (media.NoTimestamp
	// when unknown). Returns ErrBusy when the decoder input queue is full.
	Feed(data []byte, pts int64) error

	// SendEOS flushes the decode queue at end of stream.
	SendEOS()

	Stop()
	Deinit()
}

// Null is a decoder that swallows AUs. It keeps the full lifecycle
// contract so supervisor and consumer behave exactly as with hardware.
type Null struct {
	log *slog.Logger

	fed      atomic.Int64
	eosSeen  atomic.Bool
	running  atomic.Bool
	maxBytes int
}

// NewNull creates a Null decoder. maxPacket <= 0 selects DefaultMaxPacket.
func NewNull(maxPacket int, log *slog.Logger) *Null {
	if log == nil {
		log = slog.Default()
	}
	return &Null{log: log.With("component", "null-decoder"), maxBytes: maxPacket}
}

func (n *Null) Init(cfg *config.AppCfg, ms *display.ModesetResult, drmFD int) error {
	n.log.Debug("init", "plane_id", cfg.PlaneID)
	return nil
}

func (n *Null) MaxPacketSize() int {
	if n.maxBytes > 0 {
		return n.maxBytes
	}
	return DefaultMaxPacket
}

func (n *Null) Start() error {
	n.running.Store(true)
	return nil
}

func (n *Null) Feed(data []byte, pts int64) error {
	if !n.running.Load() {
		return ErrBusy
	}
	n.fed.Add(1)
	n.log.Debug("discarding access unit", "bytes", len(data), "pts", pts)
	return nil
}

func (n *Null) SendEOS() {
	n.eosSeen.Store(true)
}

func (n *Null) Stop() {
	n.running.Store(false)
}

func (n *Null) Deinit() {}

// Fed returns the number of accepted AUs.
func (n *Null) Fed() int64 {
	return n.fed.Load()
}

// SawEOS reports whether SendEOS was called.
func (n *Null) SawEOS() bool {
	return n.eosSeen.Load()
}
