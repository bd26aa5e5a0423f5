// Package recorder writes the H.265 access-unit stream to an MP4 file
// while the pipeline keeps feeding the decoder. Output is fragmented MP4:
// an init segment once parameter sets and a random-access AU have been
// seen, then one moof/mdat pair per keyframe-opened fragment. The record
// mode selects how the output file is named and reused.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/sickgreg/pixelpilot-mini-rk/internal/config"
	"github.com/sickgreg/pixelpilot-mini-rk/internal/hevc"
	"github.com/sickgreg/pixelpilot-mini-rk/media"
)

// ErrRecorder reports a recorder construction or write failure.
var ErrRecorder = errors.New("recorder failed")

const (
	timescale = 90000

	// defaultSampleDur is assumed for the final sample of a fragment and
	// for synthesized timestamps: one frame at 60 fps.
	defaultSampleDur = timescale / 60
)

// Stats is a snapshot of recorder progress.
type Stats struct {
	Active          bool
	BytesWritten    int64
	ElapsedNS       int64
	MediaDurationNS int64
	OutputPath      string
}

type pendingSample struct {
	data     []byte
	dts      uint64
	sync     bool
	durKnown bool
	dur      uint32
}

// Recorder is an MP4 writer fed one AU at a time. All methods are safe for
// concurrent use; HandleSample is additionally serialized by the pipeline's
// recorder lock.
type Recorder struct {
	log  *slog.Logger
	mode config.RecordMode

	mu        sync.Mutex
	file      *os.File
	buf       *bufio.Writer
	written   int64
	path      string
	startWall time.Time

	vps, sps, pps [][]byte
	headerDone    bool
	waitingForRAP bool

	fragSeq  uint32
	pending  []pendingSample
	firstDTS uint64
	lastDTS  uint64
	haveDTS  bool
	prevPTS  int64

	closed bool
}

// New creates a Recorder writing to the path resolved from cfg. The file is
// opened immediately; track setup waits for parameter sets and a keyframe.
func New(cfg config.RecordCfg, log *slog.Logger) (*Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "recorder")

	if cfg.OutputPath == "" {
		return nil, fmt.Errorf("%w: empty output path", ErrRecorder)
	}

	path, err := resolveOutputPath(cfg.OutputPath, cfg.Mode)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrRecorder, path, err)
	}

	log.Info("recording", "path", path, "mode", cfg.Mode.String())
	return &Recorder{
		log:           log,
		mode:          cfg.Mode,
		file:          f,
		buf:           bufio.NewWriterSize(f, 64*1024),
		path:          path,
		startWall:     time.Now(),
		waitingForRAP: true,
		prevPTS:       media.NoTimestamp,
	}, nil
}

// resolveOutputPath turns the configured path into a concrete file name. A
// directory (or a path without a .mp4 suffix) gets a timestamped file
// inside it. Sequential mode never overwrites: an existing file advances a
// _NNN suffix instead.
func resolveOutputPath(out string, mode config.RecordMode) (string, error) {
	path := out
	if !strings.HasSuffix(strings.ToLower(path), ".mp4") {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", fmt.Errorf("%w: mkdir %s: %v", ErrRecorder, path, err)
		}
		name := fmt.Sprintf("pixelpilot_%s.mp4", time.Now().Format("20060102_150405"))
		path = filepath.Join(path, name)
	}

	if mode != config.RecordModeSequential {
		return path, nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path, nil
	}
	base := strings.TrimSuffix(path, filepath.Ext(path))
	for i := 1; i < 1000; i++ {
		next := fmt.Sprintf("%s_%03d.mp4", base, i)
		if _, err := os.Stat(next); errors.Is(err, os.ErrNotExist) {
			return next, nil
		}
	}
	return "", fmt.Errorf("%w: no free sequential name after %s", ErrRecorder, path)
}

// HandleSample feeds one AU. Parameter sets are cached from the stream;
// until they and a keyframe have arrived, samples are skipped.
func (r *Recorder) HandleSample(au *media.AccessUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	nalus := hevc.ParseAnnexB(au.Data)
	if len(nalus) == 0 {
		return
	}
	r.cacheParameterSets(nalus)

	if r.waitingForRAP {
		if !au.Keyframe || r.vps == nil || r.sps == nil || r.pps == nil {
			return
		}
		if err := r.writeInit(); err != nil {
			r.log.Warn("init segment write failed", "error", err)
			r.closeLocked()
			return
		}
		r.waitingForRAP = false
	}

	dts := r.sampleDecodeTime(au)

	// A keyframe opens a new fragment; flush the previous one first.
	if au.Keyframe && len(r.pending) > 0 {
		if err := r.flushFragment(); err != nil {
			r.log.Warn("fragment write failed", "error", err)
			r.closeLocked()
			return
		}
	}

	// The previous sample's duration becomes known now.
	if n := len(r.pending); n > 0 && !r.pending[n-1].durKnown {
		delta := uint32(defaultSampleDur)
		if dts > r.pending[n-1].dts {
			delta = uint32(dts - r.pending[n-1].dts)
		}
		r.pending[n-1].dur = delta
		r.pending[n-1].durKnown = true
	}

	r.pending = append(r.pending, pendingSample{
		data: avc.ConvertByteStreamToNaluSample(au.Data),
		dts:  dts,
		sync: au.Keyframe,
	})
	if !r.haveDTS {
		r.firstDTS = dts
		r.haveDTS = true
	}
	r.lastDTS = dts
}

func (r *Recorder) cacheParameterSets(nalus []hevc.NALUnit) {
	for _, n := range nalus {
		switch n.Type {
		case hevc.NALVPS:
			r.vps = [][]byte{append([]byte(nil), n.Data...)}
		case hevc.NALSPS:
			r.sps = [][]byte{append([]byte(nil), n.Data...)}
		case hevc.NALPPS:
			r.pps = [][]byte{append([]byte(nil), n.Data...)}
		}
	}
}

// sampleDecodeTime maps the AU's timestamp to 90 kHz ticks, synthesizing a
// timestamp when the stream carries none.
func (r *Recorder) sampleDecodeTime(au *media.AccessUnit) uint64 {
	pts := au.Timestamp()
	if pts == media.NoTimestamp {
		if r.prevPTS == media.NoTimestamp {
			pts = 0
		} else {
			pts = r.prevPTS + int64(defaultSampleDur)*1_000_000_000/timescale
		}
	}
	r.prevPTS = pts
	return uint64(pts) * timescale / 1_000_000_000
}

func (r *Recorder) writeInit() error {
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(timescale, "video", "und")
	trak := init.Moov.Trak
	if err := trak.SetHEVCDescriptor("hvc1", r.vps, r.sps, r.pps, nil, true); err != nil {
		return fmt.Errorf("%w: hvcC: %v", ErrRecorder, err)
	}
	if err := init.Encode(r.countingWriter()); err != nil {
		return fmt.Errorf("%w: init: %v", ErrRecorder, err)
	}
	r.headerDone = true
	return nil
}

func (r *Recorder) flushFragment() error {
	if len(r.pending) == 0 {
		return nil
	}

	// Close the open-ended tail duration.
	if n := len(r.pending); !r.pending[n-1].durKnown {
		dur := uint32(defaultSampleDur)
		if n > 1 && r.pending[n-2].durKnown {
			dur = r.pending[n-2].dur
		}
		r.pending[n-1].dur = dur
		r.pending[n-1].durKnown = true
	}

	r.fragSeq++
	frag, err := mp4.CreateFragment(r.fragSeq, mp4.DefaultTrakID)
	if err != nil {
		return fmt.Errorf("%w: fragment: %v", ErrRecorder, err)
	}
	for _, s := range r.pending {
		flags := mp4.NonSyncSampleFlags
		if s.sync {
			flags = mp4.SyncSampleFlags
		}
		frag.AddFullSample(mp4.FullSample{
			Sample: mp4.Sample{
				Flags: flags,
				Dur:   s.dur,
				Size:  uint32(len(s.data)),
			},
			DecodeTime: s.dts,
			Data:       s.data,
		})
	}
	if err := frag.Encode(r.countingWriter()); err != nil {
		return fmt.Errorf("%w: fragment: %v", ErrRecorder, err)
	}
	r.pending = r.pending[:0]
	return nil
}

// GetStats snapshots the recorder's progress.
func (r *Recorder) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var mediaNS int64
	if r.haveDTS {
		ticks := r.lastDTS - r.firstDTS + defaultSampleDur
		mediaNS = int64(ticks) * 1_000_000_000 / timescale
	}
	return Stats{
		Active:          !r.closed && r.headerDone,
		BytesWritten:    r.written,
		ElapsedNS:       time.Since(r.startWall).Nanoseconds(),
		MediaDurationNS: mediaNS,
		OutputPath:      r.path,
	}
}

// Close flushes the tail fragment and finalizes the file. Idempotent.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

func (r *Recorder) closeLocked() {
	if r.closed {
		return
	}
	if r.headerDone {
		if err := r.flushFragment(); err != nil {
			r.log.Warn("tail fragment write failed", "error", err)
		}
	}
	if err := r.buf.Flush(); err != nil {
		r.log.Warn("flush failed", "error", err)
	}
	if err := r.file.Close(); err != nil {
		r.log.Warn("close failed", "error", err)
	}
	r.closed = true
	r.log.Info("recording finished", "path", r.path, "bytes", r.written)
}

// countingWriter wraps the buffered writer so box encoders account every
// byte in the stats.
func (r *Recorder) countingWriter() *countWriter {
	return &countWriter{r: r}
}

type countWriter struct {
	r *Recorder
}

func (w *countWriter) Write(p []byte) (int, error) {
	n, err := w.r.buf.Write(p)
	w.r.written += int64(n)
	return n, err
}
