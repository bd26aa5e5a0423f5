package graph

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/rtp/codecs"

	"github.com/sickgreg/pixelpilot-mini-rk/media"
)

// depayloader reassembles H.265 access units from RTP packets. Payloads are
// depacketized to Annex-B fragments; an AU completes on the RTP marker bit
// or when the RTP timestamp changes (marker-loss tolerance). After a
// lost-packet event the partial AU in progress is discarded so the parser
// resynchronises at the next AU boundary.
type depayloader struct {
	log   *slog.Logger
	epoch time.Time

	depkt codecs.H265Depacketizer

	accum    []byte
	accumPTS int64
	curTS    uint32
	haveTS   bool
	damaged  bool

	payloadErrors atomic.Int64
	discarded     atomic.Int64
}

func newDepayloader(epoch time.Time, log *slog.Logger) *depayloader {
	return &depayloader{log: log, epoch: epoch}
}

// Push feeds one RTP packet and returns zero or more completed AUs.
func (d *depayloader) Push(p rtpItem) []*media.AccessUnit {
	var out []*media.AccessUnit

	if d.haveTS && p.pkt.Timestamp != d.curTS {
		if au := d.emit(); au != nil {
			out = append(out, au)
		}
	}
	if !d.haveTS || p.pkt.Timestamp != d.curTS {
		d.curTS = p.pkt.Timestamp
		d.haveTS = true
	}

	data, err := d.depkt.Unmarshal(p.pkt.Payload)
	if err != nil {
		// Mid-AU fragments whose start was lost land here; skip them and
		// let the AU-boundary logic resynchronise.
		d.payloadErrors.Add(1)
		d.log.Debug("depacketize failed", "seq", p.pkt.SequenceNumber, "error", err)
		return out
	}

	if len(d.accum) == 0 {
		d.accumPTS = p.at.Sub(d.epoch).Nanoseconds()
	}
	d.accum = append(d.accum, data...)

	if p.pkt.Marker {
		if au := d.emit(); au != nil {
			out = append(out, au)
		}
	}
	return out
}

// OnLost reacts to a lost-packet event from the jitter buffer: an AU in
// progress can no longer be completed and is discarded.
func (d *depayloader) OnLost() {
	if len(d.accum) > 0 {
		d.damaged = true
	}
}

// Pending reports whether an AU is accumulating.
func (d *depayloader) Pending() bool {
	return len(d.accum) > 0
}

// Flush emits whatever is accumulated; used on idle timeout and at
// shutdown.
func (d *depayloader) Flush() *media.AccessUnit {
	return d.emit()
}

func (d *depayloader) emit() *media.AccessUnit {
	if len(d.accum) == 0 {
		d.damaged = false
		return nil
	}
	data := d.accum
	d.accum = nil

	if d.damaged {
		d.damaged = false
		d.discarded.Add(1)
		d.log.Debug("discarding damaged access unit", "bytes", len(data))
		return nil
	}

	return &media.AccessUnit{
		Data: data,
		PTS:  d.accumPTS,
		DTS:  media.NoTimestamp,
	}
}
