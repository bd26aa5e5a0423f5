package graph

import (
	"time"

	"github.com/pion/rtp"
)

// rtpItem is an RTP packet inside the transform chain, stamped with the
// time its datagram entered the streaming source.
type rtpItem struct {
	pkt *rtp.Packet
	at  time.Time
}

// jitterBuffer reorders RTP packets by sequence number within a small
// latency window. In-order packets release immediately; a gap is waited out
// until the head packet's deadline, then the missing range is declared lost
// and the stream resumes. Late packets (older than the playout head) are
// still forwarded rather than dropped — the decoder, not the jitter buffer,
// decides what to do with them.
type jitterBuffer struct {
	latency time.Duration

	entries []rtpItem // sorted by sequence number
	started bool
	nextSeq uint16
}

func newJitterBuffer(latency time.Duration) *jitterBuffer {
	return &jitterBuffer{latency: latency}
}

// seqBefore reports whether a precedes b in RFC 3550 wraparound order.
func seqBefore(a, b uint16) bool {
	return int16(a-b) < 0
}

// Insert adds a packet and returns everything releasable now, along with
// the number of sequence numbers newly declared lost.
func (j *jitterBuffer) Insert(p rtpItem, now time.Time) ([]rtpItem, int) {
	seq := p.pkt.SequenceNumber

	// Late arrival behind the playout head: forward out of band.
	if j.started && seqBefore(seq, j.nextSeq) {
		return []rtpItem{p}, 0
	}

	// Sorted insert, dropping duplicates.
	idx := len(j.entries)
	for i, e := range j.entries {
		if e.pkt.SequenceNumber == seq {
			return j.release(now)
		}
		if seqBefore(seq, e.pkt.SequenceNumber) {
			idx = i
			break
		}
	}
	j.entries = append(j.entries, rtpItem{})
	copy(j.entries[idx+1:], j.entries[idx:])
	j.entries[idx] = p

	return j.release(now)
}

// Flush releases whatever is due at now; called on deadline wake-ups.
func (j *jitterBuffer) Flush(now time.Time) ([]rtpItem, int) {
	return j.release(now)
}

// Drain releases every buffered packet in order, counting gaps as lost.
// Used at shutdown.
func (j *jitterBuffer) Drain() ([]rtpItem, int) {
	lost := 0
	out := make([]rtpItem, 0, len(j.entries))
	for _, e := range j.entries {
		if j.started && seqBefore(j.nextSeq, e.pkt.SequenceNumber) {
			lost += int(e.pkt.SequenceNumber - j.nextSeq)
		}
		out = append(out, e)
		j.started = true
		j.nextSeq = e.pkt.SequenceNumber + 1
	}
	j.entries = nil
	return out, lost
}

// NextDeadline returns when the head packet must be released even if its
// predecessors never arrive.
func (j *jitterBuffer) NextDeadline() (time.Time, bool) {
	if len(j.entries) == 0 {
		return time.Time{}, false
	}
	return j.entries[0].at.Add(j.latency), true
}

func (j *jitterBuffer) release(now time.Time) ([]rtpItem, int) {
	var out []rtpItem
	lost := 0

	for len(j.entries) > 0 {
		head := j.entries[0]
		seq := head.pkt.SequenceNumber

		switch {
		case !j.started:
			// Hold the first packet for the latency window so a
			// slightly-early successor can still slot in before it.
			if now.Before(head.at.Add(j.latency)) {
				return out, lost
			}
			j.started = true
			j.nextSeq = seq

		case seq == j.nextSeq:
			// In order: release immediately.

		case now.Before(head.at.Add(j.latency)):
			// Gap, but the head is still within its window.
			return out, lost

		default:
			// Gap timed out: declare the missing range lost.
			lost += int(seq - j.nextSeq)
			j.nextSeq = seq
		}

		j.entries = j.entries[1:]
		out = append(out, head)
		j.nextSeq = seq + 1
	}
	return out, lost
}
