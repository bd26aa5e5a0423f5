// Package media defines the buffer types that flow through the ingest
// pipeline, from the UDP socket through the transform chain to the decoder
// and recorder.
package media

// DatagramMax is the largest UDP payload the socket ingress accepts. RTP
// over UDP for this link never exceeds the path MTU, so 4 KiB leaves ample
// headroom without oversizing the pool buffers.
const DatagramMax = 4 * 1024

// NoTimestamp marks an absent PTS or DTS. Downstream consumers may
// synthesize a timestamp when both are absent.
const NoTimestamp int64 = -1

// AccessUnit is one H.265 coded picture in Annex-B byte-stream form,
// AU-aligned: every NAL unit is prefixed with a 00 00 00 01 start code and
// the slice data for exactly one picture is present. Timestamps are
// nanoseconds on the pipeline's monotonic clock, stamped when the first
// datagram of the AU entered the streaming source.
type AccessUnit struct {
	Data     []byte
	PTS      int64
	DTS      int64
	Keyframe bool
}

// Timestamp returns the PTS, falling back to the DTS when the PTS is
// absent. Returns NoTimestamp when neither is set.
func (au *AccessUnit) Timestamp() int64 {
	if au.PTS != NoTimestamp {
		return au.PTS
	}
	return au.DTS
}
