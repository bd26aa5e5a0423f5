package graph

import (
	"bytes"
	"log/slog"
	"sync/atomic"

	"github.com/sickgreg/pixelpilot-mini-rk/internal/hevc"
	"github.com/sickgreg/pixelpilot-mini-rk/media"
)

// parser normalises depayloaded AUs to the form the sink accepts: Annex-B
// byte-stream with 4-byte start codes, AU-aligned. It caches the latest
// VPS/SPS/PPS and repeats them in front of every random-access AU that
// lacks them, so a decoder can join mid-stream. A changed SPS is decoded
// for the stream resolution log line.
type parser struct {
	log *slog.Logger

	vps, sps, pps []byte

	nonConforming atomic.Int64
	psInjected    atomic.Int64
	parsed        atomic.Int64
}

func newParser(log *slog.Logger) *parser {
	return &parser{log: log}
}

// Process rewrites one AU. Returns nil when the input carries no parseable
// NAL units (the caps-enforcement drop).
func (p *parser) Process(au *media.AccessUnit) *media.AccessUnit {
	nalus := hevc.ParseAnnexB(au.Data)
	if len(nalus) == 0 {
		p.nonConforming.Add(1)
		p.log.Debug("dropping non-conforming buffer", "bytes", len(au.Data))
		return nil
	}

	keyframe := false
	hasPS := false
	for _, n := range nalus {
		switch {
		case n.Type == hevc.NALVPS:
			p.vps = cloneNAL(n.Data)
			hasPS = true
		case n.Type == hevc.NALSPS:
			p.probeSPS(n.Data)
			p.sps = cloneNAL(n.Data)
			hasPS = true
		case n.Type == hevc.NALPPS:
			p.pps = cloneNAL(n.Data)
			hasPS = true
		case hevc.IsRAP(n.Type):
			keyframe = true
		}
	}

	// Rebuild with uniform 4-byte start codes; prepend cached parameter
	// sets on keyframes that arrived without their own.
	var buf bytes.Buffer
	if keyframe && !hasPS && p.vps != nil && p.sps != nil && p.pps != nil {
		for _, ps := range [][]byte{p.vps, p.sps, p.pps} {
			buf.Write(hevc.StartCode)
			buf.Write(ps)
		}
		p.psInjected.Add(1)
	}
	for _, n := range nalus {
		buf.Write(hevc.StartCode)
		buf.Write(n.Data)
	}

	au.Data = buf.Bytes()
	au.Keyframe = keyframe
	p.parsed.Add(1)
	return au
}

func (p *parser) probeSPS(nal []byte) {
	if bytes.Equal(p.sps, nal) {
		return
	}
	info, err := hevc.ParseSPS(nal)
	if err != nil {
		p.log.Debug("SPS parse failed", "error", err)
		return
	}
	p.log.Info("video stream",
		"codec", info.CodecString(),
		"width", info.Width,
		"height", info.Height,
	)
}

func cloneNAL(data []byte) []byte {
	return append([]byte(nil), data...)
}
