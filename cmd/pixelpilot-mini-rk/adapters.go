package main

import (
	"log/slog"

	"github.com/sickgreg/pixelpilot-mini-rk/internal/display"
	"github.com/sickgreg/pixelpilot-mini-rk/internal/vdec"
)

// Hardware adapters. The rockchip build replaces these with the MPP decoder
// and the atomic DRM modeset; the defaults let the pipeline run end-to-end
// on any machine, counting and discarding frames.

var modesetProvider display.Modeset = &display.Fixed{}

func newDecoder() vdec.Decoder {
	return vdec.NewNull(0, slog.Default())
}
