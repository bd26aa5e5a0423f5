// Package display declares the DRM/KMS modeset contract. The atomic
// modeset implementation that walks connectors and planes is hardware
// specific and lives out of tree; the pipeline only consumes the resolved
// result.
package display

import (
	"errors"
	"log/slog"
)

// ErrDisplay reports a modeset failure.
var ErrDisplay = errors.New("display configuration failed")

// ModesetResult describes the display target after a successful atomic
// modeset: the chosen connector/CRTC/plane and the resolved mode.
type ModesetResult struct {
	ConnectorID    uint32
	ConnectorName  string
	CRTCID         uint32
	PlaneID        uint32
	Width          int
	Height         int
	RefreshMilliHz int
}

// Modeset selects a connector, CRTC, and overlay plane on the opened card
// and programs the highest-refresh mode. Implemented by the DRM adapter.
type Modeset interface {
	Apply(cardFD int, connectorName string, planeID int) (*ModesetResult, error)
}

// Fixed is a Modeset that passes through a preconfigured result without
// touching the hardware. Used with the null decoder for bring-up and tests.
type Fixed struct {
	Result ModesetResult
	Log    *slog.Logger
}

// Apply returns the preconfigured result with the requested plane filled in.
func (f *Fixed) Apply(cardFD int, connectorName string, planeID int) (*ModesetResult, error) {
	res := f.Result
	if res.PlaneID == 0 {
		res.PlaneID = uint32(planeID)
	}
	if res.ConnectorName == "" {
		res.ConnectorName = connectorName
	}
	if f.Log != nil {
		f.Log.Debug("fixed modeset", "plane_id", res.PlaneID, "connector", res.ConnectorName)
	}
	return &res, nil
}
