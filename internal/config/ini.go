package config

import (
	"fmt"
	"log/slog"

	"gopkg.in/ini.v1"
)

// LoadINI merges settings from an INI file into cfg. Keys and section names
// are case-insensitive; '#' and ';' start comments. Unknown keys are
// ignored, and malformed values are logged and skipped, so a hand-edited
// file cannot take the receiver down.
func LoadINI(path string, cfg *AppCfg) error {
	f, err := ini.InsensitiveLoad(path)
	if err != nil {
		return fmt.Errorf("%w: load %s: %v", ErrConfig, path, err)
	}

	if sec := f.Section("video"); sec != nil {
		loadVideoSection(sec, cfg)
	}
	if sec := f.Section("record"); sec != nil {
		loadRecordSection(sec, cfg)
	}
	return nil
}

func loadVideoSection(sec *ini.Section, cfg *AppCfg) {
	if k, err := sec.GetKey("card_path"); err == nil {
		cfg.CardPath = k.String()
	}
	for _, name := range []string{"connector", "connector_name"} {
		if k, err := sec.GetKey(name); err == nil {
			cfg.ConnectorName = k.String()
		}
	}
	loadInt(sec, "plane_id", &cfg.PlaneID)
	loadInt(sec, "udp_port", &cfg.UDPPort)
	for _, name := range []string{"vid_pt", "video_payload_type"} {
		loadInt(sec, name, &cfg.VidPT)
	}
	loadInt(sec, "appsink_max_buffers", &cfg.AppsinkMaxBuffers)
	loadBool(sec, "gst_log", &cfg.GstLog)
}

func loadRecordSection(sec *ini.Section, cfg *AppCfg) {
	loadBool(sec, "enable", &cfg.Record.Enable)
	for _, name := range []string{"output_path", "path"} {
		if k, err := sec.GetKey(name); err == nil {
			cfg.Record.OutputPath = k.String()
		}
	}
	if k, err := sec.GetKey("mode"); err == nil {
		mode, err := ParseRecordMode(k.String())
		if err != nil {
			slog.Warn("config: invalid record mode", "value", k.String())
			return
		}
		cfg.Record.Mode = mode
	}
}

func loadInt(sec *ini.Section, name string, out *int) {
	k, err := sec.GetKey(name)
	if err != nil {
		return
	}
	v, err := k.Int()
	if err != nil {
		slog.Warn("config: invalid integer", "key", name, "value", k.String())
		return
	}
	*out = v
}

func loadBool(sec *ini.Section, name string, out *bool) {
	k, err := sec.GetKey(name)
	if err != nil {
		return
	}
	v, err := k.Bool()
	if err != nil {
		slog.Warn("config: invalid boolean", "key", name, "value", k.String())
		return
	}
	*out = v
}

// WriteINI saves the current settings to an INI file using the same
// sections and key names LoadINI reads, so a written file loads back to an
// identical configuration.
func (c *AppCfg) WriteINI(path string) error {
	f := ini.Empty()

	video, err := f.NewSection("video")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	video.NewKey("card_path", c.CardPath)
	video.NewKey("connector", c.ConnectorName)
	video.NewKey("plane_id", fmt.Sprintf("%d", c.PlaneID))
	video.NewKey("udp_port", fmt.Sprintf("%d", c.UDPPort))
	video.NewKey("vid_pt", fmt.Sprintf("%d", c.VidPT))
	video.NewKey("appsink_max_buffers", fmt.Sprintf("%d", c.AppsinkMaxBuffers))
	video.NewKey("gst_log", fmt.Sprintf("%t", c.GstLog))

	record, err := f.NewSection("record")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	record.NewKey("enable", fmt.Sprintf("%t", c.Record.Enable))
	record.NewKey("output_path", c.Record.OutputPath)
	record.NewKey("mode", c.Record.Mode.String())

	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrConfig, path, err)
	}
	return nil
}
