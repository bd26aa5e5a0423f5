// Package config resolves the application configuration from defaults, an
// optional INI file, and CLI flags. Resolution order is defaults, then INI,
// then CLI: the --config file is loaded in a first pass and every other flag
// is applied afterwards, so a CLI value always wins over an INI value for
// the same key.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Parse failures and help requests surfaced by ParseCLI.
var (
	ErrConfig = errors.New("invalid configuration")
	ErrHelp   = errors.New("help requested")
)

// RecordMode selects how the MP4 recorder lays out its output.
type RecordMode int

const (
	RecordModeStandard RecordMode = iota
	RecordModeSequential
	RecordModeFragmented
)

var recordModeAliases = []struct {
	name string
	mode RecordMode
}{
	{"standard", RecordModeStandard},
	{"default", RecordModeStandard},
	{"sequential", RecordModeSequential},
	{"append", RecordModeSequential},
	{"fragmented", RecordModeFragmented},
	{"fragment", RecordModeFragmented},
}

// ParseRecordMode resolves a mode name or alias, case-insensitively.
func ParseRecordMode(value string) (RecordMode, error) {
	for _, a := range recordModeAliases {
		if strings.EqualFold(value, a.name) {
			return a.mode, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown record mode %q", ErrConfig, value)
}

// String returns the canonical name of the record mode.
func (m RecordMode) String() string {
	switch m {
	case RecordModeStandard:
		return "standard"
	case RecordModeSequential:
		return "sequential"
	case RecordModeFragmented:
		return "fragmented"
	default:
		return "unknown"
	}
}

// RecordCfg configures the MP4 recorder.
type RecordCfg struct {
	Enable     bool
	OutputPath string
	Mode       RecordMode
}

// AppCfg is the resolved application configuration.
type AppCfg struct {
	CardPath      string
	ConnectorName string
	ConfigPath    string
	PlaneID       int

	UDPPort           int
	VidPT             int
	AppsinkMaxBuffers int
	GstLog            bool
	Verbose           bool

	Record RecordCfg
}

// Defaults returns the built-in configuration.
func Defaults() *AppCfg {
	return &AppCfg{
		CardPath:          "/dev/dri/card0",
		PlaneID:           76,
		UDPPort:           5600,
		VidPT:             97,
		AppsinkMaxBuffers: 4,
		Record: RecordCfg{
			OutputPath: "/media",
			Mode:       RecordModeSequential,
		},
	}
}

func usage(w io.Writer, prog string) {
	fmt.Fprintf(w,
		"Usage: %s [options]\n"+
			"  --card PATH                 DRM card path (default: /dev/dri/card0)\n"+
			"  --connector NAME            Connector name, e.g. HDMI-A-1 (default: auto)\n"+
			"  --plane-id N                Video plane ID (default: 76)\n"+
			"  --config PATH               Load configuration from ini file\n"+
			"  --udp-port N                UDP listen port (default: 5600)\n"+
			"  --vid-pt N                  RTP payload type for video (default: 97)\n"+
			"  --appsink-max-buffers N     Max buffers queued on the AU sink (default: 4)\n"+
			"  --record-video [PATH]       Enable MP4 recording (optional output path)\n"+
			"  --record-mode MODE          MP4 recording mode (standard|sequential|fragmented)\n"+
			"  --no-record-video           Disable MP4 recording\n"+
			"  --gst-log                   Export GST_DEBUG=3 when not already set\n"+
			"  --verbose                   Enable verbose logging\n"+
			"  --help                      Show this help text\n",
		prog)
}

func parseIntArg(opt, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer for %s: %q", ErrConfig, opt, value)
	}
	return v, nil
}

// ParseCLI resolves the configuration from the given argument list (without
// the program name). Help output and parse diagnostics go to stderr.
// Returns ErrHelp when --help was requested.
func ParseCLI(prog string, args []string, stderr io.Writer) (*AppCfg, error) {
	cfg := Defaults()

	// First pass: --help short-circuits, --config loads the INI layer so
	// that the second pass lets every other CLI flag override it.
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--help", "-h":
			usage(stderr, prog)
			return nil, ErrHelp
		case "--config":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%w: --config requires a path", ErrConfig)
			}
			i++
			cfg.ConfigPath = args[i]
			if err := LoadINI(cfg.ConfigPath, cfg); err != nil {
				return nil, err
			}
		}
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		needValue := func(opt string) (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%w: %s requires a value", ErrConfig, opt)
			}
			i++
			return args[i], nil
		}

		switch arg {
		case "--config":
			i++ // already handled in the first pass

		case "--card":
			v, err := needValue(arg)
			if err != nil {
				return nil, err
			}
			cfg.CardPath = v

		case "--connector":
			v, err := needValue(arg)
			if err != nil {
				return nil, err
			}
			cfg.ConnectorName = v

		case "--plane-id":
			v, err := needValue(arg)
			if err != nil {
				return nil, err
			}
			if cfg.PlaneID, err = parseIntArg(arg, v); err != nil {
				return nil, err
			}

		case "--udp-port":
			v, err := needValue(arg)
			if err != nil {
				return nil, err
			}
			if cfg.UDPPort, err = parseIntArg(arg, v); err != nil {
				return nil, err
			}

		case "--vid-pt":
			v, err := needValue(arg)
			if err != nil {
				return nil, err
			}
			if cfg.VidPT, err = parseIntArg(arg, v); err != nil {
				return nil, err
			}

		case "--appsink-max-buffers":
			v, err := needValue(arg)
			if err != nil {
				return nil, err
			}
			if cfg.AppsinkMaxBuffers, err = parseIntArg(arg, v); err != nil {
				return nil, err
			}

		case "--record-video":
			cfg.Record.Enable = true
			// The path operand is optional: consume the next argument only
			// when it does not look like another flag.
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
				i++
				cfg.Record.OutputPath = args[i]
			}

		case "--record-mode":
			v, err := needValue(arg)
			if err != nil {
				return nil, err
			}
			mode, err := ParseRecordMode(v)
			if err != nil {
				return nil, err
			}
			cfg.Record.Mode = mode

		case "--no-record-video":
			cfg.Record.Enable = false

		case "--gst-log":
			cfg.GstLog = true

		case "--verbose":
			cfg.Verbose = true

		default:
			usage(stderr, prog)
			return nil, fmt.Errorf("%w: unknown option %q", ErrConfig, arg)
		}
	}

	return cfg, nil
}

// MaybeEnableGstLog exports GST_DEBUG=3 when --gst-log was given and the
// environment does not already set it. Kept for drop-in compatibility with
// external tooling that watches this variable.
func (c *AppCfg) MaybeEnableGstLog() {
	if c.GstLog && os.Getenv("GST_DEBUG") == "" {
		os.Setenv("GST_DEBUG", "3")
	}
}
