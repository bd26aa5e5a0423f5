// Command pixelpilot-mini-rk receives an RTP/H.265 stream over UDP and
// feeds it to a hardware decoder rendering on a DRM overlay plane, with
// optional MP4 recording. This binary wires the ingest pipeline to the
// display and decoder adapters and runs the signal-driven supervisor loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/sickgreg/pixelpilot-mini-rk/internal/config"
	"github.com/sickgreg/pixelpilot-mini-rk/internal/display"
	"github.com/sickgreg/pixelpilot-mini-rk/internal/instance"
	"github.com/sickgreg/pixelpilot-mini-rk/internal/pipeline"
)

var version = "dev"

// pollInterval is the supervisor loop cadence for signal intents and child
// polling.
const pollInterval = 200 * time.Millisecond

// stopHardDeadline forces process exit when a graceful stop hangs.
const stopHardDeadline = 5 * time.Second

// intents collects what the signal watcher asked the supervisor to do.
type intents struct {
	exit        atomic.Bool
	restart     atomic.Bool
	startRecord atomic.Bool
	stopRecord  atomic.Bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.ParseCLI("pixelpilot-mini-rk", args, os.Stderr)
	if errors.Is(err, config.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pixelpilot-mini-rk: %v\n", err)
		return 2
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	cfg.MaybeEnableGstLog()

	guard, err := instance.Acquire(instance.DefaultPIDPath)
	if err != nil {
		slog.Error("refusing to start", "error", err)
		return 1
	}
	defer guard.Release()

	slog.Info("pixelpilot-mini-rk starting",
		"version", version,
		"udp_port", cfg.UDPPort,
		"vid_pt", cfg.VidPT,
		"card", cfg.CardPath,
	)

	// Signals funnel into intents before any hardware is touched, so an
	// early SIGTERM still shuts the process down through the normal path.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var flags intents

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	g.Go(func() error {
		watchSignals(ctx, sigCh, &flags)
		return nil
	})

	cardFD, err := unix.Open(cfg.CardPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		slog.Error("open DRM card failed", "path", cfg.CardPath, "error",
			fmt.Errorf("%w: %v", display.ErrDisplay, err))
		return 1
	}
	defer unix.Close(cardFD)

	ms, err := modesetProvider.Apply(cardFD, cfg.ConnectorName, cfg.PlaneID)
	if err != nil {
		slog.Error("display configuration failed", "error",
			fmt.Errorf("%w: %v", display.ErrDisplay, err))
		return 1
	}
	slog.Info("display configured",
		"connector", ms.ConnectorName,
		"plane_id", ms.PlaneID,
		"mode", fmt.Sprintf("%dx%d", ms.Width, ms.Height),
	)

	p := pipeline.New(newDecoder(), slog.Default())
	if err := p.Start(cfg, ms, cardFD); err != nil {
		slog.Error("pipeline start failed", "error", err)
		return 1
	}

	if cfg.Record.Enable {
		if err := p.EnableRecording(cfg.Record); err != nil {
			slog.Warn("failed to start MP4 recorder; continuing without recording", "error", err)
		}
	}

	g.Go(func() error {
		logStats(ctx, p)
		return nil
	})

	exitCode := superviseLoop(cfg, p, ms, cardFD, &flags)

	// Graceful stop with a hard deadline: a wedged teardown must not hold
	// the process hostage.
	stopDone := make(chan struct{})
	go func() {
		p.Stop(pipeline.DefaultStopWait)
		close(stopDone)
	}()
	select {
	case <-stopDone:
	case <-time.After(stopHardDeadline):
		slog.Error("pipeline stop timed out; forcing process exit")
		os.Exit(128)
	}

	cancel()
	g.Wait()

	slog.Info("bye")
	return exitCode
}

// superviseLoop polls signal intents and the pipeline's own exit on a fixed
// cadence. Returns the process exit code.
func superviseLoop(cfg *config.AppCfg, p *pipeline.Pipeline, ms *display.ModesetResult, cardFD int, flags *intents) int {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		if flags.exit.Load() {
			slog.Info("exit requested; preparing to stop pipeline")
			return 0
		}

		if flags.startRecord.Swap(false) {
			if !cfg.Record.Enable {
				cfg.Record.Enable = true
				slog.Info("SIGUSR1: enabling MP4 recording")
			} else {
				slog.Info("SIGUSR1: recording already enabled")
			}
			if p.State() == pipeline.StateRunning {
				if err := p.EnableRecording(cfg.Record); err != nil {
					slog.Warn("failed to enable recording on running pipeline", "error", err)
				}
			}
		}

		if flags.stopRecord.Swap(false) {
			if cfg.Record.Enable {
				slog.Info("SIGUSR2: disabling MP4 recording")
				cfg.Record.Enable = false
			} else {
				slog.Info("SIGUSR2: recording already disabled")
			}
			if p.State() == pipeline.StateRunning {
				p.DisableRecording()
			}
		}

		if flags.restart.Swap(false) {
			slog.Info("restarting pipeline")
			p.Stop(pipeline.DefaultStopWait)
			if err := p.Start(cfg, ms, cardFD); err != nil {
				slog.Error("pipeline restart failed", "error", err)
				return 1
			}
			if cfg.Record.Enable {
				if err := p.EnableRecording(cfg.Record); err != nil {
					slog.Warn("failed to re-enable recording after restart", "error", err)
				}
			}
		}

		p.PollChild()
		if p.State() == pipeline.StateStopped {
			slog.Info("pipeline stopped; exiting main loop")
			return 0
		}
	}
	return 0
}

// watchSignals translates process signals into supervisor intents. All
// signal handling funnels through here; the supervisor loop consumes the
// flags on its polling cadence.
func watchSignals(ctx context.Context, sigCh <-chan os.Signal, flags *intents) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGINT:
				slog.Info("SIGINT received; shutting down")
				flags.exit.Store(true)
			case syscall.SIGTERM:
				slog.Info("SIGTERM received; shutting down")
				flags.exit.Store(true)
			case syscall.SIGHUP:
				slog.Info("SIGHUP received; scheduling pipeline restart")
				flags.restart.Store(true)
			case syscall.SIGUSR1:
				slog.Info("SIGUSR1 received; enabling recording")
				flags.startRecord.Store(true)
			case syscall.SIGUSR2:
				slog.Info("SIGUSR2 received; disabling recording")
				flags.stopRecord.Store(true)
			}
		}
	}
}

// logStats emits a periodic counter summary at debug level.
func logStats(ctx context.Context, p *pipeline.Pipeline) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.State() != pipeline.StateRunning {
				continue
			}
			s := p.Snapshot()
			slog.Debug("pipeline counters",
				"received", s.Ingest.Received,
				"filtered", s.Ingest.Filtered,
				"level_dropped", s.Ingest.LevelDropped,
				"lost", s.Graph.PacketsLost,
				"aus", s.Graph.AUsProduced,
				"sink_dropped", s.Graph.AUsDropped,
				"consumed", s.Consumed,
				"oversize_skips", s.OversizeSkips,
				"feed_busy", s.FeedBusy,
			)
		}
	}
}
