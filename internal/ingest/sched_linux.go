package ingest

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// Receive-thread scheduling: round-robin real-time with a small priority,
// slightly above the AU consumer, so ingest keeps draining the socket under
// load spikes. Falls back to a niceness bump when RT scheduling is denied.
const (
	rxSchedPriority = 12
	rxNice          = -12
)

func boostReceivePriority(log *slog.Logger) {
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_RR,
		Priority: rxSchedPriority,
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		log.Debug("SCHED_RR unavailable, falling back to niceness", "error", err)
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, rxNice); err != nil {
			log.Debug("niceness bump failed", "error", err)
		}
	}
}
