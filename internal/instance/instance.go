// Package instance enforces the single-process guarantee with a PID file:
// the file is created exclusively, a stale file left by a dead process is
// reclaimed, and a live owner refuses the new instance.
package instance

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultPIDPath is where the guard lives unless overridden (tests use a
// temp directory).
const DefaultPIDPath = "/tmp/pixelpilot_mini_rk.pid"

// ErrSingleInstance reports that another live instance owns the PID file.
var ErrSingleInstance = errors.New("another instance is already running")

// Guard holds the acquired PID file until Release.
type Guard struct {
	path string
}

// Acquire takes ownership of the PID file at path, reclaiming it when the
// recorded process is no longer alive. Returns ErrSingleInstance when a
// live owner exists.
func Acquire(path string) (*Guard, error) {
	for {
		err := writePIDFile(path)
		if err == nil {
			return &Guard{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create %s: %w", path, err)
		}

		pid, ok := readExistingPID(path)
		if ok && processAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d)", ErrSingleInstance, pid)
		}

		// Stale file: clear it and retry the exclusive create.
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("clear stale pid file %s: %w", path, err)
		}
	}
}

// Release removes the PID file. Safe to call more than once.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	if err := os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to remove %s: %v\n", g.path, err)
	}
}

// Path returns the guarded PID file path.
func (g *Guard) Path() string {
	return g.path
}

func writePIDFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(path)
		if werr != nil {
			return werr
		}
		return cerr
	}
	return nil
}

func readExistingPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive probes with signal 0. EPERM means the process exists but is
// owned by someone else, which still counts as alive.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
