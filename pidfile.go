package compose

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/liuyuansharp/service-compose/internal/unix"
)

// WritePIDFile atomically records pid at path, creating the parent directory.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(strconv.Itoa(pid)), FileMode); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the pid recorded at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid: %w", err)
	}
	return pid, nil
}

// LivePID returns the pid recorded at path if that process still exists.
func LivePID(path string) (int, bool) {
	pid, err := ReadPIDFile(path)
	if err != nil {
		return 0, false
	}
	if !unix.Alive(pid) {
		return pid, false
	}
	return pid, true
}

// pidClockSlack absorbs the second-granular boot time when comparing a
// process start time with a pidfile mtime.
const pidClockSlack = 2 * time.Second

// OwnerPID is LivePID that also rejects a process started after the
// pidfile was written: its pid was reused once the writer exited.
func OwnerPID(path string) (int, bool) {
	pid, ok := LivePID(path)
	if !ok {
		return pid, false
	}
	info, err := os.Stat(path)
	if err != nil {
		return pid, false
	}
	if started, ok := unix.StartTime(pid); ok && started.After(info.ModTime().Add(pidClockSlack)) {
		return pid, false
	}
	return pid, true
}

// ServicePID returns the pid recorded at path only while it still names a
// supervised child: an OwnerPID that leads its own process group and,
// where the platform exposes the command line, runs something named in
// argv (the service's command and arguments).
func ServicePID(path string, argv []string) (int, bool) {
	pid, ok := OwnerPID(path)
	if !ok || !unix.GroupLeader(pid) {
		return pid, false
	}
	if running, ok := unix.Cmdline(pid); ok && len(argv) > 0 && !runsCommand(running, argv) {
		return pid, false
	}
	return pid, true
}

// runsCommand reports whether the program or script a process runs is
// named anywhere in argv. Base names are compared so PATH lookups,
// interpreters ("python3 run.py") and shells that exec their last command
// ("sh -c 'exec server'") all match.
func runsCommand(running, argv []string) bool {
	names := make(map[string]bool)
	for _, arg := range argv {
		for _, word := range strings.Fields(arg) {
			names[filepath.Base(word)] = true
		}
	}
	if len(running) > 2 {
		running = running[:2]
	}
	for _, arg := range running {
		if names[filepath.Base(arg)] {
			return true
		}
	}
	return false
}

// PIDFileAge returns how long ago the pidfile was written.
func PIDFileAge(path string, now time.Time) (time.Duration, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return now.Sub(info.ModTime()), true
}

// RemovePIDFile deletes the pidfile; a missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing pid file: %w", err)
	}
	return nil
}

// TerminatePID stops the process group led by pid: SIGTERM, then SIGKILL if
// it is still alive after timeout. It reports whether SIGKILL was needed.
func TerminatePID(pid int, timeout time.Duration) (killed bool, err error) {
	if !unix.Alive(pid) {
		return false, nil
	}
	if err := unix.Terminate(pid); err != nil {
		return false, err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !unix.Alive(pid) {
			return false, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return true, unix.Kill(pid)
}
