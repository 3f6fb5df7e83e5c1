//go:build darwin

package unix

import (
	"time"

	"golang.org/x/sys/unix"
)

// StartTime returns when pid was started, read from the kern.proc sysctl.
func StartTime(pid int) (time.Time, bool) {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil || kp.Proc.P_pid != int32(pid) {
		return time.Time{}, false
	}
	sec, nsec := kp.Proc.P_starttime.Unix()
	return time.Unix(sec, nsec), true
}

// Cmdline is not exposed without KERN_PROCARGS2 parsing; callers skip the
// command comparison.
func Cmdline(int) ([]string, bool) {
	return nil, false
}
