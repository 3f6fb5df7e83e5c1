//go:build linux || darwin

// Package unix provides process-group helpers for supervised children.
package unix

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// ProcGroupAttr returns attributes that make a spawned child the leader of
// a new process group, so its whole subtree can be signaled together.
func ProcGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// GroupLeader reports whether pid leads its own process group, as every
// supervised child does.
func GroupLeader(pid int) bool {
	if pid <= 0 {
		return false
	}
	pgid, err := unix.Getpgid(pid)
	return err == nil && pgid == pid
}

// Terminate sends SIGTERM to the process group led by pid, or to pid alone
// when it does not lead a group.
func Terminate(pid int) error {
	return signalGroupOrProcess(pid, unix.SIGTERM)
}

// Kill sends SIGKILL to the process group led by pid, or to pid alone when
// it does not lead a group.
func Kill(pid int) error {
	return signalGroupOrProcess(pid, unix.SIGKILL)
}

func signalGroupOrProcess(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return unix.EINVAL
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return Signal(pid, sig)
	}
	return err
}

// Alive reports whether pid names an existing process. EPERM means the
// process exists but belongs to someone else.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Signal sends sig to a single process.
func Signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return unix.EINVAL
	}
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// DetachAttr returns attributes that start a child in a new session,
// detached from the caller's terminal and process group.
func DetachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
