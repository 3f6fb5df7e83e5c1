//go:build linux || darwin

package compose

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liuyuansharp/service-compose/internal/unix"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "svc.pid")
	require.NoError(t, WritePIDFile(path, 1234))

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	require.Equal(t, 1234, pid)

	require.NoError(t, RemovePIDFile(path))
	require.NoError(t, RemovePIDFile(path))
	_, ok := LivePID(path)
	require.False(t, ok)
}

func TestServicePID(t *testing.T) {
	dir := t.TempDir()
	child := startGroupLeader(t)

	path := filepath.Join(dir, "svc.pid")
	require.NoError(t, WritePIDFile(path, child))

	pid, ok := ServicePID(path, []string{"/bin/sh", "-c", "sleep 30; :"})
	require.True(t, ok)
	require.Equal(t, child, pid)

	if _, ok := unix.Cmdline(child); ok {
		_, ok = ServicePID(path, []string{"/usr/bin/python3", "app.py"})
		require.False(t, ok, "a different command is not the service")
	}

	other := filepath.Join(dir, "other.pid")
	require.NoError(t, WritePIDFile(other, startInGroup(t)))
	_, ok = OwnerPID(other)
	require.True(t, ok)
	_, ok = ServicePID(other, nil)
	require.False(t, ok, "a process outside its own group is not a supervised child")
}

func TestOwnerPIDRejectsReusedPid(t *testing.T) {
	child := startGroupLeader(t)
	if _, ok := unix.StartTime(child); !ok {
		t.Skip("process start time unavailable")
	}

	path := filepath.Join(t.TempDir(), "svc.pid")
	require.NoError(t, WritePIDFile(path, child))
	_, ok := OwnerPID(path)
	require.True(t, ok)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	_, ok = OwnerPID(path)
	require.False(t, ok)
	_, ok = ServicePID(path, nil)
	require.False(t, ok)
}

func TestRunsCommand(t *testing.T) {
	sh := []string{"/bin/sh", "-c", "sleep 30"}
	require.True(t, runsCommand([]string{"/bin/sh", "-c", "sleep 30"}, sh))
	require.True(t, runsCommand([]string{"sleep", "30"}, sh), "the shell may exec its only command")
	require.True(t, runsCommand([]string{"/usr/bin/python3", "/srv/app/run.py"}, []string{"./run.py"}))
	require.True(t, runsCommand([]string{"nginx"}, []string{"/usr/sbin/nginx"}))
	require.False(t, runsCommand([]string{"sleep", "30"}, []string{"/bin/sh", "-c", "tail -f /dev/null"}))
	require.False(t, runsCommand([]string{"vim", "notes.txt", "/bin/sh"}, sh), "only the program and its script count")
}
