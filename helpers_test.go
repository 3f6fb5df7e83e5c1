package compose

import (
	"bytes"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liuyuansharp/service-compose/internal/unix"
)

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// eventLog records supervisor events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(st State) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.State == st {
			n++
		}
	}
	return n
}

func (l *eventLog) backoffs() (delays []time.Duration, counts []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.State == StateBackoff {
			delays = append(delays, ev.Delay)
			counts = append(counts, ev.RestartCount)
		}
	}
	return delays, counts
}

func shSpec(name, script string) ServiceSpec {
	return ServiceSpec{Name: name, Cmd: "/bin/sh", Args: []string{"-c", script}}
}

// startGroupLeader runs "/bin/sh -c 'sleep 30; :'" in its own process group,
// the way supervisors spawn children, and returns its pid.
func startGroupLeader(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", "sleep 30; :")
	cmd.SysProcAttr = unix.ProcGroupAttr()
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = unix.Kill(cmd.Process.Pid)
		_ = cmd.Wait()
	})
	return cmd.Process.Pid
}

// startInGroup runs "sleep 30" inside the test's own process group, so it
// never leads a group.
func startInGroup(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd.Process.Pid
}
