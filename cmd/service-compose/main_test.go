//go:build linux || darwin

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	compose "github.com/liuyuansharp/service-compose"
	"github.com/liuyuansharp/service-compose/internal/unix"
)

const cliConfig = `services:
  - name: db
    cmd: /bin/sh
    args: ["-c", "sleep 30"]
  - name: api
    cmd: /bin/sh
    args: ["-c", "sleep 30"]
    depends_on: [db]
    heartbeat: mock://ok
    scheduled_restart:
      enabled: true
      cron: "02:30@0"
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cliConfig), 0o644))
	return path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func TestRootFlags(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"-c", "x.yaml", "-s", "api", "-d", "--detach", "--settings", "s.yaml"}))

	flags := cmd.PersistentFlags()
	cfg, _ := flags.GetString("config")
	svc, _ := flags.GetString("service")
	resident, _ := flags.GetBool("daemon")
	detached, _ := flags.GetBool("detach")
	settingsPath, _ := flags.GetString("settings")
	require.Equal(t, "x.yaml", cfg)
	require.Equal(t, "api", svc)
	require.True(t, resident)
	require.True(t, detached)
	require.Equal(t, "s.yaml", settingsPath)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	require.Subset(t, names, []string{"start", "stop", "restart", "status"})
}

func TestScope(t *testing.T) {
	require.Equal(t, "", (&rootOptions{}).scope())
	require.Equal(t, "", (&rootOptions{service: compose.AllServices}).scope())
	require.Equal(t, "api", (&rootOptions{service: "api"}).scope())
}

// startService runs a child the way supervisors do: /bin/sh leading its own
// process group.
func startService(t *testing.T) int {
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

func TestResident(t *testing.T) {
	tests := []struct {
		name    string
		opts    rootOptions
		restart bool
		want    bool
	}{
		{name: "start all", want: true},
		{name: "start one", opts: rootOptions{service: "api"}, want: false},
		{name: "start one resident", opts: rootOptions{service: "api", daemon: true}, want: true},
		{name: "start one detached", opts: rootOptions{service: "api", detach: true}, want: true},
		{name: "restart all", restart: true, want: false},
		{name: "restart all resident", opts: rootOptions{daemon: true}, restart: true, want: true},
		{name: "restart one", opts: rootOptions{service: "api"}, restart: true, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.opts.resident(tt.restart))
		})
	}
}

func TestDetachArgs(t *testing.T) {
	o := &rootOptions{configPath: "svc.yaml", service: "api"}
	require.Equal(t, []string{"start", "--config", "svc.yaml", "--daemon", "--service", "api"}, detachArgs(o))

	o = &rootOptions{configPath: "svc.yaml", settingsPath: "s.yaml", service: compose.AllServices}
	require.Equal(t, []string{"start", "--config", "svc.yaml", "--daemon", "--settings", "s.yaml"}, detachArgs(o))
}

func TestScopedStartAndRestartReturn(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping process test in short mode")
	}
	path := writeConfig(t)
	cfg, err := compose.LoadConfig(path)
	require.NoError(t, err)
	spec, _ := cfg.Service("db")
	pidPath := cfg.PIDPath(spec)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	t.Cleanup(func() { _ = execute(t, "stop", "-c", path, "-s", "db") })

	require.NoError(t, execute(t, "start", "-c", path, "-s", "db"))
	require.NoError(t, ctx.Err(), "a scoped start must return without --daemon")

	first, ok := compose.ServicePID(pidPath, spec.Argv())
	require.True(t, ok, "db keeps running after the command returns")
	_, ok = compose.OwnerPID(compose.ManagerPIDPath(cfg.RunDir, "db"))
	require.False(t, ok, "no resident manager without --daemon")
	_, ok = compose.ServicePID(compose.PIDPath(cfg.RunDir, "api"), nil)
	require.False(t, ok, "other services are untouched")

	require.NoError(t, execute(t, "restart", "-c", path, "-s", "db"))
	require.NoError(t, ctx.Err())
	second, ok := compose.ServicePID(pidPath, spec.Argv())
	require.True(t, ok)
	require.NotEqual(t, first, second)

	require.NoError(t, execute(t, "stop", "-c", path, "-s", "db"))
	_, ok = compose.ServicePID(pidPath, spec.Argv())
	require.False(t, ok)
}

func TestLoadConfigUnknownService(t *testing.T) {
	o := &rootOptions{configPath: writeConfig(t), service: "nope"}
	_, err := o.loadConfig()
	require.ErrorIs(t, err, compose.ErrServiceNotFound)

	err = execute(t, "status", "-c", o.configPath, "-s", "nope")
	require.ErrorIs(t, err, compose.ErrServiceNotFound)
}

func TestPrintStatus(t *testing.T) {
	next := time.Date(2024, time.January, 8, 2, 30, 0, 0, time.Local)
	rows := []compose.Liveness{
		{
			Name: "db", Running: true, PID: 4242, Health: compose.HealthRunning,
			Uptime: "0d 0h 1m 5s", LastLog: "ready",
		},
		{
			Name: "api", Running: true, PID: 4243, Health: compose.HealthAbnormal,
			HealthReason: compose.ReasonTimeout, Uptime: "0d 0h 0m 9s",
			ScheduledRestart: &compose.ScheduleInfo{Enabled: true, Cron: "02:30@0", NextRestart: &next},
		},
		{
			Name: "worker", Health: compose.HealthStopped,
			ScheduledRestart: &compose.ScheduleInfo{Cron: "04:00"},
		},
	}

	var buf bytes.Buffer
	printStatus(&buf, 99, true, rows)
	out := buf.String()

	require.True(t, strings.HasPrefix(out, "Manager: running (pid 99)\n"))
	require.Contains(t, out, "SERVICE")
	require.Regexp(t, `db\s+running\s+4242\s+0d 0h 1m 5s\s+running\s+-\s+ready`, out)
	require.Regexp(t, `api\s+running\s+4243\s+.*abnormal \(timeout\)\s+02:30@0 next 01-08 02:30`, out)
	require.Regexp(t, `worker\s+stopped\s+-\s+-\s+stopped\s+04:00 \(off\)\s+-`, out)
	require.True(t, strings.HasSuffix(out, "Platform: abnormal\n"))

	buf.Reset()
	printStatus(&buf, 0, false, nil)
	require.Contains(t, buf.String(), "Manager: not running")
	require.Contains(t, buf.String(), "Platform: stopped")
}

func TestRunStatus(t *testing.T) {
	path := writeConfig(t)
	cfg, err := compose.LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, compose.WritePIDFile(compose.PIDPath(cfg.RunDir, "api"), startService(t)))

	settingsPath := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(settingsPath, []byte("heartbeat:\n  mock: true\n"), 0o644))

	var out bytes.Buffer
	o := &rootOptions{configPath: path, settingsPath: settingsPath, stdout: &out, stderr: &out}
	require.NoError(t, runStatus(context.Background(), o))
	require.Regexp(t, `api\s+running\s+\d+`, out.String())
	require.Regexp(t, `db\s+stopped`, out.String())
	require.Contains(t, out.String(), "Platform: running")

	out.Reset()
	o.service = "db"
	require.NoError(t, runStatus(context.Background(), o))
	require.NotContains(t, out.String(), "api")
	require.Contains(t, out.String(), "Platform: stopped")
}

func TestManagerPIDPaths(t *testing.T) {
	cfg := &compose.Config{RunDir: "/srv", Services: []compose.ServiceSpec{{Name: "db"}, {Name: "api"}}}
	require.Equal(t, []string{
		compose.ManagerPIDPath("/srv", ""),
		compose.ManagerPIDPath("/srv", "db"),
		compose.ManagerPIDPath("/srv", "api"),
	}, managerPIDPaths(cfg, ""))
	require.Equal(t, []string{compose.ManagerPIDPath("/srv", "api")}, managerPIDPaths(cfg, "api"))
}

func TestStopManagers(t *testing.T) {
	cfg := &compose.Config{RunDir: t.TempDir(), Services: []compose.ServiceSpec{{Name: "db"}}}

	child := exec.Command("sleep", "30")
	require.NoError(t, child.Start())
	exited := make(chan struct{})
	go func() {
		_ = child.Wait()
		close(exited)
	}()

	scoped := compose.ManagerPIDPath(cfg.RunDir, "db")
	self := compose.ManagerPIDPath(cfg.RunDir, "")
	require.NoError(t, compose.WritePIDFile(scoped, child.Process.Pid))
	require.NoError(t, compose.WritePIDFile(self, os.Getpid()))

	stopManagers(cfg, "", zerolog.Nop())

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("manager process was not terminated")
	}
	_, err := os.Stat(scoped)
	require.ErrorIs(t, err, os.ErrNotExist)

	pid, err := compose.ReadPIDFile(self)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)
}
