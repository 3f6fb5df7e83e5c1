//go:build linux || darwin

package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	compose "github.com/liuyuansharp/service-compose"
	"github.com/liuyuansharp/service-compose/internal/settings"
)

const daemonConfig = `services:
  - name: db
    cmd: /bin/sh
    args: ["-c", "echo ready; sleep 30"]
  - name: web
    cmd: /bin/sh
    args: ["-c", "sleep 30"]
    depends_on: [db]
`

func writeServices(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte(daemonConfig), 0o644))
	return path
}

func testSettings() *settings.Settings {
	s := settings.Default()
	s.Server.Listen = "127.0.0.1:0"
	s.Server.ShutdownTimeout = time.Second
	s.Manager.StopTimeout = 2 * time.Second
	s.Manager.LevelPause = 10 * time.Millisecond
	s.Manager.RestartPause = 10 * time.Millisecond
	s.Scheduler.CheckInterval = time.Hour
	return &s
}

func runApp(t *testing.T, app *App) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	var stopped bool
	var result error
	cancel = func() error {
		if stopped {
			return result
		}
		stopped = true
		stop()
		select {
		case result = <-done:
		case <-time.After(15 * time.Second):
			result = errors.New("Run did not return")
		}
		return result
	}
	t.Cleanup(func() { _ = cancel() })
	return cancel
}

func TestAppRunAllScope(t *testing.T) {
	path := writeServices(t)
	addr := make(chan string, 1)

	app, err := New(context.Background(), Options{
		ConfigPath: path,
		Settings:   testSettings(),
		Log:        zerolog.Nop(),
		Addr:       addr,
	})
	require.NoError(t, err)
	cancel := runApp(t, app)

	runDir := filepath.Dir(path)
	require.Eventually(t, func() bool {
		pid, alive := compose.LivePID(compose.ManagerPIDPath(runDir, ""))
		return alive && pid == os.Getpid()
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, st := range app.Manager().Status() {
			if !st.Running {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	var base string
	select {
	case a := <-addr:
		base = "http://" + a
	case <-time.After(5 * time.Second):
		t.Fatal("API did not start listening")
	}

	resp, err := http.Get(base + "/api/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Running int `json:"running"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, 2, status.Running)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(compose.LogPath(runDir, "db"))
		return err == nil && len(data) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, cancel())

	for _, name := range []string{"db", "web"} {
		_, alive := compose.LivePID(compose.PIDPath(runDir, name))
		require.False(t, alive, name)
	}
	_, err = os.Stat(compose.ManagerPIDPath(runDir, ""))
	require.True(t, os.IsNotExist(err))
}

func TestAppRunScoped(t *testing.T) {
	path := writeServices(t)
	s := testSettings()
	s.Server.Listen = ""

	app, err := New(context.Background(), Options{
		ConfigPath: path,
		Service:    "web",
		Settings:   s,
		Log:        zerolog.Nop(),
	})
	require.NoError(t, err)
	require.Nil(t, app.sched)
	cancel := runApp(t, app)

	runDir := filepath.Dir(path)
	require.Eventually(t, func() bool {
		_, alive := compose.LivePID(compose.PIDPath(runDir, "web"))
		return alive
	}, 5*time.Second, 10*time.Millisecond)
	require.FileExists(t, compose.ManagerPIDPath(runDir, "web"))

	_, alive := compose.LivePID(compose.PIDPath(runDir, "db"))
	require.False(t, alive, "scoped manager must only start its own service")

	require.NoError(t, cancel())
	_, alive = compose.LivePID(compose.PIDPath(runDir, "web"))
	require.False(t, alive)
}

func TestNewUnknownService(t *testing.T) {
	_, err := New(context.Background(), Options{
		ConfigPath: writeServices(t),
		Service:    "ghost",
		Log:        zerolog.Nop(),
	})
	require.ErrorIs(t, err, compose.ErrServiceNotFound)
}

func TestRunRefusesSecondManager(t *testing.T) {
	path := writeServices(t)
	runDir := filepath.Dir(path)

	other := exec.Command("sleep", "30")
	require.NoError(t, other.Start())
	t.Cleanup(func() {
		_ = other.Process.Kill()
		_ = other.Wait()
	})
	require.NoError(t, compose.WritePIDFile(compose.ManagerPIDPath(runDir, ""), other.Process.Pid))

	s := testSettings()
	s.Server.Listen = ""
	app, err := New(context.Background(), Options{ConfigPath: path, Settings: s, Log: zerolog.Nop()})
	require.NoError(t, err)

	err = app.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)
}
