//go:build linux || darwin

package compose

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, services ...ServiceSpec) *Manager {
	t.Helper()
	cfg := &Config{Path: filepath.Join(t.TempDir(), "services.yaml"), Services: services}
	cfg.RunDir = filepath.Dir(cfg.Path)

	mgr, err := NewManager(context.Background(), cfg,
		WithConcurrency(2),
		WithLevelPause(10*time.Millisecond),
		WithRestartPause(10*time.Millisecond),
		WithManagerStopTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = mgr.Close(context.Background(), time.Second)
	})
	return mgr
}

func withDeps(spec ServiceSpec, deps ...string) ServiceSpec {
	spec.DependsOn = deps
	return spec
}

func TestManagerLevels(t *testing.T) {
	mgr := newTestManager(t,
		shSpec("a", "sleep 30"),
		withDeps(shSpec("b", "sleep 30"), "a"),
		withDeps(shSpec("c", "sleep 30"), "a"),
	)
	require.Equal(t, [][]string{{"a"}, {"b", "c"}}, mgr.Levels())
}

func TestManagerCycleFallsBackToSingleLevel(t *testing.T) {
	mgr := newTestManager(t,
		withDeps(shSpec("b", "sleep 30"), "a"),
		withDeps(shSpec("a", "sleep 30"), "b"),
	)
	require.Equal(t, [][]string{{"b", "a"}}, mgr.Levels())
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	cfg := &Config{Services: []ServiceSpec{shSpec("a", "true"), shSpec("a", "true")}}
	_, err := NewManager(context.Background(), cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestManagerUnknownService(t *testing.T) {
	mgr := newTestManager(t, shSpec("a", "sleep 30"))
	ctx := context.Background()

	for _, err := range []error{
		mgr.StartService(ctx, "nope"),
		mgr.StopService(ctx, "nope"),
		mgr.RestartService(ctx, "nope"),
	} {
		if !errors.Is(err, ErrServiceNotFound) {
			t.Fatalf("expected ErrServiceNotFound, got %v", err)
		}
		var opErr *OpError
		require.ErrorAs(t, err, &opErr)
		require.Equal(t, "nope", opErr.Service)
	}
}

func TestManagerStartAllStopAll(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping process test in short mode")
	}

	mgr := newTestManager(t,
		withDeps(shSpec("web", "sleep 30"), "api"),
		withDeps(shSpec("api", "sleep 30"), "db"),
		shSpec("db", "sleep 30"),
	)
	ctx := context.Background()

	events, cancel := mgr.Subscribe(64)
	defer cancel()

	require.NoError(t, mgr.StartAll(ctx))

	status := mgr.Status()
	require.Len(t, status, 3)
	for _, st := range status {
		require.True(t, st.Running, "%s should be running", st.Name)
		require.FileExists(t, PIDPath(mgr.Config().RunDir, st.Name))
	}
	require.Equal(t, "web", status[0].Name, "status follows config order")

	var order []string
	timeout := time.After(5 * time.Second)
	for len(order) < 3 {
		select {
		case ev := <-events:
			if ev.State == StateRunning {
				order = append(order, ev.Service)
			}
		case <-timeout:
			t.Fatalf("only saw %v start", order)
		}
	}
	require.Equal(t, []string{"db", "api", "web"}, order)

	require.NoError(t, mgr.StopAll(ctx))
	for _, st := range mgr.Status() {
		require.False(t, st.Running, "%s should be stopped", st.Name)
		require.NoFileExists(t, PIDPath(mgr.Config().RunDir, st.Name))
	}
}

func TestManagerRestartService(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping process test in short mode")
	}

	mgr := newTestManager(t, shSpec("a", "sleep 30"))
	ctx := context.Background()

	require.NoError(t, mgr.Do(ctx, OpStart, "a"))
	sup, ok := mgr.Supervisor("a")
	require.True(t, ok)
	before := sup.Snapshot().PID

	require.NoError(t, mgr.Do(ctx, OpRestart, "a"))
	after := sup.Snapshot()
	require.True(t, after.Running)
	require.NotEqual(t, before, after.PID)
	require.Zero(t, after.RestartCount)

	require.NoError(t, mgr.Do(ctx, OpStop, AllServices))
	require.False(t, sup.Running())
}

func TestManagerReload(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping process test in short mode")
	}

	mgr := newTestManager(t, shSpec("keep", "sleep 30"), shSpec("drop", "sleep 30"))
	ctx := context.Background()
	require.NoError(t, mgr.StartAll(ctx))

	dropped, _ := mgr.Supervisor("drop")
	dropPID := dropped.PIDPath()

	next := *mgr.Config()
	next.Services = []ServiceSpec{shSpec("keep", "sleep 60"), shSpec("added", "sleep 30")}
	require.NoError(t, mgr.Reload(ctx, &next))

	_, ok := mgr.Supervisor("drop")
	require.False(t, ok)
	require.False(t, dropped.Running())
	_, err := os.Stat(dropPID)
	require.True(t, os.IsNotExist(err))

	keep, ok := mgr.Supervisor("keep")
	require.True(t, ok)
	require.True(t, keep.Running(), "reload does not restart existing services")
	require.Equal(t, []string{"-c", "sleep 60"}, keep.Spec().Args)

	added, ok := mgr.Supervisor("added")
	require.True(t, ok)
	require.False(t, added.Running())
}

func TestManagerReloadMovesPaths(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping process test in short mode")
	}

	mgr := newTestManager(t, shSpec("api", "sleep 30"), shSpec("idle", "sleep 30"))
	ctx := context.Background()
	require.NoError(t, mgr.StartService(ctx, "api"))

	before, _ := mgr.Supervisor("api")
	oldPID := before.PIDPath()
	firstPID := before.Snapshot().PID

	next := *mgr.Config()
	next.RunDir = t.TempDir()
	next.Services = append([]ServiceSpec(nil), next.Services...)
	require.NoError(t, mgr.Reload(ctx, &next))

	after, ok := mgr.Supervisor("api")
	require.True(t, ok)
	require.NotSame(t, before, after)
	require.Equal(t, PIDPath(next.RunDir, "api"), after.PIDPath())
	require.False(t, before.Running())
	require.NoFileExists(t, oldPID)

	snap := after.Snapshot()
	require.True(t, snap.Running, "a running service is restarted under its new paths")
	require.NotEqual(t, firstPID, snap.PID)
	pid, err := ReadPIDFile(after.PIDPath())
	require.NoError(t, err)
	require.Equal(t, snap.PID, pid)

	idle, _ := mgr.Supervisor("idle")
	require.Equal(t, PIDPath(next.RunDir, "idle"), idle.PIDPath())
	require.False(t, idle.Running(), "a stopped service stays stopped")
}

func TestMultiErrorUnwrap(t *testing.T) {
	merr := &MultiError{}
	require.NoError(t, merr.Err())

	merr.Add(nil)
	merr.Add(&OpError{Op: OpStart, Service: "x", Err: ErrServiceNotFound})
	merr.Add(&ConflictError{Target: "y"})

	err := merr.Err()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrServiceNotFound)
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t,
		`2 services failed: compose start "x": compose: service not found; compose: "y" is busy, try again later`,
		err.Error())
}
