package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	compose "github.com/liuyuansharp/service-compose"
	"github.com/liuyuansharp/service-compose/internal/daemon"
	"github.com/liuyuansharp/service-compose/internal/logging"
	"github.com/liuyuansharp/service-compose/internal/unix"
)

func newStartCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start services; starting every service keeps supervising until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd.Context(), o, o.resident(false))
		},
	}
}

// runStart starts the services in scope. A resident start hosts the
// supervision loops, scheduler and API until SIGINT/SIGTERM; otherwise the
// services are started and the command returns, leaving them running
// under their pidfiles.
func runStart(ctx context.Context, o *rootOptions, resident bool) error {
	s, err := o.settings()
	if err != nil {
		return err
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}

	background := os.Getenv(envDaemonized) != ""
	if o.detach && !background {
		return detach(o, cfg)
	}
	if !resident {
		return runOnce(ctx, cfg, o.scope(), compose.OpStart, s, o.logger(s, nil))
	}

	files := logging.NewFiles()
	if !background {
		files.Echo = o.stderr
	}
	managerLog, err := files.Writer(compose.ManagerLogPath(cfg.RunDir, o.scope()))
	if err != nil {
		return fmt.Errorf("opening manager log: %w", err)
	}
	log := o.logger(s, managerLog)

	app, err := daemon.New(ctx, daemon.Options{
		ConfigPath: o.configPath,
		Service:    o.scope(),
		Settings:   s,
		Log:        log,
		Files:      files,
	})
	if err != nil {
		_ = files.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}

// detachArgs is the command line of the background manager: a resident
// start of the same scope.
func detachArgs(o *rootOptions) []string {
	args := []string{"start", "--config", o.configPath, "--daemon"}
	if o.settingsPath != "" {
		args = append(args, "--settings", o.settingsPath)
	}
	if s := o.scope(); s != "" {
		args = append(args, "--service", s)
	}
	return args
}

// detach re-executes a resident start in a new session, detached from the
// terminal, and returns once the child has been spawned.
func detach(o *rootOptions, cfg *compose.Config) error {
	pidPath := compose.ManagerPIDPath(cfg.RunDir, o.scope())
	if pid, alive := compose.OwnerPID(pidPath); alive {
		return fmt.Errorf("%w (pid %d)", daemon.ErrAlreadyRunning, pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer func() { _ = devNull.Close() }()

	child := exec.Command(exe, detachArgs(o)...)
	child.Env = append(os.Environ(), envDaemonized+"=1")
	child.Stdin = devNull
	child.Stdout = devNull
	child.Stderr = devNull
	child.SysProcAttr = unix.DetachAttr()
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting background manager: %w", err)
	}
	_ = child.Process.Release()

	fmt.Fprintf(o.stdout, "Manager started in background (pid %d), log: %s\n",
		child.Process.Pid, compose.ManagerLogPath(cfg.RunDir, o.scope()))
	return nil
}
