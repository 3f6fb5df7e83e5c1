package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	compose "github.com/liuyuansharp/service-compose"
	"github.com/liuyuansharp/service-compose/internal/logging"
	"github.com/liuyuansharp/service-compose/internal/settings"
)

// managerStopWait is how long a resident manager gets to exit after SIGTERM.
const managerStopWait = 5 * time.Second

func newStopCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop services and the resident manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStop(cmd.Context(), o)
		},
	}
}

func newRestartCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop, then start services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := runStop(cmd.Context(), o); err != nil {
				return err
			}
			return runStart(cmd.Context(), o, o.resident(true))
		},
	}
}

func runStop(ctx context.Context, o *rootOptions) error {
	s, err := o.settings()
	if err != nil {
		return err
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	log := o.logger(s, nil)

	stopManagers(cfg, o.scope(), log)
	return runOnce(ctx, cfg, o.scope(), compose.OpStop, s, log)
}

// managerPIDPaths lists the manager pidfiles a stop in scope must clear:
// the scoped manager for one service, or every manager for all services.
func managerPIDPaths(cfg *compose.Config, scope string) []string {
	if scope != "" {
		return []string{compose.ManagerPIDPath(cfg.RunDir, scope)}
	}
	paths := []string{compose.ManagerPIDPath(cfg.RunDir, "")}
	for _, name := range cfg.Names() {
		paths = append(paths, compose.ManagerPIDPath(cfg.RunDir, name))
	}
	return paths
}

// stopManagers terminates resident managers so they do not restart the
// services about to be stopped. The calling process is never signaled.
func stopManagers(cfg *compose.Config, scope string, log zerolog.Logger) {
	for _, path := range managerPIDPaths(cfg, scope) {
		pid, alive := compose.OwnerPID(path)
		if !alive || pid == os.Getpid() {
			continue
		}
		log.Info().Int("pid", pid).Str("pidfile", path).Msg("Stopping resident manager")
		killed, err := compose.TerminatePID(pid, managerStopWait)
		switch {
		case err != nil:
			log.Error().Err(err).Int("pid", pid).Msg("Failed to stop manager")
			continue
		case killed:
			log.Warn().Int("pid", pid).Msg("Manager did not exit in time, killed")
		}
		if cur, err := compose.ReadPIDFile(path); err == nil && cur == pid {
			_ = compose.RemovePIDFile(path)
		}
	}
}

// runOnce performs op on scope with a short-lived manager and returns,
// leaving started children running under their pidfiles.
func runOnce(ctx context.Context, cfg *compose.Config, scope string, op compose.Operation, s *settings.Settings, log zerolog.Logger) error {
	files := logging.NewFiles()
	defer func() { _ = files.Close() }()

	mgr, err := compose.NewManager(ctx, cfg,
		compose.WithConcurrency(s.Manager.Concurrency),
		compose.WithManagerStopTimeout(s.Manager.StopTimeout),
		compose.WithLevelPause(s.Manager.LevelPause),
		compose.WithRestartPause(s.Manager.RestartPause),
		compose.WithManagerLogger(log),
		compose.WithLoggerFactory(files.Logger),
		compose.WithDirectOutput(),
	)
	if err != nil {
		return err
	}
	defer mgr.Detach(time.Second)

	if err := mgr.Do(ctx, op, scope); err != nil {
		return fmt.Errorf("%s %s: %w", op, compose.Key(scope), err)
	}
	return nil
}
