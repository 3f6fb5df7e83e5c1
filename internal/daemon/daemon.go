// Package daemon assembles the resident manager process: the service
// manager, its scheduler, the config watcher and the HTTP API, run under
// one suture supervision tree.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	compose "github.com/liuyuansharp/service-compose"
	"github.com/liuyuansharp/service-compose/internal/api"
	"github.com/liuyuansharp/service-compose/internal/audit"
	"github.com/liuyuansharp/service-compose/internal/logging"
	"github.com/liuyuansharp/service-compose/internal/metrics"
	"github.com/liuyuansharp/service-compose/internal/settings"
)

// ErrAlreadyRunning is returned when another manager holds the pidfile.
var ErrAlreadyRunning = errors.New("manager already running")

// Options configure an App.
type Options struct {
	// ConfigPath is the services file
	ConfigPath string
	// Service limits the daemon to one service; empty manages all
	Service string
	// Settings default to settings.Default()
	Settings *settings.Settings
	// Log is the daemon logger
	Log zerolog.Logger
	// Files provides per-service log files; created when nil
	Files *logging.Files
	// Addr, when set, receives the API address once it is listening
	Addr chan<- string
}

// App owns every long-lived component of the resident manager.
type App struct {
	opts     Options
	settings settings.Settings
	log      zerolog.Logger
	files    *logging.Files

	store   *compose.ConfigStore
	manager *compose.Manager
	locks   *compose.ControlLocks
	audit   audit.Store
	metrics *metrics.Metrics
	hub     *api.Hub
	health  *compose.HealthChecker
	sched   *compose.Scheduler
	events  <-chan compose.Event
	unsub   compose.EventCleanupFunc
}

// New loads the services file and builds the components. Nothing is
// started until Run.
func New(ctx context.Context, opts Options) (*App, error) {
	s := settings.Default()
	if opts.Settings != nil {
		s = *opts.Settings
	}
	files := opts.Files
	if files == nil {
		files = logging.NewFiles()
	}

	store, err := compose.NewConfigStore(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg, err := store.Load()
	if err != nil {
		return nil, err
	}
	if opts.Service != "" && opts.Service != compose.AllServices {
		if _, ok := cfg.Service(opts.Service); !ok {
			return nil, &compose.OpError{Op: compose.OpStart, Service: opts.Service, Err: compose.ErrServiceNotFound}
		}
	} else {
		opts.Service = ""
	}

	a := &App{
		opts:     opts,
		settings: s,
		log:      opts.Log,
		files:    files,
		store:    store,
		locks:    compose.NewControlLocks(),
		metrics:  metrics.New(),
	}
	a.hub = api.NewHub(a.log.With().Str("component", "websocket-hub").Logger())

	auditPath := s.Audit.File
	if auditPath == "" {
		auditPath = filepath.Join(cfg.LogsDir(), compose.AuditFile)
	}
	fileStore, err := audit.OpenFileStore(auditPath, s.Audit.MaxEntries)
	if err != nil {
		a.log.Warn().Err(err).Str("path", auditPath).Msg("Audit file unreadable, starting a new one")
	}
	a.audit = fileStore

	a.manager, err = compose.NewManager(ctx, cfg,
		compose.WithConcurrency(s.Manager.Concurrency),
		compose.WithManagerStopTimeout(s.Manager.StopTimeout),
		compose.WithLevelPause(s.Manager.LevelPause),
		compose.WithRestartPause(s.Manager.RestartPause),
		compose.WithManagerLogger(a.log),
		compose.WithLoggerFactory(files.Logger),
		compose.WithSupervisorOptions(
			compose.WithStormLimit(s.Manager.MaxRestarts, s.Manager.StormWindow),
			compose.WithStableRun(s.Manager.StableRun),
		),
	)
	if err != nil {
		return nil, err
	}
	a.events, a.unsub = a.manager.Subscribe(256)

	mux := compose.NewProberMux(compose.NewHTTPProber(s.Heartbeat.Timeout))
	if s.Heartbeat.Mock {
		mux.Handle("mock", compose.StaticProber{})
		mux.Handle("simulate", compose.StaticProber{})
	}
	a.health = compose.NewHealthChecker(mux, a.manager)

	if a.allScope() {
		a.sched = compose.NewScheduler(store, a.manager,
			compose.WithCheckInterval(s.Scheduler.CheckInterval),
			compose.WithSchedulerLocks(a.locks),
			compose.WithAuditSink(a.audit),
			compose.WithSchedulerLogger(a.log.With().Str("component", "scheduler").Logger()),
			compose.WithFireHook(a.metrics.ScheduledRestart),
		)
	}
	return a, nil
}

func (a *App) allScope() bool {
	return a.opts.Service == ""
}

// Manager returns the service manager.
func (a *App) Manager() *compose.Manager {
	return a.manager
}

// PIDPath returns this daemon's pidfile.
func (a *App) PIDPath() string {
	return compose.ManagerPIDPath(a.manager.Config().RunDir, a.opts.Service)
}

// Handler returns the API handler.
func (a *App) Handler() http.Handler {
	return api.New(api.Deps{
		Services: a.manager,
		Store:    a.store,
		Locks:    a.locks,
		Health:   a.health,
		Audit:    a.audit,
		Metrics:  a.metrics,
		Hub:      a.hub,
	},
		api.WithLogger(a.log.With().Str("component", "api").Logger()),
		api.WithRateLimit(a.settings.Server.RateLimit),
	).Handler()
}

func (a *App) tree() *suture.Supervisor {
	root := suture.New("service-compose", suture.Spec{
		EventHook: eventHook(a.log.With().Str("component", "supervisor").Logger()),
		Timeout:   a.settings.Server.ShutdownTimeout + time.Second,
	})
	root.Add(&eventPump{events: a.events, metrics: a.metrics, hub: a.hub})
	if !a.allScope() {
		return root
	}

	root.Add(a.sched)
	root.Add(&configWatcher{
		store:   a.store,
		manager: a.manager,
		metrics: a.metrics,
		log:     a.log.With().Str("component", "config-watcher").Logger(),
	})
	if a.settings.Server.Listen != "" {
		root.Add(a.hub)
		root.Add(&httpService{
			server: &http.Server{
				Addr:              a.settings.Server.Listen,
				Handler:           a.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			},
			shutdownTimeout: a.settings.Server.ShutdownTimeout,
			log:             a.log,
			addr:            a.opts.Addr,
		})
	}
	return root
}

// Run claims the manager pidfile, starts the services in scope and
// supervises them until ctx is cancelled, then stops them.
func (a *App) Run(ctx context.Context) error {
	pidPath := a.PIDPath()
	if pid, alive := compose.OwnerPID(pidPath); alive && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, pid, pidPath)
	}
	if err := compose.WritePIDFile(pidPath, os.Getpid()); err != nil {
		return fmt.Errorf("writing manager pidfile: %w", err)
	}
	defer func() {
		if pid, err := compose.ReadPIDFile(pidPath); err == nil && pid == os.Getpid() {
			_ = compose.RemovePIDFile(pidPath)
		}
	}()

	treeCtx, cancelTree := context.WithCancel(context.WithoutCancel(ctx))
	treeDone := a.tree().ServeBackground(treeCtx)

	scope := compose.Key(a.opts.Service)
	a.log.Info().Int("pid", os.Getpid()).Str("scope", scope).Msg("Manager started")
	if err := a.manager.Do(ctx, compose.OpStart, a.opts.Service); err != nil {
		a.log.Error().Err(err).Str("scope", scope).Msg("Some services failed to start")
	}

	<-ctx.Done()
	a.log.Info().Str("scope", scope).Msg("Shutting down")

	err := a.shutdown()
	cancelTree()
	if terr := <-treeDone; terr != nil && !errors.Is(terr, context.Canceled) {
		a.log.Warn().Err(terr).Msg("Supervision tree stopped with error")
	}
	a.unsub()
	if cerr := a.files.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.log.Info().Msg("Manager stopped")
	return err
}

func (a *App) shutdown() error {
	timeout := a.settings.Manager.StopTimeout*2 + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.allScope() {
		return a.manager.Close(ctx, time.Second)
	}
	// A scoped daemon must not touch services owned by other managers.
	err := a.manager.StopService(ctx, a.opts.Service)
	a.manager.Detach(time.Second)
	return err
}
