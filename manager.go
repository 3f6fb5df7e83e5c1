package compose

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"vawter.tech/stopper"
)

// LoggerFactory returns the logger a service's supervisor writes to.
// logPath is the service's configured log file.
type LoggerFactory func(name, logPath string) zerolog.Logger

// Manager owns one Supervisor per configured service and performs bulk
// and single-service operations in dependency order.
type Manager struct {
	// Concurrency is the maximum number of concurrent operations within a level
	Concurrency int
	// StopTimeout is the per-service SIGTERM grace period
	StopTimeout time.Duration
	// LevelPause is the pause between dependency levels when starting
	LevelPause time.Duration
	// RestartPause is the pause between stop and start on restart
	RestartPause time.Duration

	log          zerolog.Logger
	loggers      LoggerFactory
	directOutput bool
	supOpts      []SupervisorOption
	events       *broadcaster
	sctx         *stopper.Context

	mu     sync.RWMutex
	cfg    *Config
	sups   map[string]*Supervisor
	levels [][]string
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithConcurrency sets the maximum number of concurrent operations
func WithConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		m.Concurrency = n
	}
}

// WithManagerStopTimeout sets the per-service SIGTERM grace period
func WithManagerStopTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.StopTimeout = d
	}
}

// WithLevelPause sets the pause between dependency levels
func WithLevelPause(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.LevelPause = d
	}
}

// WithRestartPause sets the pause between stop and start
func WithRestartPause(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.RestartPause = d
	}
}

// WithManagerLogger sets the manager's own logger
func WithManagerLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

// WithLoggerFactory sets how per-service loggers are created
func WithLoggerFactory(f LoggerFactory) ManagerOption {
	return func(m *Manager) {
		m.loggers = f
	}
}

// WithSupervisorOptions applies opts to every supervisor the manager creates
func WithSupervisorOptions(opts ...SupervisorOption) ManagerOption {
	return func(m *Manager) {
		m.supOpts = append(m.supOpts, opts...)
	}
}

// WithDirectOutput makes children write straight to their log files, for
// short-lived managers that exit after starting services.
func WithDirectOutput() ManagerOption {
	return func(m *Manager) {
		m.directOutput = true
	}
}

// NewManager validates cfg and creates a supervisor per service. Nothing
// is started. Goroutines are bound to ctx; call Close to release them.
func NewManager(ctx context.Context, cfg *Config, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		Concurrency:  DefaultConcurrency,
		StopTimeout:  DefaultStopTimeout,
		LevelPause:   DefaultLevelPause,
		RestartPause: DefaultRestartPause,
		log:          zerolog.Nop(),
		events:       newBroadcaster(),
		sctx:         stopper.WithContext(ctx),
		sups:         make(map[string]*Supervisor),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.Concurrency < 1 {
		m.Concurrency = 1
	}
	if m.loggers == nil {
		base := m.log
		m.loggers = func(name, _ string) zerolog.Logger {
			return base.With().Str("service", name).Logger()
		}
	}

	m.mu.Lock()
	m.applyLocked(cfg)
	m.mu.Unlock()

	m.log.Info().Int("services", len(cfg.Services)).Msgf("Initialized %d services", len(cfg.Services))
	return m, nil
}

func (m *Manager) newSupervisor(cfg *Config, spec ServiceSpec) *Supervisor {
	opts := []SupervisorOption{
		WithPIDFile(cfg.PIDPath(spec)),
		WithLogger(m.loggers(spec.Name, cfg.LogPath(spec))),
		WithStopTimeout(m.StopTimeout),
		WithEventSink(m.events.publish),
	}
	if m.directOutput {
		opts = append(opts, WithOutputFile(cfg.LogPath(spec)))
	}
	opts = append(opts, m.supOpts...)
	return NewSupervisor(m.sctx, spec, opts...)
}

// relocation is a service whose pidfile or log path changed on reload.
type relocation struct {
	old, next *Supervisor
}

// applyLocked installs cfg. Existing supervisors keep running with the new
// spec, except those whose pidfile or log path moved: they are replaced
// and returned so the caller can hand the child over.
func (m *Manager) applyLocked(cfg *Config) (removed []*Supervisor, moved []relocation) {
	next := make(map[string]*Supervisor, len(cfg.Services))
	for _, spec := range cfg.Services {
		sup, ok := m.sups[spec.Name]
		if !ok {
			next[spec.Name] = m.newSupervisor(cfg, spec)
			continue
		}
		prev := sup.Spec()
		if m.cfg.PIDPath(prev) != cfg.PIDPath(spec) || m.cfg.LogPath(prev) != cfg.LogPath(spec) {
			replacement := m.newSupervisor(cfg, spec)
			moved = append(moved, relocation{old: sup, next: replacement})
			next[spec.Name] = replacement
			continue
		}
		sup.SetSpec(spec)
		next[spec.Name] = sup
	}
	for name, sup := range m.sups {
		if _, ok := next[name]; !ok {
			removed = append(removed, sup)
		}
	}

	m.cfg = cfg
	m.sups = next

	levels, err := BuildGraph(cfg.Services).Levels()
	if err != nil {
		m.log.Error().Err(err).Msg("Dependency graph error, starting services unordered")
		levels = [][]string{cfg.Names()}
	}
	m.levels = levels
	return removed, moved
}

// Reload installs a new config. Services no longer configured are stopped
// and dropped; the others pick up their new spec on their next start. A
// running service whose pidfile or log path changed is restarted under
// the new paths.
func (m *Manager) Reload(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	removed, moved := m.applyLocked(cfg)
	m.mu.Unlock()

	merr := &MultiError{}
	for _, sup := range removed {
		m.log.Info().Str("service", sup.Name()).Msg("Service removed from config, stopping")
		merr.Add(sup.Stop(ctx, m.StopTimeout))
	}
	for _, mv := range moved {
		_, adopted := ServicePID(mv.old.PIDPath(), mv.old.Spec().Argv())
		wasRunning := mv.old.Running() || adopted
		m.log.Info().Str("service", mv.next.Name()).
			Str("pidfile", mv.next.PIDPath()).
			Msg("Service paths changed")
		merr.Add(mv.old.Stop(ctx, m.StopTimeout))
		if wasRunning {
			merr.Add(mv.next.Start(ctx))
		}
	}
	return merr.Err()
}

// Config returns the installed config.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Levels returns the dependency levels used for bulk operations.
func (m *Manager) Levels() [][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]string, len(m.levels))
	for i, l := range m.levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// Supervisor returns the supervisor for name.
func (m *Manager) Supervisor(name string) (*Supervisor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.sups[name]
	return sup, ok
}

func (m *Manager) lookup(op Operation, name string) (*Supervisor, error) {
	sup, ok := m.Supervisor(name)
	if !ok {
		return nil, &OpError{Op: op, Service: name, Err: ErrServiceNotFound}
	}
	return sup, nil
}

// execute runs fn for each named supervisor with bounded concurrency and
// collects every failure.
func (m *Manager) execute(ctx context.Context, op Operation, names []string, fn func(context.Context, *Supervisor) error) error {
	if len(names) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(m.Concurrency)

	var mu sync.Mutex
	merr := &MultiError{}

	for _, name := range names {
		sup, err := m.lookup(op, name)
		if err != nil {
			merr.Add(err)
			continue
		}
		g.Go(func() error {
			if err := fn(ctx, sup); err != nil {
				mu.Lock()
				merr.Add(err)
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return merr.Err()
}

// StartAll starts every service, one dependency level at a time.
func (m *Manager) StartAll(ctx context.Context) error {
	levels := m.Levels()
	m.log.Info().Msg("Starting all services")

	merr := &MultiError{}
	for i, level := range levels {
		m.log.Info().Msgf("Starting level %d/%d: %s", i+1, len(levels), strings.Join(level, ", "))
		merr.Add(m.execute(ctx, OpStart, level, func(ctx context.Context, s *Supervisor) error {
			return s.Start(ctx)
		}))
		if i < len(levels)-1 {
			if err := sleep(ctx, m.LevelPause); err != nil {
				merr.Add(err)
				return merr.Err()
			}
		}
	}

	m.log.Info().Msg("All services started")
	return merr.Err()
}

// StopAll stops every service in reverse dependency order.
func (m *Manager) StopAll(ctx context.Context) error {
	levels := m.Levels()
	m.log.Info().Msg("Stopping all services")

	merr := &MultiError{}
	for i := len(levels) - 1; i >= 0; i-- {
		m.log.Info().Msgf("Stopping level %d/%d: %s", i+1, len(levels), strings.Join(levels[i], ", "))
		merr.Add(m.execute(ctx, OpStop, levels[i], func(ctx context.Context, s *Supervisor) error {
			return s.Stop(ctx, m.StopTimeout)
		}))
	}

	m.log.Info().Msg("All stopped")
	return merr.Err()
}

// RestartAll stops then starts every service.
func (m *Manager) RestartAll(ctx context.Context) error {
	m.log.Info().Msg("Restarting all services")
	if err := m.StopAll(ctx); err != nil {
		return err
	}
	if err := sleep(ctx, m.RestartPause); err != nil {
		return err
	}
	return m.StartAll(ctx)
}

// StartService starts a single service.
func (m *Manager) StartService(ctx context.Context, name string) error {
	sup, err := m.lookup(OpStart, name)
	if err != nil {
		return err
	}
	m.log.Info().Str("service", name).Msgf("Starting service: %s", name)
	return sup.Start(ctx)
}

// StopService stops a single service.
func (m *Manager) StopService(ctx context.Context, name string) error {
	sup, err := m.lookup(OpStop, name)
	if err != nil {
		return err
	}
	m.log.Info().Str("service", name).Msgf("Stopping service: %s", name)
	return sup.Stop(ctx, m.StopTimeout)
}

// RestartService stops a service, pauses, and starts it again.
func (m *Manager) RestartService(ctx context.Context, name string) error {
	sup, err := m.lookup(OpRestart, name)
	if err != nil {
		return err
	}
	m.log.Info().Str("service", name).Msgf("Restarting service: %s", name)
	if err := sup.Stop(ctx, m.StopTimeout); err != nil {
		return err
	}
	if err := sleep(ctx, m.RestartPause); err != nil {
		return &OpError{Op: OpRestart, Service: name, Err: err}
	}
	return sup.Start(ctx)
}

// Do dispatches op to a single service, or to every service when name is
// empty or AllServices.
func (m *Manager) Do(ctx context.Context, op Operation, name string) error {
	all := name == "" || name == AllServices
	switch op {
	case OpStart:
		if all {
			return m.StartAll(ctx)
		}
		return m.StartService(ctx, name)
	case OpStop:
		if all {
			return m.StopAll(ctx)
		}
		return m.StopService(ctx, name)
	case OpRestart:
		if all {
			return m.RestartAll(ctx)
		}
		return m.RestartService(ctx, name)
	default:
		return fmt.Errorf("compose: unsupported operation %q", op.String())
	}
}

// Status returns one row per service in configuration order.
func (m *Manager) Status() []ServiceState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceState, 0, len(m.cfg.Services))
	for _, spec := range m.cfg.Services {
		if sup, ok := m.sups[spec.Name]; ok {
			out = append(out, sup.Snapshot())
		}
	}
	return out
}

// Subscribe returns a channel of supervisor events. Slow subscribers miss
// events rather than block supervisors.
func (m *Manager) Subscribe(buffer int) (<-chan Event, EventCleanupFunc) {
	return m.events.subscribe(buffer)
}

// Close stops every service, then waits up to grace for watcher
// goroutines to finish.
func (m *Manager) Close(ctx context.Context, grace time.Duration) error {
	err := m.StopAll(ctx)
	m.sctx.Stop(grace)
	if werr := m.sctx.Wait(); werr != nil && err == nil {
		err = werr
	}
	m.events.close()
	return err
}

// Detach releases watcher goroutines without stopping children, leaving
// them running under their pidfiles.
func (m *Manager) Detach(grace time.Duration) {
	m.sctx.Stop(grace)
	m.events.close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
