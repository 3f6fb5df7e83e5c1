package compose

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ScheduleStore is the part of ConfigStore the scheduler needs.
type ScheduleStore interface {
	Load() (*Config, error)
	SetLastRestart(name string, at time.Time) error
}

// Restarter restarts a single service.
type Restarter interface {
	RestartService(ctx context.Context, name string) error
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithCheckInterval sets the polling period
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithSchedulerLocks routes restarts through the control locks so they
// never overlap an operator action on the same service
func WithSchedulerLocks(l *ControlLocks) SchedulerOption {
	return func(s *Scheduler) {
		s.locks = l
	}
}

// WithAuditSink sets where scheduled restarts are recorded
func WithAuditSink(a AuditSink) SchedulerOption {
	return func(s *Scheduler) {
		s.audit = a
	}
}

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(l zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.log = l
	}
}

// WithFireHook is called after every scheduled restart attempt
func WithFireHook(fn func(service, result string)) SchedulerOption {
	return func(s *Scheduler) {
		s.onFire = fn
	}
}

// Scheduler periodically re-reads the services file and restarts services
// whose scheduled_restart policy is due.
type Scheduler struct {
	store     ScheduleStore
	restarter Restarter
	locks     *ControlLocks
	audit     AuditSink
	interval  time.Duration
	now       func() time.Time
	log       zerolog.Logger
	onFire    func(service, result string)
}

// NewScheduler creates a scheduler. It does nothing until Serve is called.
func NewScheduler(store ScheduleStore, restarter Restarter, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:     store,
		restarter: restarter,
		audit:     NopAuditSink{},
		interval:  DefaultCheckInterval,
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = DefaultCheckInterval
	}
	return s
}

// Serve runs checks every interval until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Msg("Scheduled restart checker started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scheduled restart checker stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// String names the scheduler in supervision trees.
func (s *Scheduler) String() string {
	return "scheduled-restart"
}

// Tick evaluates every policy once and returns the services restarted.
// Failures are logged, never returned.
func (s *Scheduler) Tick(ctx context.Context) (fired []string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Scheduled restart check panicked")
		}
	}()

	cfg, err := s.store.Load()
	if err != nil {
		s.log.Error().Err(err).Msg("Scheduled restart check: failed to load config")
		return nil
	}

	now := s.now()
	for _, spec := range cfg.Services {
		if !ShouldRestart(spec.ScheduledRestart, now) {
			continue
		}
		if s.fire(ctx, spec.Name, now) {
			fired = append(fired, spec.Name)
		}
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, name string, now time.Time) bool {
	log := s.log.With().Str("service", name).Logger()
	log.Info().Msgf("Scheduled restart triggered for %s", name)

	restart := func(ctx context.Context) error {
		return s.restarter.RestartService(ctx, name)
	}

	var err error
	if s.locks != nil {
		err = s.locks.Do(ctx, name, restart)
	} else {
		err = restart(ctx)
	}

	result := ResultOf(err)
	detail := "scheduled restart"
	if errors.Is(err, ErrConflict) {
		result = AuditSkipped
		detail = "scheduled restart skipped: operation in progress"
		log.Warn().Err(err).Msg("Scheduled restart skipped, service busy")
	} else if err != nil {
		detail = fmt.Sprintf("scheduled restart: %v", err)
		log.Error().Err(err).Msg("Scheduled restart failed")
	}

	if aerr := s.audit.Record(ctx, AuditEntry{
		Timestamp: now,
		Actor:     SystemActor,
		Role:      SystemActor,
		Action:    OpRestart.String(),
		Target:    name,
		Detail:    detail,
		Result:    result,
	}); aerr != nil {
		log.Warn().Err(aerr).Msg("failed to record audit entry")
	}
	if s.onFire != nil {
		s.onFire(name, result)
	}

	if result == AuditSkipped {
		return false
	}
	if err := s.store.SetLastRestart(name, now); err != nil {
		log.Error().Err(err).Msg("failed to persist last_restart")
	}
	return true
}
