package compose

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"vawter.tech/stopper"

	"github.com/liuyuansharp/service-compose/internal/unix"
)

// SupervisorOption configures a Supervisor
type SupervisorOption func(*Supervisor)

// WithLogger sets the logger that receives lifecycle messages and child output
func WithLogger(l zerolog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.log = l
	}
}

// WithBackoff sets the delay schedule between consecutive automatic restarts
func WithBackoff(schedule []time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.backoff = append([]time.Duration(nil), schedule...)
	}
}

// WithStormLimit suppresses automatic restarts once max restarts happened
// within window
func WithStormLimit(maxRestarts int, window time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.maxRestarts = maxRestarts
		s.stormWindow = window
	}
}

// WithStableRun sets how long a child must run before its crash starts a
// fresh backoff sequence
func WithStableRun(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.stableRun = d
	}
}

// WithStopTimeout sets the default SIGTERM grace period
func WithStopTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.stopTimeout = d
	}
}

// WithPIDFile sets the pidfile path
func WithPIDFile(path string) SupervisorOption {
	return func(s *Supervisor) {
		s.pidPath = path
	}
}

// WithOutputFile sends child output straight to path, opened for append,
// instead of through the supervisor's logger. Children then outlive the
// supervising process without losing their output.
func WithOutputFile(path string) SupervisorOption {
	return func(s *Supervisor) {
		s.outputPath = path
	}
}

// WithEventSink receives every state transition; it must not block
func WithEventSink(fn func(Event)) SupervisorOption {
	return func(s *Supervisor) {
		s.emit = fn
	}
}

// Supervisor owns at most one child process for a service: it spawns it in
// its own process group, captures its output, stops it, and restarts it
// with backoff after unexpected exits.
type Supervisor struct {
	name        string
	pidPath     string
	outputPath  string
	backoff     []time.Duration
	maxRestarts int
	stormWindow time.Duration
	stableRun   time.Duration
	stopTimeout time.Duration
	log         zerolog.Logger
	emit        func(Event)
	sctx        *stopper.Context

	// opMu serializes Start, Stop and automatic relaunch
	opMu sync.Mutex

	mu           sync.RWMutex
	spec         ServiceSpec
	cur          *run
	state        State
	since        time.Time
	restartCount int
	restarts     []time.Time
	exitCode     int
}

// run is one spawned child. stop is closed once per run when a stop is
// requested or a newer run supersedes it; done is closed after the child
// has been reaped.
type run struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	exitCode  int
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) stopRequested() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *run) exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// NewSupervisor creates a supervisor for spec. Watcher goroutines are
// tracked by sctx; stopping sctx cancels pending restarts.
func NewSupervisor(sctx *stopper.Context, spec ServiceSpec, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		name:        spec.Name,
		spec:        spec,
		pidPath:     PIDPath(".", spec.Name),
		backoff:     DefaultBackoff,
		maxRestarts: DefaultMaxRestarts,
		stormWindow: DefaultStormWindow,
		stableRun:   DefaultStableRun,
		stopTimeout: DefaultStopTimeout,
		log:         zerolog.Nop(),
		sctx:        sctx,
		state:       StateStopped,
		since:       time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.maxRestarts < 1 {
		s.maxRestarts = 1
	}

	return s
}

// Name returns the service name
func (s *Supervisor) Name() string {
	return s.name
}

// PIDPath returns the pidfile path
func (s *Supervisor) PIDPath() string {
	return s.pidPath
}

// Spec returns the spec used for the next spawn
func (s *Supervisor) Spec() ServiceSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spec
}

// SetSpec replaces the spec; a running child is not affected until it is
// started again.
func (s *Supervisor) SetSpec(spec ServiceSpec) {
	s.mu.Lock()
	s.spec = spec
	s.mu.Unlock()
}

// Running reports whether the tracked child is alive.
func (s *Supervisor) Running() bool {
	s.mu.RLock()
	cur := s.cur
	s.mu.RUnlock()
	return cur != nil && !cur.exited()
}

// RestartCount returns the number of consecutive automatic restarts.
func (s *Supervisor) RestartCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restartCount
}

// Snapshot returns the current state without blocking on in-flight operations.
func (s *Supervisor) Snapshot() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := ServiceState{
		Name:         s.name,
		RestartCount: s.restartCount,
		State:        s.state,
		Since:        s.since,
		ExitCode:     s.exitCode,
	}
	if s.cur != nil && !s.cur.exited() {
		st.Running = true
		st.PID = s.cur.pid
		st.StartedAt = s.cur.startedAt
	}
	return st
}

// Start spawns the child unless one is already running. A pidfile naming
// a live child of this service that the supervisor does not track counts
// as running; see ServicePID.
// Spawn failures are logged and leave the supervisor in StateFailed.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := ctx.Err(); err != nil {
		return &OpError{Op: OpStart, Service: s.name, Err: err}
	}

	s.mu.RLock()
	cur := s.cur
	s.mu.RUnlock()

	if cur != nil && !cur.exited() {
		s.log.Info().Int("pid", cur.pid).Msg("already running")
		return nil
	}
	if cur != nil {
		// Cancels a pending automatic relaunch of the previous run.
		cur.requestStop()
	}
	if pid, ok := s.recordedPID(cur); ok {
		s.log.Info().Int("pid", pid).Msg("already running (pid from pidfile)")
		return nil
	}

	s.spawn(true)
	return nil
}

// recordedPID returns the pidfile process when it is a child of this
// service that the supervisor did not spawn itself, such as one left by a
// previous manager. A pidfile naming any other process is stale and is
// removed so that it is never signaled.
func (s *Supervisor) recordedPID(cur *run) (int, bool) {
	pid, err := ReadPIDFile(s.pidPath)
	if err != nil || (cur != nil && pid == cur.pid) {
		return 0, false
	}
	if _, ok := ServicePID(s.pidPath, s.Spec().Argv()); ok {
		return pid, true
	}
	s.log.Warn().Int("pid", pid).Msg("Removing stale pidfile")
	if err := RemovePIDFile(s.pidPath); err != nil {
		s.log.Error().Err(err).Msg("failed to remove pidfile")
	}
	return 0, false
}

// spawn launches a new run; callers hold opMu. manual spawns reset the
// restart counter.
func (s *Supervisor) spawn(manual bool) {
	if s.sctx.IsStopping() {
		s.log.Warn().Msg("supervisor is shutting down, not starting")
		return
	}

	s.mu.RLock()
	spec := s.spec
	s.mu.RUnlock()

	s.transition(StateStarting, nil)

	argv := spec.Argv()
	s.log.Info().Msgf("Starting: %s", strings.Join(argv, " "))

	if err := os.MkdirAll(filepath.Dir(s.pidPath), DirMode); err != nil {
		s.fail(err)
		return
	}

	r, w, err := s.outputPipe()
	if err != nil {
		s.fail(err)
		return
	}

	cmd := exec.Command(spec.Cmd, spec.Args...)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = unix.ProcGroupAttr()

	if err := cmd.Start(); err != nil {
		if r != nil {
			_ = r.Close()
		}
		_ = w.Close()
		s.fail(fmt.Errorf("%w: %v", ErrSpawn, err))
		return
	}
	_ = w.Close()

	rn := &run{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}

	if err := WritePIDFile(s.pidPath, rn.pid); err != nil {
		s.log.Error().Err(err).Msg("failed to write pidfile")
	}

	s.transition(StateRunning, func() {
		s.cur = rn
		if manual {
			s.restartCount = 0
		}
	})
	s.log.Info().Int("pid", rn.pid).Msgf("Started with PID %d", rn.pid)

	if r != nil {
		s.sctx.Go(func(*stopper.Context) error {
			s.drain(r)
			return nil
		})
	}
	s.sctx.Go(func(sctx *stopper.Context) error {
		s.watch(sctx, rn)
		return nil
	})
}

// outputPipe returns the child's stdout/stderr writer and, when output is
// captured, the read end to drain. r is nil with WithOutputFile.
func (s *Supervisor) outputPipe() (r, w *os.File, err error) {
	if s.outputPath == "" {
		return os.Pipe()
	}
	if err := os.MkdirAll(filepath.Dir(s.outputPath), DirMode); err != nil {
		return nil, nil, err
	}
	w, err = os.OpenFile(s.outputPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, FileMode)
	return nil, w, err
}

func (s *Supervisor) fail(err error) {
	s.log.Error().Err(err).Msg("Failed to start")
	s.transition(StateFailed, nil)
}

// drain copies child output into the service log line by line until the
// last writer in the process group closes the pipe.
func (s *Supervisor) drain(r *os.File) {
	defer func() { _ = r.Close() }()

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			s.log.Info().Msg("[OUTPUT] " + line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.log.Debug().Err(err).Msg("output stream error")
			}
			return
		}
	}
}

// watch reaps the child and drives the restart state machine.
func (s *Supervisor) watch(sctx *stopper.Context, rn *run) {
	_ = rn.cmd.Wait()
	rn.exitCode = exitCode(rn.cmd.ProcessState)

	if pid, err := ReadPIDFile(s.pidPath); err == nil && pid == rn.pid {
		if err := RemovePIDFile(s.pidPath); err != nil {
			s.log.Error().Err(err).Msg("failed to remove pidfile")
		}
	}

	s.transition(StateExited, func() {
		s.exitCode = rn.exitCode
	})
	close(rn.done)

	if rn.stopRequested() {
		s.log.Info().Int("code", rn.exitCode).Msg("Process exited")
		return
	}
	s.log.Warn().Int("code", rn.exitCode).Msgf("Process exited unexpectedly with code %d", rn.exitCode)

	if !s.Spec().AutoRestart() {
		s.mu.Lock()
		if s.cur != rn || rn.stopRequested() {
			s.mu.Unlock()
			return
		}
		ev := s.setStateLocked(StateStopped)
		s.mu.Unlock()
		s.publish(ev)
		return
	}

	delay, ok := s.planRestart(rn)
	if !ok {
		return
	}

	select {
	case <-time.After(delay):
	case <-rn.stop:
		return
	case <-sctx.Stopping():
		return
	}

	s.relaunch(rn)
}

// planRestart applies storm detection and returns the backoff delay for
// the next automatic restart.
func (s *Supervisor) planRestart(rn *run) (time.Duration, bool) {
	now := time.Now()

	s.mu.Lock()
	if s.cur != rn || rn.stopRequested() {
		s.mu.Unlock()
		return 0, false
	}
	if s.stableRun > 0 && now.Sub(rn.startedAt) >= s.stableRun {
		s.restartCount = 0
	}

	cutoff := now.Add(-s.stormWindow)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = kept

	if len(s.restarts) >= s.maxRestarts {
		n := len(s.restarts)
		ev := s.setStateLocked(StateStorm)
		s.mu.Unlock()
		s.publish(ev)
		s.log.WithLevel(zerolog.FatalLevel).
			Int("restarts", n).
			Dur("window", s.stormWindow).
			Msgf("Restart storm detected (%d restarts in %s), giving up; start it manually", n, s.stormWindow)
		return 0, false
	}

	s.restartCount++
	s.restarts = append(s.restarts, now)
	delay := BackoffDelay(s.backoff, s.restartCount)
	count := s.restartCount
	ev := s.setStateLocked(StateBackoff)
	ev.Delay = delay
	s.mu.Unlock()

	s.publish(ev)
	s.log.Warn().Int("attempt", count).Dur("delay", delay).
		Msgf("Restarting in %s (attempt %d)", delay, count)
	return delay, true
}

func (s *Supervisor) relaunch(rn *run) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if rn.stopRequested() || s.sctx.IsStopping() {
		return
	}
	s.mu.RLock()
	superseded := s.cur != rn
	s.mu.RUnlock()
	if superseded {
		return
	}
	s.spawn(false)
}

// Stop terminates the child's process group: SIGTERM, then SIGKILL after
// timeout (the supervisor default when timeout <= 0). Cancelling ctx
// escalates to SIGKILL immediately. The pidfile is always removed. Stop
// is idempotent and cancels any pending automatic restart.
func (s *Supervisor) Stop(ctx context.Context, timeout time.Duration) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if timeout <= 0 {
		timeout = s.stopTimeout
	}

	s.mu.RLock()
	cur := s.cur
	s.mu.RUnlock()

	if cur != nil {
		cur.requestStop()
	}

	defer func() {
		if err := RemovePIDFile(s.pidPath); err != nil {
			s.log.Error().Err(err).Msg("failed to remove pidfile")
		}
		s.transition(StateStopped, nil)
	}()

	if cur == nil || cur.exited() {
		if pid, ok := s.recordedPID(cur); ok {
			s.log.Info().Int("pid", pid).Msg("Stopping process recorded in pidfile")
			killed, err := TerminatePID(pid, timeout)
			if killed {
				s.log.Warn().Err(ErrStopTimeout).Int("pid", pid).Msg("Force killed after timeout")
			}
			if err != nil {
				s.log.Error().Err(err).Int("pid", pid).Msg("failed to signal process")
			}
			return nil
		}
		s.log.Info().Msg("Not running, nothing to stop")
		return nil
	}

	s.log.Info().Int("pid", cur.pid).Msg("Stopping")
	if err := unix.Terminate(cur.pid); err != nil {
		s.log.Warn().Err(err).Int("pid", cur.pid).Msg("SIGTERM failed")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-cur.done:
		s.log.Info().Msg("Stopped")
		return nil
	case <-timer.C:
		s.log.Warn().Err(ErrStopTimeout).Dur("timeout", timeout).Msg("Did not exit in time, killing process group")
	case <-ctx.Done():
		s.log.Warn().Err(ctx.Err()).Msg("Stop cancelled, killing process group")
	}

	if err := unix.Kill(cur.pid); err != nil {
		s.log.Error().Err(err).Int("pid", cur.pid).Msg("SIGKILL failed")
	}
	select {
	case <-cur.done:
	case <-time.After(killWait):
		s.log.Error().Int("pid", cur.pid).Msg("process did not exit after SIGKILL")
	}
	return nil
}

// killWait bounds the wait for reaping after SIGKILL.
const killWait = 5 * time.Second

// transition applies mutate and moves to st under the state lock, then
// publishes the event.
func (s *Supervisor) transition(st State, mutate func()) {
	s.mu.Lock()
	if mutate != nil {
		mutate()
	}
	ev := s.setStateLocked(st)
	s.mu.Unlock()
	s.publish(ev)
}

func (s *Supervisor) setStateLocked(st State) Event {
	now := time.Now()
	if s.state != st {
		s.state = st
		s.since = now
	}
	ev := Event{
		Service:      s.name,
		State:        st,
		RestartCount: s.restartCount,
		Time:         now,
	}
	if s.cur != nil {
		ev.PID = s.cur.pid
		if st == StateExited {
			ev.ExitCode = s.cur.exitCode
		}
	}
	return ev
}

func (s *Supervisor) publish(ev Event) {
	if s.emit != nil {
		s.emit(ev)
	}
}

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	return ps.ExitCode()
}
