package compose

import "time"

// State represents the supervision state of a service
type State int

const (
	// StateStopped indicates no child is running and none is wanted
	StateStopped State = iota
	// StateStarting indicates a spawn is in progress
	StateStarting
	// StateRunning indicates the child is alive
	StateRunning
	// StateExited indicates the child exited and the watcher is deciding what to do
	StateExited
	// StateBackoff indicates an automatic restart is pending
	StateBackoff
	// StateStorm indicates automatic restarts were suppressed after too many crashes
	StateStorm
	// StateFailed indicates the last spawn attempt failed
	StateFailed
)

// State string constants
const (
	stateStoppedStr  = "stopped"
	stateStartingStr = "starting"
	stateRunningStr  = "running"
	stateExitedStr   = "exited"
	stateBackoffStr  = "backoff"
	stateStormStr    = "storm"
	stateFailedStr   = "failed"
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStarting:
		return stateStartingStr
	case StateRunning:
		return stateRunningStr
	case StateExited:
		return stateExitedStr
	case StateBackoff:
		return stateBackoffStr
	case StateStorm:
		return stateStormStr
	case StateFailed:
		return stateFailedStr
	default:
		return stateStoppedStr
	}
}

// MarshalText renders the state by name in JSON and YAML output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the state needs an explicit Start to leave.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateStorm || s == StateFailed
}

// ServiceState is the per-service row returned by Manager.Status
type ServiceState struct {
	// Name is the service name
	Name string `json:"name"`
	// Running is true when the tracked child is alive
	Running bool `json:"running"`
	// RestartCount is the number of consecutive automatic restarts
	RestartCount int `json:"restart_count"`
	// State is the supervision state
	State State `json:"state"`
	// PID is the tracked child's process id, 0 when none
	PID int `json:"pid,omitempty"`
	// Since is when the current state was entered
	Since time.Time `json:"since"`
	// StartedAt is when the current child was spawned
	StartedAt time.Time `json:"started_at,omitempty"`
	// ExitCode is the exit status of the last child, -1 when killed by a signal
	ExitCode int `json:"exit_code"`
}

// Event is emitted by a supervisor on every state transition
type Event struct {
	// Service is the emitting service
	Service string `json:"service"`
	// State is the state entered
	State State `json:"state"`
	// PID is the child's process id where applicable
	PID int `json:"pid,omitempty"`
	// RestartCount is the restart counter at the time of the event
	RestartCount int `json:"restart_count"`
	// ExitCode is set on StateExited
	ExitCode int `json:"exit_code,omitempty"`
	// Delay is the pending backoff on StateBackoff
	Delay time.Duration `json:"delay,omitempty"`
	// Time is when the transition happened
	Time time.Time `json:"time"`
}
