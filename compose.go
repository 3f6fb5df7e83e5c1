package compose

import (
	"path/filepath"
	"time"
)

// Run directory layout
const (
	// LogsDir is the subdirectory of run_dir holding pidfiles, logs and the audit file
	LogsDir = "logs"

	// PIDSuffix is appended to a service name to form its pidfile name
	PIDSuffix = ".pid"

	// LogSuffix is appended to a service name to form its log file name
	LogSuffix = ".log"

	// ManagerName is the base name of the resident manager's log and pidfile
	ManagerName = "manager"

	// AuditFile is the audit log file name
	AuditFile = "audit.json"
)

// Supervision timing
const (
	// DefaultStopTimeout is how long Stop waits after SIGTERM before SIGKILL
	DefaultStopTimeout = 10 * time.Second

	// DefaultLevelPause is the pause between dependency levels in bulk operations
	DefaultLevelPause = 1 * time.Second

	// DefaultRestartPause is the pause between stop and start on restart
	DefaultRestartPause = 1 * time.Second

	// DefaultStormWindow is the trailing window used for restart storm detection
	DefaultStormWindow = 60 * time.Second

	// DefaultMaxRestarts is the number of restarts within the storm window that
	// suppresses further automatic restarts
	DefaultMaxRestarts = 5

	// DefaultStableRun is how long a child must run before a crash is no
	// longer counted as part of the previous crash loop
	DefaultStableRun = 60 * time.Second

	// DefaultConcurrency bounds concurrent starts within one dependency level
	DefaultConcurrency = 10
)

// Scheduling
const (
	// DefaultCheckInterval is the scheduled restart polling period
	DefaultCheckInterval = 30 * time.Second

	// ScheduleDedupWindow suppresses a second scheduled restart in the same minute
	ScheduleDedupWindow = 120 * time.Second

	// DefaultHeartbeatTimeout bounds a single heartbeat probe
	DefaultHeartbeatTimeout = 1500 * time.Millisecond
)

// File modes
const (
	// DirMode is the default mode for created directories
	DirMode = 0o755

	// FileMode is the default mode for created files
	FileMode = 0o644
)

// AllServices is the control lock key for whole-fleet operations.
const AllServices = "all"

// DefaultBackoff is the delay schedule between consecutive automatic restarts.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
	60 * time.Second,
}

// BackoffDelay returns the delay before the nth consecutive restart (n >= 1).
func BackoffDelay(schedule []time.Duration, n int) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	i := n - 1
	if i < 0 {
		i = 0
	}
	if i > len(schedule)-1 {
		i = len(schedule) - 1
	}
	return schedule[i]
}

// PIDPath returns the pidfile path for a service under runDir.
func PIDPath(runDir, name string) string {
	return filepath.Join(runDir, LogsDir, name+PIDSuffix)
}

// LogPath returns the log file path for a service under runDir.
func LogPath(runDir, name string) string {
	return filepath.Join(runDir, LogsDir, name+LogSuffix)
}

// ManagerPIDPath returns the pidfile of the resident manager. An empty
// service or AllServices names the whole-fleet manager.
func ManagerPIDPath(runDir, service string) string {
	return PIDPath(runDir, managerName(service))
}

// ManagerLogPath returns the log file of the resident manager.
func ManagerLogPath(runDir, service string) string {
	return LogPath(runDir, managerName(service))
}

func managerName(service string) string {
	if service == "" || service == AllServices {
		return ManagerName
	}
	return ManagerName + "-" + service
}

// Operation represents a control operation type
type Operation int

const (
	// OpUnknown represents an unknown operation
	OpUnknown Operation = iota
	// OpStart starts a service
	OpStart
	// OpStop stops a service
	OpStop
	// OpRestart stops then starts a service
	OpRestart
	// OpStatus represents a status query operation
	OpStatus
	// OpLoad represents loading the services file
	OpLoad
)

// Operation string constants
const (
	opUnknownStr = "unknown"
	opStartStr   = "start"
	opStopStr    = "stop"
	opRestartStr = "restart"
	opStatusStr  = "status"
	opLoadStr    = "load"
)

// String returns the string representation of an Operation
func (op Operation) String() string {
	switch op {
	case OpStart:
		return opStartStr
	case OpStop:
		return opStopStr
	case OpRestart:
		return opRestartStr
	case OpStatus:
		return opStatusStr
	case OpLoad:
		return opLoadStr
	default:
		return opUnknownStr
	}
}

// ParseOperation maps an action name to an Operation.
func ParseOperation(s string) Operation {
	switch s {
	case opStartStr:
		return OpStart
	case opStopStr:
		return OpStop
	case opRestartStr:
		return OpRestart
	case opStatusStr:
		return OpStatus
	default:
		return OpUnknown
	}
}
