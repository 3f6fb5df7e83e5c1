package compose

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by service-compose operations
var (
	// ErrInvalidConfig indicates the services file could not be parsed or validated
	ErrInvalidConfig = errors.New("compose: invalid config")

	// ErrCyclicDependency indicates depends_on edges form a cycle
	ErrCyclicDependency = errors.New("compose: cyclic dependency")

	// ErrServiceNotFound indicates an operation named a service that is not configured
	ErrServiceNotFound = errors.New("compose: service not found")

	// ErrConflict indicates another operation holds the control lock for the target
	ErrConflict = errors.New("compose: operation in progress")

	// ErrSpawn indicates the child process could not be started
	ErrSpawn = errors.New("compose: spawn failed")

	// ErrStopTimeout indicates a child ignored SIGTERM and had to be killed
	ErrStopTimeout = errors.New("compose: stop timeout")

	// ErrInvalidCron indicates a schedule expression is not of the form HH:MM[@d,...]
	ErrInvalidCron = errors.New("compose: invalid cron expression")
)

// OpError represents an error from a service operation
type OpError struct {
	// Op is the operation that failed
	Op Operation
	// Service is the target service name
	Service string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *OpError) Error() string {
	return fmt.Sprintf("compose %s %q: %v", e.Op.String(), e.Service, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *OpError) Unwrap() error {
	return e.Err
}

// CycleError names the services left unresolved by dependency leveling.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("compose: cyclic dependency among [%s]", strings.Join(e.Members, ", "))
}

// Unwrap returns ErrCyclicDependency
func (e *CycleError) Unwrap() error {
	return ErrCyclicDependency
}

// ConflictError reports a control lock that was already held.
type ConflictError struct {
	Target string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("compose: %q is busy, try again later", e.Target)
}

// Unwrap returns ErrConflict
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// MultiError collects the per-service failures of a bulk operation.
type MultiError struct {
	Errors []error
}

// Error lists every failure, separated by semicolons.
func (m *MultiError) Error() string {
	switch len(m.Errors) {
	case 0:
		return "no errors"
	case 1:
		return m.Errors[0].Error()
	}
	msgs := make([]string, len(m.Errors))
	for i, err := range m.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d services failed: %s", len(m.Errors), strings.Join(msgs, "; "))
}

// Add records err; nil is ignored.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Err returns nil when nothing failed.
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}
