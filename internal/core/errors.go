package core

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProject is returned when a trigger or build names a project the registry does not know.
	ErrUnknownProject = errors.New("unknown project")
	// ErrDuplicateProject is returned when a project name is registered twice.
	ErrDuplicateProject = errors.New("duplicate project")
	// ErrCommandNotFound is returned when a command name is in neither the project nor the global table.
	ErrCommandNotFound = errors.New("command not found")
	// ErrProcessExecution is returned when a command script could not be started or completed.
	ErrProcessExecution = errors.New("process execution failed")
	// ErrSchedulerInvariant marks internal dispatcher corruption. It is fatal to the dispatcher.
	ErrSchedulerInvariant = errors.New("scheduler invariant violated")
	// ErrDispatcherStopped is returned by Trigger after Shutdown.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// UnknownProjectError carries the offending project name.
type UnknownProjectError struct {
	Name string
}

func (e *UnknownProjectError) Error() string {
	return fmt.Sprintf("unknown project %q", e.Name)
}

func (e *UnknownProjectError) Is(target error) bool {
	return target == ErrUnknownProject
}

// CommandNotFoundError reports a command name that resolved neither locally nor globally.
type CommandNotFoundError struct {
	Project string
	Name    string
}

func (e *CommandNotFoundError) Error() string {
	return fmt.Sprintf("command %q not found for project %q", e.Name, e.Project)
}

func (e *CommandNotFoundError) Is(target error) bool {
	return target == ErrCommandNotFound
}

// ProcessError wraps a failure to launch or finish a command script.
type ProcessError struct {
	WorkDir string
	Err     error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("execute script in %s: %v", e.WorkDir, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

func (e *ProcessError) Is(target error) bool {
	return target == ErrProcessExecution
}

// InvariantViolationError describes inconsistent dispatcher state.
type InvariantViolationError struct {
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("scheduler invariant violated: %s", e.Detail)
}

func (e *InvariantViolationError) Is(target error) bool {
	return target == ErrSchedulerInvariant
}
