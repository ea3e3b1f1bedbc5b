package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies run failures for the presentation layer.
type ErrorKind string

const (
	KindConfigurationInvalid ErrorKind = "configuration_invalid"
	KindProcessSpawnFailure  ErrorKind = "process_spawn_failure"
	KindProcessExitFailure   ErrorKind = "process_exit_failure"
	KindArtifactMissing      ErrorKind = "artifact_missing"
	KindCheckpointNotFound   ErrorKind = "checkpoint_not_found"
	KindCancelled            ErrorKind = "cancelled"
)

// Sentinel errors, one per kind. A *RunError matches the sentinel of its kind
// under errors.Is.
var (
	ErrConfigurationInvalid = errors.New("configuration invalid")
	ErrProcessSpawnFailure  = errors.New("process could not be started")
	ErrProcessExitFailure   = errors.New("process exited with failure")
	ErrArtifactMissing      = errors.New("expected artifact missing")
	ErrCheckpointNotFound   = errors.New("checkpoint not found")
	ErrCancelled            = errors.New("cancelled")
)

var kindSentinels = map[ErrorKind]error{
	KindConfigurationInvalid: ErrConfigurationInvalid,
	KindProcessSpawnFailure:  ErrProcessSpawnFailure,
	KindProcessExitFailure:   ErrProcessExitFailure,
	KindArtifactMissing:      ErrArtifactMissing,
	KindCheckpointNotFound:   ErrCheckpointNotFound,
	KindCancelled:            ErrCancelled,
}

// RunError is a stage-aware error with optional field and exit code context.
type RunError struct {
	Kind     ErrorKind `json:"kind"`
	Stage    string    `json:"stage,omitempty"`
	Field    string    `json:"field,omitempty"`
	Message  string    `json:"message"`
	ExitCode int       `json:"exitCode,omitempty"`
	Err      error     `json:"-"`
}

// Error formats run failures for logs and UI.
func (e *RunError) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Kind == KindProcessExitFailure {
		msg = fmt.Sprintf("%s (exit=%d)", msg, e.ExitCode)
	}
	if e.Stage == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Stage, msg)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *RunError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *RunError) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// KindOf returns the kind of the first RunError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Kind
	}
	if errors.Is(err, ErrCancelled) {
		return KindCancelled
	}
	return ""
}

// InvalidConfig builds a ConfigurationInvalid error for one field.
func InvalidConfig(field, message string) *RunError {
	return &RunError{
		Kind:    KindConfigurationInvalid,
		Stage:   "validating",
		Field:   field,
		Message: message,
	}
}
