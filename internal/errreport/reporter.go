// Package errreport turns run errors into log entries and short messages
// suitable for the user interface.
package errreport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"afm-trainer/internal/domain"
)

// Level is the severity attached to a user-facing notification.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// NotifyFunc receives user-facing messages.
type NotifyFunc func(message string, level Level)

// Reporter logs errors and forwards user-friendly messages to an optional
// notifier. One instance is built at startup and passed to its users.
type Reporter struct {
	log zerolog.Logger

	mu     sync.RWMutex
	notify NotifyFunc
}

// New creates a reporter. notify may be nil.
func New(log zerolog.Logger, notify NotifyFunc) *Reporter {
	return &Reporter{log: log, notify: notify}
}

// SetNotify replaces the notifier once the presentation layer is ready.
func (r *Reporter) SetNotify(notify NotifyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = notify
}

// Report logs err with its context and returns the user-facing message.
// Cancellation is logged at info since it is user initiated.
func (r *Reporter) Report(action string, err error) string {
	if err == nil {
		return ""
	}
	msg := Friendly(err, action)

	event := r.log.Error()
	level := LevelError
	if domain.KindOf(err) == domain.KindCancelled {
		event = r.log.Info()
		level = LevelWarning
	}
	event.Err(err).Str("action", action).Str("kind", string(domain.KindOf(err))).Msg(msg)

	r.send(msg, level)
	return msg
}

// Warn logs a warning and optionally shows it to the user.
func (r *Reporter) Warn(message string, show bool) {
	r.log.Warn().Msg(message)
	if show {
		r.send(message, LevelWarning)
	}
}

// Info logs an informational message and optionally shows it to the user.
func (r *Reporter) Info(message string, show bool) {
	r.log.Info().Msg(message)
	if show {
		r.send(message, LevelInfo)
	}
}

func (r *Reporter) send(message string, level Level) {
	r.mu.RLock()
	notify := r.notify
	r.mu.RUnlock()
	if notify != nil {
		notify(message, level)
	}
}

// Friendly maps an error to a short message a user can act on.
func Friendly(err error, action string) string {
	var runErr *domain.RunError
	errors.As(err, &runErr)

	switch domain.KindOf(err) {
	case domain.KindCancelled:
		title := "Training"
		if runErr != nil && runErr.Stage != "" {
			title = stageTitle(runErr.Stage)
		}
		return title + " stopped by user."
	case domain.KindConfigurationInvalid:
		return friendlyConfig(runErr)
	case domain.KindProcessSpawnFailure:
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return "Could not start the toolkit process. Check the Python path and the toolkit directory."
		}
		if errors.Is(err, os.ErrPermission) {
			return "Permission denied while starting the toolkit process."
		}
		return fmt.Sprintf("Could not start the toolkit process: %v", err)
	case domain.KindProcessExitFailure:
		return fmt.Sprintf("%s process failed. Check the logs for details. Error code: %d", stageTitle(runErr.Stage), runErr.ExitCode)
	case domain.KindArtifactMissing:
		return fmt.Sprintf("Export finished but no adapter package was produced: %s", runErr.Message)
	case domain.KindCheckpointNotFound:
		return fmt.Sprintf("No checkpoint available: %s. Train an adapter first.", runErr.Message)
	}

	switch {
	case errors.Is(err, os.ErrPermission):
		return "Permission denied. Check file and directory permissions."
	case errors.Is(err, os.ErrNotExist):
		return fmt.Sprintf("Required file not found: %v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return "Operation timed out."
	}

	if action != "" {
		return fmt.Sprintf("%s failed: %v", action, err)
	}
	return fmt.Sprintf("Error: %v", err)
}

func friendlyConfig(runErr *domain.RunError) string {
	switch runErr.Field {
	case "learning_rate":
		return "Invalid learning rate. Please use a positive number."
	case "batch_size":
		return "Invalid batch size. Please use a positive integer."
	case "epochs":
		return "Invalid number of epochs. Please use a positive integer."
	case "train_data", "eval_data":
		return fmt.Sprintf("Dataset file not found (%s %s).", runErr.Field, runErr.Message)
	case "toolkit_dir":
		return fmt.Sprintf("Toolkit directory not found or incomplete (%s).", runErr.Message)
	}
	return fmt.Sprintf("Configuration validation failed: %s %s", runErr.Field, runErr.Message)
}

func stageTitle(stage string) string {
	switch stage {
	case "validating", "running_main":
		return "Training"
	case "running_draft":
		return "Draft model training"
	case "export":
		return "Export"
	case "asset_pack":
		return "Asset pack"
	case "":
		return "Toolkit"
	}
	return stage
}
