package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"afm-trainer/internal/domain"
)

// ErrRunAlreadyActive is returned when starting while another run is active.
var ErrRunAlreadyActive = errors.New("training run already active")

// Manager tracks the single allowed active run and its transitions.
type Manager struct {
	mu      sync.RWMutex
	current domain.Run
	newID   func() string
	now     func() time.Time
}

// NewManager creates a manager in idle state.
func NewManager() *Manager {
	return &Manager{
		current: domain.Run{Status: domain.RunStatusIdle},
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Start creates a new run and moves it to validating state.
func (m *Manager) Start() (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if isActive(m.current.Status) {
		return m.current, ErrRunAlreadyActive
	}

	m.current = domain.Run{
		ID:        m.newID(),
		Status:    domain.RunStatusValidating,
		StartedAt: m.now().UTC(),
	}
	return m.current, nil
}

// Transition validates and applies a state change for the current run.
func (m *Manager) Transition(status domain.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.ID == "" && status != domain.RunStatusIdle {
		return fmt.Errorf("cannot transition without an active run")
	}
	if status == m.current.Status {
		return nil
	}
	if !isValidTransition(m.current.Status, status) {
		return fmt.Errorf("invalid transition: %s -> %s", m.current.Status, status)
	}

	m.current.Status = status
	if isTerminal(status) {
		m.current.FinishedAt = m.now().UTC()
	}
	return nil
}

// Current returns a snapshot of the current run.
func (m *Manager) Current() domain.Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reset clears run metadata and returns the manager to idle.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = domain.Run{Status: domain.RunStatusIdle}
}

// IsActive reports whether the current state is validating or a running stage.
func (m *Manager) IsActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return isActive(m.current.Status)
}

func isActive(status domain.RunStatus) bool {
	switch status {
	case domain.RunStatusValidating, domain.RunStatusRunningMain, domain.RunStatusRunningDraft:
		return true
	default:
		return false
	}
}

func isTerminal(status domain.RunStatus) bool {
	switch status {
	case domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusCancelled:
		return true
	default:
		return false
	}
}

// isValidTransition enforces the allowed run state machine edges.
// A validation failure returns the run to idle rather than failed.
func isValidTransition(from, to domain.RunStatus) bool {
	switch from {
	case domain.RunStatusIdle:
		return to == domain.RunStatusValidating
	case domain.RunStatusValidating:
		return to == domain.RunStatusRunningMain || to == domain.RunStatusIdle ||
			to == domain.RunStatusFailed || to == domain.RunStatusCancelled
	case domain.RunStatusRunningMain:
		return to == domain.RunStatusRunningDraft || to == domain.RunStatusCompleted ||
			to == domain.RunStatusFailed || to == domain.RunStatusCancelled
	case domain.RunStatusRunningDraft:
		return to == domain.RunStatusCompleted || to == domain.RunStatusFailed || to == domain.RunStatusCancelled
	case domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusCancelled:
		return to == domain.RunStatusValidating || to == domain.RunStatusIdle
	default:
		return false
	}
}
