package jobs

import (
	"errors"
	"testing"

	"afm-trainer/internal/domain"
)

// TestManagerLifecycle verifies progression through both stages.
func TestManagerLifecycle(t *testing.T) {
	m := NewManager()
	if m.IsActive() {
		t.Fatal("new manager should be idle")
	}

	run, err := m.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.ID == "" || run.Status != domain.RunStatusValidating {
		t.Fatalf("run = %+v, want validating with id", run)
	}
	if !m.IsActive() {
		t.Fatal("expected active after start")
	}

	for _, status := range []domain.RunStatus{
		domain.RunStatusRunningMain,
		domain.RunStatusRunningDraft,
		domain.RunStatusCompleted,
	} {
		if err := m.Transition(status); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	current := m.Current()
	if current.Status != domain.RunStatusCompleted {
		t.Fatalf("current status = %s, want completed", current.Status)
	}
	if current.FinishedAt.IsZero() {
		t.Fatal("expected finish time on terminal state")
	}
	if m.IsActive() {
		t.Fatal("completed run should not be active")
	}
}

// TestManagerRejectsInvalidTransition checks state machine constraints.
func TestManagerRejectsInvalidTransition(t *testing.T) {
	tests := []struct {
		name string
		path []domain.RunStatus
		bad  domain.RunStatus
	}{
		{name: "validating to completed", bad: domain.RunStatusCompleted},
		{name: "validating to draft", bad: domain.RunStatusRunningDraft},
		{name: "draft back to main", path: []domain.RunStatus{domain.RunStatusRunningMain, domain.RunStatusRunningDraft}, bad: domain.RunStatusRunningMain},
		{name: "failed to running", path: []domain.RunStatus{domain.RunStatusFailed}, bad: domain.RunStatusRunningMain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			if _, err := m.Start(); err != nil {
				t.Fatalf("start: %v", err)
			}
			for _, status := range tt.path {
				if err := m.Transition(status); err != nil {
					t.Fatalf("transition to %s: %v", status, err)
				}
			}
			if err := m.Transition(tt.bad); err == nil {
				t.Fatalf("expected invalid transition error for %s", tt.bad)
			}
		})
	}
}

// TestManagerValidationFailureReturnsIdle allows validating -> idle.
func TestManagerValidationFailureReturnsIdle(t *testing.T) {
	m := NewManager()
	if _, err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Transition(domain.RunStatusIdle); err != nil {
		t.Fatalf("transition to idle: %v", err)
	}
	if m.IsActive() {
		t.Fatal("expected inactive after validation failure")
	}
}

// TestManagerRejectsSecondStart enforces a single active run.
func TestManagerRejectsSecondStart(t *testing.T) {
	m := NewManager()
	first, err := m.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Start(); !errors.Is(err, ErrRunAlreadyActive) {
		t.Fatalf("second start error = %v, want %v", err, ErrRunAlreadyActive)
	}

	if err := m.Transition(domain.RunStatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	second, err := m.Start()
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a fresh run id")
	}
}

// TestManagerTransitionWithoutRun rejects transitions before Start.
func TestManagerTransitionWithoutRun(t *testing.T) {
	m := NewManager()
	if err := m.Transition(domain.RunStatusRunningMain); err == nil {
		t.Fatal("expected error without active run")
	}
	if err := m.Transition(domain.RunStatusIdle); err != nil {
		t.Fatalf("idle transition: %v", err)
	}
}
