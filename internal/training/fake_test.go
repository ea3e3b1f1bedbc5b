package training

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"afm-trainer/internal/checkpoint"
	"afm-trainer/internal/domain"
	"afm-trainer/internal/jobs"
	"afm-trainer/internal/procrun"
)

// script is what the fake runner does for one invocation.
type script struct {
	lines    []string
	exitCode int
	err      error
	// waitCancel blocks until the cancellation predicate reports true.
	waitCancel bool
	after      func(req procrun.Request)
}

type fakeRunner struct {
	mu      sync.Mutex
	scripts []script
	calls   []procrun.Request
	started chan struct{}
}

func newFakeRunner(scripts ...script) *fakeRunner {
	return &fakeRunner{scripts: scripts, started: make(chan struct{}, len(scripts)+1)}
}

func (f *fakeRunner) Run(ctx context.Context, req procrun.Request) (procrun.Result, error) {
	f.mu.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, req)
	var s script
	if idx < len(f.scripts) {
		s = f.scripts[idx]
	}
	f.mu.Unlock()
	f.started <- struct{}{}

	if s.err != nil {
		return procrun.Result{ExitCode: -1}, s.err
	}
	for _, line := range s.lines {
		if req.Log != nil {
			req.Log(line)
		}
		if req.OnLine != nil {
			req.OnLine(line)
		}
	}
	if s.waitCancel {
		for !req.Cancelled() {
			select {
			case <-ctx.Done():
				return procrun.Result{ExitCode: -1}, ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}
		return procrun.Result{ExitCode: -1}, &domain.RunError{Kind: domain.KindCancelled, Stage: req.Stage, Message: "stopped by user"}
	}
	if s.after != nil {
		s.after(req)
	}
	return procrun.Result{ExitCode: s.exitCode, Lines: len(s.lines)}, nil
}

func (f *fakeRunner) Calls() []procrun.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]procrun.Request(nil), f.calls...)
}

type fakeValidator struct {
	err error
}

func (v fakeValidator) Validate(domain.TrainingConfig) error {
	return v.err
}

// recorder collects callback output; safe for use from several goroutines.
type recorder struct {
	mu       sync.Mutex
	progress []domain.ProgressEvent
	logs     []string
	statuses []domain.RunStatus
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(ev domain.ProgressEvent) {
			r.mu.Lock()
			r.progress = append(r.progress, ev)
			r.mu.Unlock()
		},
		OnLog: func(line string) {
			r.mu.Lock()
			r.logs = append(r.logs, line)
			r.mu.Unlock()
		},
		OnStatus: func(run domain.Run) {
			r.mu.Lock()
			r.statuses = append(r.statuses, run.Status)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) Progress() []domain.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ProgressEvent(nil), r.progress...)
}

func (r *recorder) Logs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logs...)
}

func (r *recorder) Statuses() []domain.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RunStatus(nil), r.statuses...)
}

func newTestOrchestrator(runner procrun.Runner, validateErr error) *Orchestrator {
	return NewOrchestrator(
		runner,
		fakeValidator{err: validateErr},
		checkpoint.NewFinder(),
		jobs.NewManager(),
		zerolog.Nop(),
		Options{Python: "python3"},
	)
}

var errSpawn = errors.New("exec: not found")
