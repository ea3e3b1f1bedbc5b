// Package procrun runs one external command and streams its output line by line.
package procrun

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"afm-trainer/internal/domain"
)

// DefaultGracePeriod is how long a terminated process may take to exit
// before it is killed.
const DefaultGracePeriod = 5 * time.Second

// defaultPollInterval bounds cancellation latency while the process is silent.
const defaultPollInterval = 250 * time.Millisecond

const maxLineBytes = 1 << 20

// Command describes one external program invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// String renders the command for logs, quoting arguments with spaces.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	for _, p := range append([]string{c.Name}, c.Args...) {
		if p == "" || strings.ContainsAny(p, " \t\"'") {
			p = strconv.Quote(p)
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " ")
}

// Request contains the command and the per-run callbacks.
type Request struct {
	Command Command
	// Stage labels errors and log entries.
	Stage string
	// OnLine receives every non-empty output line, in order, before the next is read.
	OnLine func(line string)
	// Log receives the same lines; it is the caller's log sink.
	Log func(line string)
	// Cancelled is polled before each line and while the process is silent.
	Cancelled func() bool
}

// Result describes a finished process.
type Result struct {
	ExitCode int
	Lines    int
	Duration time.Duration
}

// Runner abstracts process execution for testability.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// ExecRunner executes commands via os/exec with stdout and stderr merged.
type ExecRunner struct {
	GracePeriod  time.Duration
	PollInterval time.Duration
	log          zerolog.Logger
}

// NewExecRunner builds a runner with the default grace period.
func NewExecRunner(log zerolog.Logger) *ExecRunner {
	return &ExecRunner{
		GracePeriod:  DefaultGracePeriod,
		PollInterval: defaultPollInterval,
		log:          log.With().Str("component", "procrun").Logger(),
	}
}

// Run starts the command and blocks until it exits or is cancelled.
//
// A non-zero exit code is returned in Result with a nil error. Start failures
// return a ProcessSpawnFailure error; cancellation returns a Cancelled error
// after the process has been terminated.
func (r *ExecRunner) Run(ctx context.Context, req Request) (Result, error) {
	cancelled := func() bool {
		if ctx.Err() != nil {
			return true
		}
		return req.Cancelled != nil && req.Cancelled()
	}
	if cancelled() {
		return Result{ExitCode: -1}, cancelError(req.Stage)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return Result{ExitCode: -1}, spawnError(req, err)
	}

	cmd := exec.Command(req.Command.Name, req.Command.Args...)
	cmd.Dir = req.Command.Dir
	if len(req.Command.Env) > 0 {
		cmd.Env = req.Command.Env
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	started := time.Now()
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		return Result{ExitCode: -1}, spawnError(req, err)
	}
	_ = pw.Close()
	defer pr.Close()

	r.log.Info().
		Str("stage", req.Stage).
		Int("pid", cmd.Process.Pid).
		Str("command", req.Command.String()).
		Msg("process started")

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	stopRead := make(chan struct{})
	defer close(stopRead)
	lines := make(chan string)
	go readLines(pr, lines, stopRead)

	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()

	res := Result{ExitCode: -1}
	for open := true; open; {
		if cancelled() {
			r.terminate(cmd.Process, waitDone, req.Stage)
			res.Duration = time.Since(started)
			return res, cancelError(req.Stage)
		}

		select {
		case line, ok := <-lines:
			if !ok {
				open = false
				continue
			}
			res.Lines++
			r.log.Debug().Str("stage", req.Stage).Msg(line)
			if req.Log != nil {
				req.Log(line)
			}
			if req.OnLine != nil {
				req.OnLine(line)
			}
		case <-ticker.C:
		}
	}

	for {
		if cancelled() {
			r.terminate(cmd.Process, waitDone, req.Stage)
			res.Duration = time.Since(started)
			return res, cancelError(req.Stage)
		}

		select {
		case waitErr := <-waitDone:
			res.Duration = time.Since(started)
			code, err := exitCode(waitErr)
			if err != nil {
				return res, fmt.Errorf("wait for %s: %w", req.Command.Name, err)
			}
			res.ExitCode = code
			r.log.Info().
				Str("stage", req.Stage).
				Int("exit_code", code).
				Dur("duration", res.Duration).
				Msg("process exited")
			return res, nil
		case <-ticker.C:
		}
	}
}

// terminate asks the process to stop, then kills it after the grace period.
func (r *ExecRunner) terminate(proc *os.Process, waitDone <-chan error, stage string) {
	r.log.Info().Str("stage", stage).Int("pid", proc.Pid).Msg("terminating process")

	// Process.Signal is not supported on Windows; fall back to Kill there.
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		_ = proc.Kill()
	}

	timer := time.NewTimer(r.gracePeriod())
	defer timer.Stop()

	select {
	case <-waitDone:
	case <-timer.C:
		r.log.Warn().
			Str("stage", stage).
			Int("pid", proc.Pid).
			Dur("grace_period", r.gracePeriod()).
			Msg("process did not exit after terminate, killing")
		_ = proc.Kill()
		<-waitDone
	}
}

func (r *ExecRunner) gracePeriod() time.Duration {
	if r.GracePeriod <= 0 {
		return DefaultGracePeriod
	}
	return r.GracePeriod
}

func (r *ExecRunner) pollInterval() time.Duration {
	if r.PollInterval <= 0 {
		return defaultPollInterval
	}
	return r.PollInterval
}

// readLines scans merged output and sends trimmed, non-empty lines.
func readLines(f *os.File, out chan<- string, stop <-chan struct{}) {
	defer close(out)

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	sc.Split(scanLines)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case out <- line:
		case <-stop:
			return
		}
	}
}

// scanLines splits on "\n", "\r\n" and a bare "\r", so that progress bars
// redrawn with carriage returns surface as separate lines.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' {
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if !atEOF {
				// Need one more byte to tell "\r" from "\r\n".
				return 0, nil, nil
			}
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// exitCode converts a Wait error into an exit code.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func spawnError(req Request, err error) error {
	return &domain.RunError{
		Kind:    domain.KindProcessSpawnFailure,
		Stage:   req.Stage,
		Message: fmt.Sprintf("cannot start %s", req.Command.Name),
		Err:     err,
	}
}

func cancelError(stage string) error {
	return &domain.RunError{
		Kind:    domain.KindCancelled,
		Stage:   stage,
		Message: "stopped by user",
	}
}
