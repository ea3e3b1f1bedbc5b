package procrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"runtime"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"afm-trainer/internal/domain"
)

// TestHelperProcess is not a real test. It is re-executed by helperCommand to
// act as a scripted toolkit process.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("AFM_WANT_HELPER_PROCESS") != "1" {
		return
	}

	mode := ""
	for i, arg := range os.Args {
		if arg == "--" && i+1 < len(os.Args) {
			mode = os.Args[i+1]
			break
		}
	}

	switch mode {
	case "lines":
		fmt.Println("Epoch 1/2")
		fmt.Fprintln(os.Stderr, "warning: from stderr")
		fmt.Println("")
		fmt.Println("Training 1/2 | loss: 0.5")
		os.Exit(0)
	case "carriage":
		fmt.Print("Training 1/3\rTraining 2/3\r\nTraining 3/3\n")
		os.Exit(0)
	case "exit3":
		fmt.Println("fatal: out of memory")
		os.Exit(3)
	case "stream":
		for i := 0; ; i++ {
			fmt.Printf("line %d\n", i)
			time.Sleep(20 * time.Millisecond)
		}
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		for {
			fmt.Println("tick")
			time.Sleep(20 * time.Millisecond)
		}
	case "silent":
		time.Sleep(time.Minute)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown helper mode %q\n", mode)
		os.Exit(2)
	}
}

func helperCommand(mode string) Command {
	return Command{
		Name: os.Args[0],
		Args: []string{"-test.run=TestHelperProcess", "--", mode},
		Env:  append(os.Environ(), "AFM_WANT_HELPER_PROCESS=1"),
	}
}

func newTestRunner() *ExecRunner {
	r := NewExecRunner(zerolog.Nop())
	r.PollInterval = 20 * time.Millisecond
	return r
}

// TestRunStreamsMergedLinesInOrder checks ordering, log sink and blank skipping.
func TestRunStreamsMergedLinesInOrder(t *testing.T) {
	var got, logged []string
	res, err := newTestRunner().Run(context.Background(), Request{
		Command: helperCommand("lines"),
		Stage:   "running_main",
		OnLine:  func(line string) { got = append(got, line) },
		Log:     func(line string) { logged = append(logged, line) },
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"Epoch 1/2", "warning: from stderr", "Training 1/2 | loss: 0.5"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("lines = %q, want %q", got, want)
	}
	if !reflect.DeepEqual(logged, want) {
		t.Fatalf("logged = %q, want %q", logged, want)
	}
	if res.ExitCode != 0 || res.Lines != 3 {
		t.Fatalf("result = %+v, want exit 0 and 3 lines", res)
	}
}

// TestRunSplitsCarriageReturns checks progress bar redraws become lines.
func TestRunSplitsCarriageReturns(t *testing.T) {
	var got []string
	if _, err := newTestRunner().Run(context.Background(), Request{
		Command: helperCommand("carriage"),
		OnLine:  func(line string) { got = append(got, line) },
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"Training 1/3", "Training 2/3", "Training 3/3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("lines = %q, want %q", got, want)
	}
}

// TestRunReportsNonZeroExitWithoutError checks exit codes are results.
func TestRunReportsNonZeroExitWithoutError(t *testing.T) {
	res, err := newTestRunner().Run(context.Background(), Request{Command: helperCommand("exit3")})
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

// TestRunSpawnFailure checks missing executables and bad directories.
func TestRunSpawnFailure(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{name: "missing executable", cmd: Command{Name: "afm-trainer-no-such-binary"}},
		{name: "missing working dir", cmd: Command{
			Name: os.Args[0],
			Dir:  filepath.Join(t.TempDir(), "does-not-exist"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			_, err := newTestRunner().Run(context.Background(), Request{
				Command: tt.cmd,
				Stage:   "exporting",
				OnLine:  func(string) { called = true },
			})
			if !errors.Is(err, domain.ErrProcessSpawnFailure) {
				t.Fatalf("error = %v, want spawn failure", err)
			}
			if called {
				t.Fatal("OnLine should not be called")
			}
		})
	}
}

// TestRunCancelledBeforeSpawn checks the pre-spawn poll.
func TestRunCancelledBeforeSpawn(t *testing.T) {
	_, err := newTestRunner().Run(context.Background(), Request{
		Command:   Command{Name: "afm-trainer-no-such-binary"},
		Cancelled: func() bool { return true },
	})
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("error = %v, want cancelled", err)
	}
}

// TestRunCancelTerminatesGracefully checks a cooperative process exits on
// SIGTERM well before the grace period elapses.
func TestRunCancelTerminatesGracefully(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("terminate signal is not deliverable on windows")
	}

	var seen atomic.Int32
	start := time.Now()
	res, err := newTestRunner().Run(context.Background(), Request{
		Command:   helperCommand("stream"),
		OnLine:    func(string) { seen.Add(1) },
		Cancelled: func() bool { return seen.Load() >= 3 },
	})
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("error = %v, want cancelled", err)
	}
	if seen.Load() != 3 {
		t.Fatalf("lines delivered = %d, want 3", seen.Load())
	}
	if elapsed := time.Since(start); elapsed >= DefaultGracePeriod {
		t.Fatalf("cancel took %v, want less than grace period", elapsed)
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", res.ExitCode)
	}
}

// TestRunCancelKillsAfterGracePeriod checks escalation to kill.
func TestRunCancelKillsAfterGracePeriod(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("terminate signal is not deliverable on windows")
	}

	r := newTestRunner()
	r.GracePeriod = 200 * time.Millisecond

	var seen atomic.Int32
	start := time.Now()
	_, err := r.Run(context.Background(), Request{
		Command:   helperCommand("stubborn"),
		OnLine:    func(string) { seen.Add(1) },
		Cancelled: func() bool { return seen.Load() >= 2 },
	})
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("error = %v, want cancelled", err)
	}
	elapsed := time.Since(start)
	if elapsed < r.GracePeriod {
		t.Fatalf("returned after %v, expected to wait out the grace period", elapsed)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("returned after %v, expected kill shortly after grace period", elapsed)
	}
}

// TestRunCancelSilentProcess checks the idle poll notices a stop request.
func TestRunCancelSilentProcess(t *testing.T) {
	deadline := time.Now().Add(100 * time.Millisecond)
	start := time.Now()
	_, err := newTestRunner().Run(context.Background(), Request{
		Command:   helperCommand("silent"),
		Cancelled: func() bool { return time.Now().After(deadline) },
	})
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("error = %v, want cancelled", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("cancel took %v", elapsed)
	}
}

// TestRunContextCancel treats context cancellation like a stop request.
func TestRunContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var seen atomic.Int32
	_, err := newTestRunner().Run(ctx, Request{
		Command: helperCommand("stream"),
		OnLine: func(string) {
			if seen.Add(1) == 2 {
				cancel()
			}
		},
	})
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("error = %v, want cancelled", err)
	}
}

func TestCommandString(t *testing.T) {
	cmd := Command{Name: "python3", Args: []string{"-m", "examples.train_adapter", "--train-data", "/data/my set.jsonl"}}
	want := `python3 -m examples.train_adapter --train-data "/data/my set.jsonl"`
	if got := cmd.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestScanLines(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		atEOF   bool
		advance int
		token   string
	}{
		{name: "newline", data: "ab\ncd", advance: 3, token: "ab"},
		{name: "crlf", data: "ab\r\ncd", advance: 4, token: "ab"},
		{name: "bare cr", data: "ab\rcd", advance: 3, token: "ab"},
		{name: "trailing cr needs more", data: "ab\r", advance: 0, token: ""},
		{name: "trailing cr at eof", data: "ab\r", atEOF: true, advance: 3, token: "ab"},
		{name: "no terminator at eof", data: "ab", atEOF: true, advance: 2, token: "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			advance, token, err := scanLines([]byte(tt.data), tt.atEOF)
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if advance != tt.advance || string(token) != tt.token {
				t.Fatalf("scanLines = (%d, %q), want (%d, %q)", advance, token, tt.advance, tt.token)
			}
		})
	}
}
