package metrics

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"afm-trainer/internal/domain"
)

type countingSink struct {
	Noop
	starts int
	closed bool
}

func (c *countingSink) Start(string, domain.TrainingConfig) error { c.starts++; return nil }
func (c *countingSink) Close() error                              { c.closed = true; return nil }

// TestLazyBuildsOnFirstUse checks deferred construction.
func TestLazyBuildsOnFirstUse(t *testing.T) {
	builds := 0
	inner := &countingSink{}
	lazy := NewLazy(func() (Sink, error) {
		builds++
		return inner, nil
	}, zerolog.Nop())

	if lazy.Built() {
		t.Fatal("sink built before first use")
	}
	if err := lazy.Close(); err != nil || builds != 0 {
		t.Fatalf("Close() on unbuilt sink: err=%v builds=%d", err, builds)
	}

	_ = lazy.Start("run", domain.TrainingConfig{})
	_ = lazy.Start("run", domain.TrainingConfig{})
	if builds != 1 || inner.starts != 2 {
		t.Fatalf("builds=%d starts=%d, want 1 and 2", builds, inner.starts)
	}
	if err := lazy.Close(); err != nil || !inner.closed {
		t.Fatalf("Close() err=%v closed=%v", err, inner.closed)
	}
}

// TestLazyFallsBackToNoop keeps the run going when the sink cannot be built.
func TestLazyFallsBackToNoop(t *testing.T) {
	lazy := NewLazy(func() (Sink, error) { return nil, errors.New("no disk") }, zerolog.Nop())
	if err := lazy.Progress(Point{Fraction: 0.5}); err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if !lazy.Built() {
		t.Fatal("expected fallback sink to be built")
	}
}

// TestFileSinkWritesJSONLines checks the on-disk record sequence.
func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", FileName)
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink() error = %v", err)
	}

	loss := 0.42
	cfg := domain.TrainingConfig{Epochs: 2, Precision: domain.PrecisionBF16Mixed, TrainDraft: true}
	if err := sink.Start("run-1", cfg); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := sink.Progress(Point{Stage: "running_main", Epoch: 1, TotalEpochs: 2, Loss: &loss, Fraction: 0.25}); err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if err := sink.Finish(domain.RunStatusCompleted, "done"); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var events []record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("decode %q: %v", scanner.Text(), err)
		}
		events = append(events, rec)
	}
	if len(events) != 3 {
		t.Fatalf("records = %d, want 3", len(events))
	}
	if events[0].Event != "start" || events[0].Run != "run-1" || events[0].Config == nil {
		t.Fatalf("start record = %+v", events[0])
	}
	if events[1].Point == nil || events[1].Point.Loss == nil || *events[1].Point.Loss != loss {
		t.Fatalf("progress record = %+v", events[1])
	}
	if events[2].Status != domain.RunStatusCompleted || events[2].Point == nil || *events[2].Point.Loss != loss {
		t.Fatalf("finish record = %+v", events[2])
	}
}

// TestRunNameAndTags checks the derived identifiers.
func TestRunNameAndTags(t *testing.T) {
	cfg := domain.TrainingConfig{
		AdapterName:  "support",
		Epochs:       3,
		LearningRate: 1e-4,
		BatchSize:    8,
		Precision:    domain.PrecisionF16Mixed,
		TrainDraft:   true,
	}
	now := time.Date(2025, 6, 9, 14, 5, 0, 0, time.UTC)
	if got := RunName(cfg, now); got != "support_e3_lr0.0001_bs8_f16-mixed_0609_1405" {
		t.Fatalf("RunName() = %q", got)
	}

	tags := strings.Join(Tags(cfg), ",")
	if !strings.Contains(tags, "precision-f16-mixed") || !strings.Contains(tags, "draft-model") {
		t.Fatalf("Tags() = %s", tags)
	}
}
