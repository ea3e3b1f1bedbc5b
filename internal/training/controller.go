package training

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"afm-trainer/internal/domain"
	"afm-trainer/internal/errreport"
)

// ErrBusy is returned when a toolkit process is already running.
var ErrBusy = errors.New("another toolkit operation is running")

// Packager exports trained checkpoints.
type Packager interface {
	Export(ctx context.Context, cfg domain.ExportConfig, found []domain.Checkpoint, onLog func(string), cancelled func() bool) (domain.ExportResult, error)
	AssetPack(ctx context.Context, cfg domain.AssetPackConfig, onLog func(string), cancelled func() bool) (string, error)
}

// Controller is the boundary used by the desktop app and the CLI. It turns
// every failure into a false return plus a reported, human-readable message,
// and allows one toolkit process at a time.
type Controller struct {
	orch     *Orchestrator
	packager Packager
	reporter *errreport.Reporter

	mu   sync.Mutex
	stop *StopSignal
	busy atomic.Bool
}

// NewController wires the orchestrator, packager and error reporter.
func NewController(orch *Orchestrator, packager Packager, reporter *errreport.Reporter) *Controller {
	return &Controller{orch: orch, packager: packager, reporter: reporter}
}

// Start runs training with progress and log callbacks and reports success.
func (c *Controller) Start(ctx context.Context, cfg domain.TrainingConfig, onProgress func(domain.ProgressEvent), onLog func(string)) bool {
	_, ok := c.Train(ctx, cfg, Callbacks{OnProgress: onProgress, OnLog: onLog})
	return ok
}

// Train runs training with the full callback set.
func (c *Controller) Train(ctx context.Context, cfg domain.TrainingConfig, cb Callbacks) (Result, bool) {
	stop, ok := c.begin()
	if !ok {
		c.fail("Start training", ErrBusy, cb.OnLog)
		return Result{Run: c.orch.Current()}, false
	}
	defer c.end()

	res, err := c.orch.Run(ctx, cfg, stop, cb)
	if err != nil {
		c.fail("Training", err, cb.OnLog)
		return res, false
	}
	if cb.OnLog != nil {
		cb.OnLog("Training completed successfully!")
	}
	return res, true
}

// Stop requests cancellation of the running operation. It is a no-op when
// nothing is running.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		c.stop.Set()
	}
}

// Busy reports whether a training, export or asset pack operation is running.
func (c *Controller) Busy() bool {
	return c.busy.Load()
}

// Export packages the checkpoints in cfg.OutputDir, preferring those recorded
// by the last completed run in that directory.
func (c *Controller) Export(ctx context.Context, cfg domain.ExportConfig, onLog func(string)) bool {
	_, ok := c.ExportResult(ctx, cfg, onLog)
	return ok
}

// ExportResult is Export returning the produced artifact details.
func (c *Controller) ExportResult(ctx context.Context, cfg domain.ExportConfig, onLog func(string)) (domain.ExportResult, bool) {
	stop, ok := c.begin()
	if !ok {
		c.fail("Export", ErrBusy, onLog)
		return domain.ExportResult{}, false
	}
	defer c.end()

	var found []domain.Checkpoint
	if checkpoints, dir := c.orch.Checkpoints(); dir == cfg.OutputDir {
		found = checkpoints
	}

	res, err := c.packager.Export(ctx, cfg, found, onLog, stop.IsSet)
	if err != nil {
		c.fail("Export", err, onLog)
		return res, false
	}
	return res, true
}

// AssetPack builds a background asset pack from an exported adapter.
func (c *Controller) AssetPack(ctx context.Context, cfg domain.AssetPackConfig, onLog func(string)) (string, bool) {
	stop, ok := c.begin()
	if !ok {
		c.fail("Asset pack", ErrBusy, onLog)
		return "", false
	}
	defer c.end()

	path, err := c.packager.AssetPack(ctx, cfg, onLog, stop.IsSet)
	if err != nil {
		c.fail("Asset pack", err, onLog)
		return "", false
	}
	return path, true
}

func (c *Controller) begin() (*StopSignal, bool) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, false
	}
	stop := NewStopSignal()
	c.mu.Lock()
	c.stop = stop
	c.mu.Unlock()
	return stop, true
}

func (c *Controller) end() {
	c.mu.Lock()
	c.stop = nil
	c.mu.Unlock()
	c.busy.Store(false)
}

func (c *Controller) fail(action string, err error, onLog func(string)) {
	msg := c.reporter.Report(action, err)
	if onLog != nil {
		onLog(msg)
	}
}

// Current returns the state of the current or most recent training run.
func (c *Controller) Current() domain.Run {
	return c.orch.Current()
}
