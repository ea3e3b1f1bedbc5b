// Package training runs the adapter training toolkit as a state machine:
// validate the configuration, train the adapter, optionally train the draft
// model, and report progress, log lines and produced checkpoints.
package training

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"afm-trainer/internal/checkpoint"
	"afm-trainer/internal/domain"
	"afm-trainer/internal/jobs"
	"afm-trainer/internal/logparse"
	"afm-trainer/internal/metrics"
	"afm-trainer/internal/procrun"
	"afm-trainer/internal/progress"
)

// Callbacks receive run output. OnLine-driven callbacks are invoked on the
// worker goroutine in output order; OnCheckpoint may fire from the watcher
// goroutine. Any callback may be nil.
type Callbacks struct {
	OnProgress   func(domain.ProgressEvent)
	OnLog        func(string)
	OnStatus     func(domain.Run)
	OnCheckpoint func(domain.Checkpoint)
}

func (cb Callbacks) progress(ev domain.ProgressEvent) {
	if cb.OnProgress != nil {
		cb.OnProgress(ev)
	}
}

func (cb Callbacks) log(line string) {
	if cb.OnLog != nil {
		cb.OnLog(line)
	}
}

func (cb Callbacks) status(run domain.Run) {
	if cb.OnStatus != nil {
		cb.OnStatus(run)
	}
}

func (cb Callbacks) checkpoint(cp domain.Checkpoint) {
	if cb.OnCheckpoint != nil {
		cb.OnCheckpoint(cp)
	}
}

// Validator checks a configuration before a run starts.
type Validator interface {
	Validate(cfg domain.TrainingConfig) error
}

// MetricsFactory returns the sink for one run. The sink is closed when the
// run ends.
type MetricsFactory func(cfg domain.TrainingConfig) metrics.Sink

// Options configures an Orchestrator.
type Options struct {
	// Python is the interpreter used to invoke the toolkit.
	Python string
	// Metrics builds a per-run sink; nil means no metrics.
	Metrics MetricsFactory
	// WatchCheckpoints reports checkpoints as the toolkit writes them.
	WatchCheckpoints bool
}

// Result describes a finished run.
type Result struct {
	Run         domain.Run
	Checkpoints []domain.Checkpoint
}

// Orchestrator executes training runs one at a time.
type Orchestrator struct {
	runner    procrun.Runner
	validator Validator
	finder    *checkpoint.Finder
	manager   *jobs.Manager
	log       zerolog.Logger
	opts      Options
	mkdirAll  func(string, os.FileMode) error

	mu          sync.RWMutex
	checkpoints []domain.Checkpoint
	outputDir   string
}

// NewOrchestrator wires a runner, validator and state manager.
func NewOrchestrator(
	runner procrun.Runner,
	validator Validator,
	finder *checkpoint.Finder,
	manager *jobs.Manager,
	log zerolog.Logger,
	opts Options,
) *Orchestrator {
	return &Orchestrator{
		runner:    runner,
		validator: validator,
		finder:    finder,
		manager:   manager,
		log:       log.With().Str("component", "training").Logger(),
		opts:      opts,
		mkdirAll:  os.MkdirAll,
	}
}

// Current returns the state of the current or most recent run.
func (o *Orchestrator) Current() domain.Run {
	return o.manager.Current()
}

// Active reports whether a run is validating or running.
func (o *Orchestrator) Active() bool {
	return o.manager.IsActive()
}

// Checkpoints returns the checkpoints produced by the last completed run and
// the output directory they were found in.
func (o *Orchestrator) Checkpoints() ([]domain.Checkpoint, string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]domain.Checkpoint(nil), o.checkpoints...), o.outputDir
}

// Run executes one training run and blocks until it reaches a terminal state.
//
// A validation failure returns the manager to idle and reports the first
// violated invariant. Every other failure leaves the run failed or cancelled;
// in all cases a new run can be started afterwards.
func (o *Orchestrator) Run(ctx context.Context, cfg domain.TrainingConfig, stop *StopSignal, cb Callbacks) (Result, error) {
	run, err := o.manager.Start()
	if err != nil {
		return Result{Run: run}, err
	}
	log := o.log.With().Str("run_id", run.ID).Logger()
	cb.status(run)

	if err := o.validator.Validate(cfg); err != nil {
		log.Warn().Err(err).Msg("configuration rejected")
		o.transition(domain.RunStatusIdle, cb)
		return Result{Run: o.manager.Current()}, err
	}
	if stop.IsSet() {
		return o.finish(log, nil, domain.RunStatusCancelled, cancelled(domain.RunStatusValidating), cb)
	}
	if err := o.mkdirAll(cfg.OutputDir, 0o755); err != nil {
		runErr := &domain.RunError{
			Kind:    domain.KindConfigurationInvalid,
			Stage:   string(domain.RunStatusValidating),
			Field:   "output_dir",
			Message: "cannot create output directory",
			Err:     err,
		}
		return o.finish(log, nil, domain.RunStatusFailed, runErr, cb)
	}

	sink := o.metricsFor(cfg)
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn().Err(err).Msg("close metrics")
		}
	}()

	stopWatch := o.watch(ctx, log, cfg.OutputDir, cb)
	defer stopWatch()

	mainStage, draftStage := progress.Stages(cfg.TrainDraft)

	o.transition(domain.RunStatusRunningMain, cb)
	if err := sink.Start(metrics.RunName(cfg, time.Now()), cfg); err != nil {
		log.Warn().Err(err).Msg("metrics start")
	}

	mainRun := stageRun{
		cmd:    MainCommand(o.opts.Python, cfg),
		status: domain.RunStatusRunningMain,
		stage:  mainStage,
		epochs: cfg.Epochs,
	}
	cb.log("Training command: " + mainRun.cmd.String())
	if err := o.runStage(ctx, log, mainRun, stop, sink, cb); err != nil {
		return o.finish(log, sink, statusFor(err), err, cb)
	}

	if cfg.TrainDraft {
		o.transition(domain.RunStatusRunningDraft, cb)
		cb.log("Starting draft model training...")
		if stop.IsSet() {
			return o.finish(log, sink, domain.RunStatusCancelled, cancelled(domain.RunStatusRunningDraft), cb)
		}

		adapter, err := o.finder.MostRecent(cfg.OutputDir, domain.CheckpointAdapter)
		if err != nil {
			cb.log("No adapter checkpoint found for draft model training")
			return o.finish(log, sink, domain.RunStatusFailed, withStage(err, domain.RunStatusRunningDraft), cb)
		}
		cb.log("Using adapter checkpoint: " + adapter.Path)

		draftRun := stageRun{
			cmd:       DraftCommand(o.opts.Python, cfg, adapter),
			status:    domain.RunStatusRunningDraft,
			stage:     draftStage,
			logPrefix: "[Draft] ",
			epochs:    cfg.Epochs,
		}
		cb.log("Draft training command: " + draftRun.cmd.String())
		if err := o.runStage(ctx, log, draftRun, stop, sink, cb); err != nil {
			return o.finish(log, sink, statusFor(err), err, cb)
		}
	}

	found, err := o.collect(cfg.OutputDir)
	if err != nil {
		log.Warn().Err(err).Msg("list checkpoints")
	}
	o.mu.Lock()
	o.checkpoints = found
	o.outputDir = cfg.OutputDir
	o.mu.Unlock()

	res, _ := o.finish(log, sink, domain.RunStatusCompleted, nil, cb)
	res.Checkpoints = found
	return res, nil
}

// stageRun is one toolkit process within a run.
type stageRun struct {
	cmd       procrun.Command
	status    domain.RunStatus
	stage     progress.Stage
	logPrefix string
	epochs    int
}

// runStage runs one toolkit process and converts its outcome into an error.
func (o *Orchestrator) runStage(ctx context.Context, log zerolog.Logger, sr stageRun, stop *StopSignal, sink metrics.Sink, cb Callbacks) error {
	tracker := progress.NewTracker(sr.stage, sr.epochs)
	stage := sr.stage
	cb.progress(tracker.Start())

	res, err := o.runner.Run(ctx, procrun.Request{
		Command: sr.cmd,
		Stage:   string(sr.status),
		Log:     func(line string) { cb.log(sr.logPrefix + line) },
		OnLine: func(line string) {
			rec := logparse.ParseLine(line)
			ev, ok := tracker.Observe(rec)
			if !ok {
				return
			}
			cb.progress(ev)
			epoch, totalEpochs := tracker.Epoch()
			batch, totalBatches := tracker.Batch()
			if err := sink.Progress(metrics.Point{
				Stage:        stage.Name,
				Epoch:        epoch,
				TotalEpochs:  totalEpochs,
				Batch:        batch,
				TotalBatches: totalBatches,
				Loss:         rec.Loss,
				Fraction:     ev.Fraction,
			}); err != nil {
				log.Debug().Err(err).Msg("metrics progress")
			}
		},
		Cancelled: stop.IsSet,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("stage", string(sr.status)).
		Int("exit_code", res.ExitCode).
		Int("lines", res.Lines).
		Dur("duration", res.Duration).
		Msg("stage finished")

	if res.ExitCode != 0 {
		return &domain.RunError{
			Kind:     domain.KindProcessExitFailure,
			Stage:    string(sr.status),
			Message:  "toolkit process failed",
			ExitCode: res.ExitCode,
		}
	}
	cb.progress(tracker.Complete())
	return nil
}

// finish moves the run to a terminal state and records the outcome.
func (o *Orchestrator) finish(log zerolog.Logger, sink metrics.Sink, status domain.RunStatus, runErr error, cb Callbacks) (Result, error) {
	o.transition(status, cb)

	message := "Training completed successfully"
	if runErr != nil {
		message = runErr.Error()
	}
	if sink != nil {
		if err := sink.Finish(status, message); err != nil {
			log.Warn().Err(err).Msg("metrics finish")
		}
	}

	event := log.Info()
	if status == domain.RunStatusFailed {
		event = log.Error().Err(runErr)
	}
	event.Str("status", string(status)).Msg("run finished")

	return Result{Run: o.manager.Current()}, runErr
}

func (o *Orchestrator) transition(status domain.RunStatus, cb Callbacks) {
	if err := o.manager.Transition(status); err != nil {
		o.log.Error().Err(err).Msg("state transition")
		return
	}
	cb.status(o.manager.Current())
}

func (o *Orchestrator) metricsFor(cfg domain.TrainingConfig) metrics.Sink {
	if o.opts.Metrics == nil {
		return metrics.Noop{}
	}
	if sink := o.opts.Metrics(cfg); sink != nil {
		return sink
	}
	return metrics.Noop{}
}

// watch starts the checkpoint watcher and returns a function that stops it.
func (o *Orchestrator) watch(ctx context.Context, log zerolog.Logger, dir string, cb Callbacks) func() {
	if !o.opts.WatchCheckpoints {
		return func() {}
	}

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w := checkpoint.NewWatcher(dir, log, func(cp domain.Checkpoint) {
		cb.log(fmt.Sprintf("Checkpoint saved: %s", filepath.Base(cp.Path)))
		cb.checkpoint(cp)
	})
	go func() {
		defer close(done)
		if err := w.Run(wctx, nil); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("checkpoint watcher")
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (o *Orchestrator) collect(dir string) ([]domain.Checkpoint, error) {
	adapters, err := o.finder.List(dir, domain.CheckpointAdapter)
	if err != nil {
		return nil, err
	}
	drafts, err := o.finder.List(dir, domain.CheckpointDraftModel)
	if err != nil {
		return adapters, err
	}
	return append(adapters, drafts...), nil
}

func statusFor(err error) domain.RunStatus {
	if domain.KindOf(err) == domain.KindCancelled {
		return domain.RunStatusCancelled
	}
	return domain.RunStatusFailed
}

func cancelled(stage domain.RunStatus) error {
	return &domain.RunError{Kind: domain.KindCancelled, Stage: string(stage), Message: "stopped by user"}
}

// withStage labels a checkpoint lookup error with the stage that needed it.
func withStage(err error, stage domain.RunStatus) error {
	var runErr *domain.RunError
	if errors.As(err, &runErr) {
		copied := *runErr
		copied.Stage = string(stage)
		return &copied
	}
	return err
}
