// Package metrics records optional training metrics. The default sink does
// nothing; a configured sink is only constructed when a run first uses it.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"afm-trainer/internal/domain"
)

// FileName is the metrics log written inside a run's output directory.
const FileName = "metrics.jsonl"

// Point is one progress observation.
type Point struct {
	Stage        string   `json:"stage"`
	Epoch        int      `json:"epoch,omitempty"`
	TotalEpochs  int      `json:"totalEpochs,omitempty"`
	Batch        int      `json:"batch,omitempty"`
	TotalBatches int      `json:"totalBatches,omitempty"`
	Loss         *float64 `json:"loss,omitempty"`
	Fraction     float64  `json:"fraction"`
}

// Sink receives run lifecycle and progress metrics.
type Sink interface {
	Start(runName string, cfg domain.TrainingConfig) error
	Progress(p Point) error
	Finish(status domain.RunStatus, message string) error
	Close() error
}

// Noop discards everything.
type Noop struct{}

func (Noop) Start(string, domain.TrainingConfig) error { return nil }
func (Noop) Progress(Point) error                      { return nil }
func (Noop) Finish(domain.RunStatus, string) error     { return nil }
func (Noop) Close() error                              { return nil }

// Lazy defers building a sink until the first call. A failed build is logged
// once and the run continues with Noop.
type Lazy struct {
	build func() (Sink, error)
	log   zerolog.Logger

	mu   sync.Mutex
	sink Sink
}

// NewLazy wraps a sink constructor.
func NewLazy(build func() (Sink, error), log zerolog.Logger) *Lazy {
	return &Lazy{build: build, log: log}
}

func (l *Lazy) get() Sink {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		sink, err := l.build()
		if err != nil {
			l.log.Warn().Err(err).Msg("metrics disabled")
			sink = Noop{}
		}
		l.sink = sink
	}
	return l.sink
}

// Built reports whether the underlying sink has been constructed.
func (l *Lazy) Built() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sink != nil
}

func (l *Lazy) Start(runName string, cfg domain.TrainingConfig) error {
	return l.get().Start(runName, cfg)
}

func (l *Lazy) Progress(p Point) error {
	return l.get().Progress(p)
}

func (l *Lazy) Finish(status domain.RunStatus, message string) error {
	return l.get().Finish(status, message)
}

// Close releases the sink if it was built. A later call builds a fresh one.
func (l *Lazy) Close() error {
	l.mu.Lock()
	sink := l.sink
	l.sink = nil
	l.mu.Unlock()
	if sink == nil {
		return nil
	}
	return sink.Close()
}

// RunName derives a descriptive run name from the configuration.
func RunName(cfg domain.TrainingConfig, now time.Time) string {
	name := cfg.AdapterName
	if name == "" {
		name = "adapter"
	}
	return fmt.Sprintf("%s_e%d_lr%g_bs%d_%s_%s",
		name, cfg.Epochs, cfg.LearningRate, cfg.BatchSize, cfg.Precision, now.Format("0102_1504"))
}

// Tags labels a run by its notable settings.
func Tags(cfg domain.TrainingConfig) []string {
	tags := []string{"afm-trainer", "lora"}
	if cfg.Precision != "" {
		tags = append(tags, "precision-"+string(cfg.Precision))
	}
	if cfg.TrainDraft {
		tags = append(tags, "draft-model")
	}
	if cfg.ActivationCheckpointing {
		tags = append(tags, "activation-checkpointing")
	}
	return tags
}
