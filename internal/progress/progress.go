// Package progress turns parsed log markers into normalized run progress.
package progress

import (
	"fmt"

	"afm-trainer/internal/domain"
	"afm-trainer/internal/logparse"
)

// Stage maps one training stage onto a slice of the overall [0,1] range.
type Stage struct {
	Name   string
	Prefix string
	Weight float64
	Offset float64
}

// Stages returns the main and draft stage mappings. With draft training the
// main stage covers [0, 0.5] and the draft stage [0.5, 1]; otherwise the main
// stage covers [0, 1] and the draft stage is unused.
func Stages(trainDraft bool) (main, draft Stage) {
	if !trainDraft {
		return Stage{Name: "main", Weight: 1}, Stage{}
	}
	return Stage{Name: "main", Weight: 0.5},
		Stage{Name: "draft", Prefix: "Draft: ", Weight: 0.5, Offset: 0.5}
}

// Fraction computes overall progress for the given counters within a stage.
// Batch counters are ignored when totalBatches is not positive.
func Fraction(currentEpoch, totalEpochs, currentBatch, totalBatches int, stage Stage) float64 {
	if totalEpochs <= 0 {
		return stage.Offset
	}

	within := float64(currentEpoch-1) / float64(totalEpochs)
	if totalBatches > 0 {
		within += float64(currentBatch) / float64(totalBatches) / float64(totalEpochs)
	}
	return stage.Offset + stage.Weight*clamp01(within)
}

// Message renders epoch, optional batch and optional loss text.
func Message(currentEpoch, totalEpochs, currentBatch, totalBatches int, loss *float64) string {
	msg := fmt.Sprintf("Epoch %d/%d", currentEpoch, totalEpochs)
	if currentBatch > 0 && totalBatches > 0 {
		msg += fmt.Sprintf(", Batch %d/%d", currentBatch, totalBatches)
	}
	if loss != nil {
		msg += fmt.Sprintf(", Loss: %.4f", *loss)
	}
	return msg
}

// Tracker accumulates counters across lines of one stage and emits events.
// It is not safe for concurrent use; the runner delivers lines sequentially.
type Tracker struct {
	stage        Stage
	epoch        int
	totalEpochs  int
	batch        int
	totalBatches int
	last         float64
	lastLoss     *float64
}

// NewTracker creates a tracker for one stage. totalEpochs is the configured
// epoch count, used until the output reports its own total.
func NewTracker(stage Stage, totalEpochs int) *Tracker {
	return &Tracker{
		stage:       stage,
		totalEpochs: totalEpochs,
		last:        stage.Offset,
	}
}

// Observe folds one parsed record into the tracker. It returns false when the
// record carries no markers.
func (t *Tracker) Observe(rec logparse.Record) (domain.ProgressEvent, bool) {
	if rec.Empty() {
		return domain.ProgressEvent{}, false
	}

	if rec.Epoch != nil {
		if rec.Epoch.Current != t.epoch {
			t.batch, t.totalBatches = 0, 0
		}
		t.epoch = rec.Epoch.Current
		if rec.Epoch.Total > 0 {
			t.totalEpochs = rec.Epoch.Total
		}
	}
	if rec.Batch != nil {
		t.batch = rec.Batch.Current
		t.totalBatches = rec.Batch.Total
	}
	if rec.Loss != nil {
		loss := *rec.Loss
		t.lastLoss = &loss
	}

	fraction := Fraction(t.epoch, t.totalEpochs, t.batch, t.totalBatches, t.stage)
	if fraction < t.last {
		fraction = t.last
	}
	t.last = fraction

	return domain.ProgressEvent{
		Fraction: fraction,
		Message:  t.stage.Prefix + Message(t.epoch, t.totalEpochs, t.batch, t.totalBatches, rec.Loss),
	}, true
}

// Start returns the event reported when the stage begins.
func (t *Tracker) Start() domain.ProgressEvent {
	return domain.ProgressEvent{
		Fraction: t.stage.Offset,
		Message:  t.stage.Prefix + "Training starting...",
	}
}

// Complete returns the event reported when the stage exits successfully.
func (t *Tracker) Complete() domain.ProgressEvent {
	t.last = t.stage.Offset + t.stage.Weight
	return domain.ProgressEvent{
		Fraction: t.last,
		Message:  t.stage.Prefix + "Training completed successfully",
	}
}

// Epoch returns the last observed epoch counters.
func (t *Tracker) Epoch() (current, total int) {
	return t.epoch, t.totalEpochs
}

// Batch returns the last observed batch counters.
func (t *Tracker) Batch() (current, total int) {
	return t.batch, t.totalBatches
}

// LastLoss returns the most recent loss value, if any was seen.
func (t *Tracker) LastLoss() (float64, bool) {
	if t.lastLoss == nil {
		return 0, false
	}
	return *t.lastLoss, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
