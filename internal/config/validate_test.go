package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"afm-trainer/internal/domain"
)

type fakeInfo struct {
	name string
	dir  bool
}

func (f fakeInfo) Name() string       { return f.name }
func (f fakeInfo) Size() int64        { return 0 }
func (f fakeInfo) Mode() fs.FileMode  { return 0 }
func (f fakeInfo) ModTime() time.Time { return time.Time{} }
func (f fakeInfo) IsDir() bool        { return f.dir }
func (f fakeInfo) Sys() any           { return nil }

func fakeStat(entries map[string]bool) func(string) (os.FileInfo, error) {
	return func(path string) (os.FileInfo, error) {
		dir, ok := entries[path]
		if !ok {
			return nil, os.ErrNotExist
		}
		return fakeInfo{name: filepath.Base(path), dir: dir}, nil
	}
}

func validConfig() domain.TrainingConfig {
	cfg := DefaultTrainingConfig()
	cfg.ToolkitDir = "/toolkit"
	cfg.TrainData = "/data/train.jsonl"
	cfg.OutputDir = "/out"
	return cfg
}

// TestValidate reports the first violated invariant and its field.
func TestValidate(t *testing.T) {
	v := NewValidatorForTests(fakeStat(map[string]bool{
		"/toolkit":          true,
		"/data/train.jsonl": false,
		"/data/eval.jsonl":  false,
	}))

	tests := []struct {
		name      string
		mutate    func(*domain.TrainingConfig)
		wantField string
	}{
		{name: "valid", mutate: func(*domain.TrainingConfig) {}},
		{name: "valid with eval", mutate: func(c *domain.TrainingConfig) { c.EvalData = "/data/eval.jsonl" }},
		{name: "zero epochs", mutate: func(c *domain.TrainingConfig) { c.Epochs = 0 }, wantField: "epochs"},
		{name: "negative lr", mutate: func(c *domain.TrainingConfig) { c.LearningRate = -1 }, wantField: "learning_rate"},
		{name: "zero batch", mutate: func(c *domain.TrainingConfig) { c.BatchSize = 0 }, wantField: "batch_size"},
		{name: "negative warmup", mutate: func(c *domain.TrainingConfig) { c.WarmupEpochs = -1 }, wantField: "warmup_epochs"},
		{name: "zero warmup ok", mutate: func(c *domain.TrainingConfig) { c.WarmupEpochs = 0 }},
		{name: "zero grad accum", mutate: func(c *domain.TrainingConfig) { c.GradientAccumulationSteps = 0 }, wantField: "gradient_accumulation_steps"},
		{name: "negative weight decay", mutate: func(c *domain.TrainingConfig) { c.WeightDecay = -0.1 }, wantField: "weight_decay"},
		{name: "zero clip", mutate: func(c *domain.TrainingConfig) { c.ClipGradNorm = 0 }, wantField: "clip_grad_norm"},
		{name: "zero loss frequency", mutate: func(c *domain.TrainingConfig) { c.LossUpdateFrequency = 0 }, wantField: "loss_update_frequency"},
		{name: "unknown precision", mutate: func(c *domain.TrainingConfig) { c.Precision = "int8" }, wantField: "precision"},
		{name: "pack without max len", mutate: func(c *domain.TrainingConfig) { c.PackSequences = true }, wantField: "max_sequence_length"},
		{name: "fixed without max len", mutate: func(c *domain.TrainingConfig) { c.FixedSizedSequences = true }, wantField: "max_sequence_length"},
		{name: "pack with max len", mutate: func(c *domain.TrainingConfig) { c.PackSequences = true; c.MaxSequenceLength = 4095 }},
		{name: "missing toolkit", mutate: func(c *domain.TrainingConfig) { c.ToolkitDir = "/nope" }, wantField: "toolkit_dir"},
		{name: "toolkit is file", mutate: func(c *domain.TrainingConfig) { c.ToolkitDir = "/data/train.jsonl" }, wantField: "toolkit_dir"},
		{name: "missing train data", mutate: func(c *domain.TrainingConfig) { c.TrainData = "/data/none.jsonl" }, wantField: "train_data"},
		{name: "missing eval data", mutate: func(c *domain.TrainingConfig) { c.EvalData = "/data/none.jsonl" }, wantField: "eval_data"},
		{name: "empty output", mutate: func(c *domain.TrainingConfig) { c.OutputDir = "" }, wantField: "output_dir"},
		{name: "first violation wins", mutate: func(c *domain.TrainingConfig) { c.BatchSize = 0; c.ClipGradNorm = 0 }, wantField: "batch_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := v.Validate(cfg)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}

			if !errors.Is(err, domain.ErrConfigurationInvalid) {
				t.Fatalf("error = %v, want configuration invalid", err)
			}
			var runErr *domain.RunError
			if !errors.As(err, &runErr) || runErr.Field != tt.wantField {
				t.Fatalf("error = %v, want field %s", err, tt.wantField)
			}
		})
	}
}

// TestValidateRealFilesystem runs the default validator against temp paths.
func TestValidateRealFilesystem(t *testing.T) {
	dir := t.TempDir()
	train := filepath.Join(dir, "train.jsonl")
	if err := os.WriteFile(train, []byte("[]\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := DefaultTrainingConfig()
	cfg.ToolkitDir = dir
	cfg.TrainData = train
	cfg.OutputDir = filepath.Join(dir, "out")

	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
