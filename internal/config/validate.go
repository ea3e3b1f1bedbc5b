package config

import (
	"fmt"
	"os"

	"afm-trainer/internal/domain"
)

// Validator checks training configurations against their invariants.
type Validator struct {
	stat func(string) (os.FileInfo, error)
}

// NewValidator creates a validator that checks paths on the real filesystem.
func NewValidator() *Validator {
	return &Validator{stat: os.Stat}
}

// NewValidatorForTests allows tests to replace filesystem checks.
func NewValidatorForTests(stat func(string) (os.FileInfo, error)) *Validator {
	return &Validator{stat: stat}
}

// Validate checks cfg with the real filesystem.
func Validate(cfg domain.TrainingConfig) error {
	return NewValidator().Validate(cfg)
}

// Validate returns the first violated invariant as a ConfigurationInvalid
// error naming the field, or nil when cfg can be run.
func (v *Validator) Validate(cfg domain.TrainingConfig) error {
	switch {
	case cfg.Epochs <= 0:
		return domain.InvalidConfig("epochs", "must be greater than 0")
	case cfg.LearningRate <= 0:
		return domain.InvalidConfig("learning_rate", "must be greater than 0")
	case cfg.BatchSize <= 0:
		return domain.InvalidConfig("batch_size", "must be greater than 0")
	case cfg.WarmupEpochs < 0:
		return domain.InvalidConfig("warmup_epochs", "must not be negative")
	case cfg.GradientAccumulationSteps <= 0:
		return domain.InvalidConfig("gradient_accumulation_steps", "must be greater than 0")
	case cfg.WeightDecay < 0:
		return domain.InvalidConfig("weight_decay", "must not be negative")
	case cfg.ClipGradNorm <= 0:
		return domain.InvalidConfig("clip_grad_norm", "must be greater than 0")
	case cfg.LossUpdateFrequency <= 0:
		return domain.InvalidConfig("loss_update_frequency", "must be greater than 0")
	case !cfg.Precision.Valid():
		return domain.InvalidConfig("precision", fmt.Sprintf("unknown mode %q", cfg.Precision))
	case cfg.MaxSequenceLength < 0:
		return domain.InvalidConfig("max_sequence_length", "must be greater than 0 when set")
	case cfg.PackSequences && cfg.MaxSequenceLength == 0:
		return domain.InvalidConfig("max_sequence_length", "required when pack_sequences is enabled")
	case cfg.FixedSizedSequences && cfg.MaxSequenceLength == 0:
		return domain.InvalidConfig("max_sequence_length", "required when fixed_sized_sequences is enabled")
	}

	if err := v.requireDir("toolkit_dir", cfg.ToolkitDir); err != nil {
		return err
	}
	if err := v.requireFile("train_data", cfg.TrainData); err != nil {
		return err
	}
	if cfg.EvalData != "" {
		if err := v.requireFile("eval_data", cfg.EvalData); err != nil {
			return err
		}
	}
	if cfg.OutputDir == "" {
		return domain.InvalidConfig("output_dir", "is required")
	}
	return nil
}

func (v *Validator) requireDir(field, path string) error {
	if path == "" {
		return domain.InvalidConfig(field, "is required")
	}
	info, err := v.stat(path)
	if err != nil {
		return domain.InvalidConfig(field, fmt.Sprintf("%s does not exist", path))
	}
	if !info.IsDir() {
		return domain.InvalidConfig(field, fmt.Sprintf("%s is not a directory", path))
	}
	return nil
}

func (v *Validator) requireFile(field, path string) error {
	if path == "" {
		return domain.InvalidConfig(field, "is required")
	}
	info, err := v.stat(path)
	if err != nil {
		return domain.InvalidConfig(field, fmt.Sprintf("%s does not exist", path))
	}
	if info.IsDir() {
		return domain.InvalidConfig(field, fmt.Sprintf("%s is a directory", path))
	}
	return nil
}
