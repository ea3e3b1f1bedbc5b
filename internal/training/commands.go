package training

import (
	"strconv"

	"afm-trainer/internal/domain"
	"afm-trainer/internal/procrun"
)

// Toolkit entry points, run as python modules from the toolkit directory.
const (
	mainModule  = "examples.train_adapter"
	draftModule = "examples.train_draft_model"
)

// MainCommand builds the adapter training invocation.
func MainCommand(python string, cfg domain.TrainingConfig) procrun.Command {
	args := []string{
		"-m", mainModule,
		"--train-data", cfg.TrainData,
		"--epochs", strconv.Itoa(cfg.Epochs),
		"--learning-rate", formatFloat(cfg.LearningRate),
		"--batch-size", strconv.Itoa(cfg.BatchSize),
		"--warmup-epochs", strconv.Itoa(cfg.WarmupEpochs),
		"--gradient-accumulation-steps", strconv.Itoa(cfg.GradientAccumulationSteps),
		"--weight-decay", formatFloat(cfg.WeightDecay),
		"--clip-grad-norm", formatFloat(cfg.ClipGradNorm),
		"--precision", string(cfg.Precision),
		"--loss-update-frequency", strconv.Itoa(cfg.LossUpdateFrequency),
		"--checkpoint-dir", cfg.OutputDir,
		"--checkpoint-frequency", "1",
	}
	if cfg.EvalData != "" {
		args = append(args, "--eval-data", cfg.EvalData)
	}
	if cfg.ActivationCheckpointing {
		args = append(args, "--activation-checkpointing")
	}
	if cfg.CompileModel {
		args = append(args, "--compile-model")
	}
	if cfg.FixedSizedSequences {
		args = append(args, "--fixed-sized-sequences")
	}
	if cfg.PackSequences {
		args = append(args, "--pack-sequences")
	}
	if cfg.MaxSequenceLength > 0 {
		args = append(args, "--max-sequence-length", strconv.Itoa(cfg.MaxSequenceLength))
	}

	return procrun.Command{Name: pythonOrDefault(python), Args: args, Dir: cfg.ToolkitDir}
}

// DraftCommand builds the draft model invocation seeded from an adapter checkpoint.
func DraftCommand(python string, cfg domain.TrainingConfig, adapter domain.Checkpoint) procrun.Command {
	args := []string{
		"-m", draftModule,
		"--checkpoint", adapter.Path,
		"--train-data", cfg.TrainData,
		"--epochs", strconv.Itoa(cfg.Epochs),
		"--learning-rate", formatFloat(cfg.LearningRate),
		"--batch-size", strconv.Itoa(cfg.BatchSize),
		"--checkpoint-dir", cfg.OutputDir,
		"--checkpoint-frequency", "1",
	}
	if cfg.EvalData != "" {
		args = append(args, "--eval-data", cfg.EvalData)
	}

	return procrun.Command{Name: pythonOrDefault(python), Args: args, Dir: cfg.ToolkitDir}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func pythonOrDefault(python string) string {
	if python == "" {
		return "python3"
	}
	return python
}
