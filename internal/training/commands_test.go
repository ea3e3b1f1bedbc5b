package training

import (
	"strings"
	"testing"

	"afm-trainer/internal/domain"
)

func TestMainCommand(t *testing.T) {
	cfg := domain.TrainingConfig{
		Epochs:                    3,
		LearningRate:              0.0001,
		BatchSize:                 8,
		WarmupEpochs:              1,
		GradientAccumulationSteps: 2,
		WeightDecay:               0.01,
		ClipGradNorm:              1,
		LossUpdateFrequency:       3,
		Precision:                 domain.PrecisionF16Mixed,
		ActivationCheckpointing:   true,
		PackSequences:             true,
		MaxSequenceLength:         2048,
		ToolkitDir:                "/toolkit",
		TrainData:                 "/data/train.jsonl",
		EvalData:                  "/data/eval.jsonl",
		OutputDir:                 "/out",
	}

	cmd := MainCommand("", cfg)
	if cmd.Name != "python3" || cmd.Dir != "/toolkit" {
		t.Fatalf("command = %+v", cmd)
	}
	want := "-m examples.train_adapter --train-data /data/train.jsonl --epochs 3 --learning-rate 0.0001 " +
		"--batch-size 8 --warmup-epochs 1 --gradient-accumulation-steps 2 --weight-decay 0.01 " +
		"--clip-grad-norm 1 --precision f16-mixed --loss-update-frequency 3 --checkpoint-dir /out " +
		"--checkpoint-frequency 1 --eval-data /data/eval.jsonl --activation-checkpointing " +
		"--pack-sequences --max-sequence-length 2048"
	if got := strings.Join(cmd.Args, " "); got != want {
		t.Fatalf("args =\n%s\nwant\n%s", got, want)
	}
}

func TestMainCommandOmitsUnsetOptions(t *testing.T) {
	cmd := MainCommand("/usr/bin/python3.11", domain.TrainingConfig{Epochs: 1, LearningRate: 1e-5, BatchSize: 1})
	if cmd.Name != "/usr/bin/python3.11" {
		t.Fatalf("name = %s", cmd.Name)
	}
	args := strings.Join(cmd.Args, " ")
	for _, flag := range []string{"--eval-data", "--compile-model", "--fixed-sized-sequences", "--max-sequence-length"} {
		if strings.Contains(args, flag) {
			t.Fatalf("unexpected %s in %s", flag, args)
		}
	}
	if !strings.Contains(args, "--learning-rate 1e-05") {
		t.Fatalf("learning rate not formatted: %s", args)
	}
}

func TestDraftCommand(t *testing.T) {
	cfg := domain.TrainingConfig{Epochs: 2, LearningRate: 1e-4, BatchSize: 4, ToolkitDir: "/tk", TrainData: "/d.jsonl", OutputDir: "/out"}
	adapter := domain.Checkpoint{Kind: domain.CheckpointAdapter, Tag: "2", Path: "/out/adapter-2.pt"}

	cmd := DraftCommand("python3", cfg, adapter)
	want := "-m examples.train_draft_model --checkpoint /out/adapter-2.pt --train-data /d.jsonl --epochs 2 " +
		"--learning-rate 0.0001 --batch-size 4 --checkpoint-dir /out --checkpoint-frequency 1"
	if got := strings.Join(cmd.Args, " "); got != want {
		t.Fatalf("args =\n%s\nwant\n%s", got, want)
	}
}
