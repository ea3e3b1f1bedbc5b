package config

import (
	"strings"
	"testing"

	"afm-trainer/internal/domain"
)

// TestApplyEnvSettingsRespectsChangedFlags checks flag precedence.
func TestApplyEnvSettingsRespectsChangedFlags(t *testing.T) {
	t.Setenv("AFM_PYTHON", "/opt/py/bin/python")
	t.Setenv("AFM_TOOLKIT_DIR", "/env/toolkit")
	t.Setenv("AFM_OUTPUT_DIR", "/env/out")
	t.Setenv("AFM_LOG_LEVEL", "debug")
	t.Setenv("AFM_METRICS", "1")

	s := DefaultSettings()
	s.OutputDir = "/flag/out"
	ApplyEnvSettings(&s, map[string]bool{"output-dir": true})

	if s.PythonPath != "/opt/py/bin/python" {
		t.Fatalf("python = %q", s.PythonPath)
	}
	if s.ToolkitDir != "/env/toolkit" {
		t.Fatalf("toolkit = %q", s.ToolkitDir)
	}
	if s.OutputDir != "/flag/out" {
		t.Fatalf("output = %q, want flag value", s.OutputDir)
	}
	if s.LogLevel != "debug" || !s.MetricsEnabled {
		t.Fatalf("settings = %+v", s)
	}
}

// TestApplyEnvConfig covers numeric parsing and invalid values.
func TestApplyEnvConfig(t *testing.T) {
	t.Setenv("AFM_EPOCHS", "7")
	t.Setenv("AFM_LEARNING_RATE", "5e-5")
	t.Setenv("AFM_PRECISION", "f32")
	t.Setenv("AFM_TRAIN_DRAFT", "true")

	cfg := DefaultTrainingConfig()
	if err := ApplyEnvConfig(&cfg, map[string]bool{}); err != nil {
		t.Fatalf("ApplyEnvConfig() error = %v", err)
	}
	if cfg.Epochs != 7 || cfg.LearningRate != 5e-5 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Precision != domain.PrecisionF32 || !cfg.TrainDraft {
		t.Fatalf("cfg = %+v", cfg)
	}

	t.Setenv("AFM_BATCH_SIZE", "lots")
	if err := ApplyEnvConfig(&cfg, map[string]bool{}); err == nil {
		t.Fatal("expected parse error for AFM_BATCH_SIZE")
	}
}

// TestApplyEnvConfigRejectsNonPositive keeps bad overrides visible.
func TestApplyEnvConfigRejectsNonPositive(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		value string
		want  string
	}{
		{name: "zero epochs", env: "AFM_EPOCHS", value: "0", want: "parse epochs: must be positive"},
		{name: "negative batch size", env: "AFM_BATCH_SIZE", value: "-2", want: "parse batch-size: must be positive"},
		{name: "zero learning rate", env: "AFM_LEARNING_RATE", value: "0", want: "parse learning-rate: must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			cfg := DefaultTrainingConfig()
			before := cfg
			err := ApplyEnvConfig(&cfg, map[string]bool{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("ApplyEnvConfig() error = %v, want %q", err, tt.want)
			}
			if cfg.Epochs != before.Epochs || cfg.BatchSize != before.BatchSize || cfg.LearningRate != before.LearningRate {
				t.Fatalf("cfg changed on error: %+v", cfg)
			}
		})
	}
}

// TestApplyEnvConfigChangedFlagSkipsValidation ignores overridden variables.
func TestApplyEnvConfigChangedFlagSkipsValidation(t *testing.T) {
	t.Setenv("AFM_EPOCHS", "0")
	cfg := DefaultTrainingConfig()
	if err := ApplyEnvConfig(&cfg, map[string]bool{"epochs": true}); err != nil {
		t.Fatalf("ApplyEnvConfig() error = %v", err)
	}
}
