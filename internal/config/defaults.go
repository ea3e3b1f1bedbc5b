package config

import (
	"os"
	"path/filepath"

	"afm-trainer/internal/domain"
)

const appDirName = ".afm-trainer"

// appDir returns ~/.afm-trainer, falling back to the working directory.
func appDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, appDirName)
}

// DefaultSettingsPath returns the settings file used by the desktop app and CLI.
func DefaultSettingsPath() string {
	return filepath.Join(appDir(), "settings.json")
}

// DefaultSettings returns baseline local configuration for first launch.
func DefaultSettings() domain.Settings {
	base := appDir()
	return domain.Settings{
		PythonPath: "python3",
		OutputDir:  filepath.Join(base, "output"),
		ProfileDir: filepath.Join(base, "profiles"),
		LogLevel:   "info",
	}
}

// DefaultTrainingConfig returns the toolkit's default hyperparameters.
// Paths are left empty for the caller to fill in.
func DefaultTrainingConfig() domain.TrainingConfig {
	return domain.TrainingConfig{
		Epochs:                    2,
		LearningRate:              1e-4,
		BatchSize:                 4,
		WarmupEpochs:              1,
		GradientAccumulationSteps: 1,
		WeightDecay:               1e-2,
		ClipGradNorm:              1.0,
		LossUpdateFrequency:       3,
		Precision:                 domain.PrecisionBF16Mixed,
		AdapterName:               "my_adapter",
		Author:                    "3P developer",
	}
}

// ApplySettings fills empty path fields of cfg from persisted settings.
func ApplySettings(cfg *domain.TrainingConfig, s domain.Settings) {
	if cfg.ToolkitDir == "" {
		cfg.ToolkitDir = s.ToolkitDir
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = s.OutputDir
	}
}
