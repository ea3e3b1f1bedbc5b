package config

import (
	"os"

	"afm-trainer/internal/domain"
)

// ApplyEnvSettings applies AFM_* environment variables to settings.
// Explicitly set flags (changed map) win over the environment.
func ApplyEnvSettings(s *domain.Settings, changed map[string]bool) {
	set := newConfigSetter(changed)

	set.setString("python", os.Getenv("AFM_PYTHON"), &s.PythonPath)
	set.setString("toolkit-dir", os.Getenv("AFM_TOOLKIT_DIR"), &s.ToolkitDir)
	set.setString("output-dir", os.Getenv("AFM_OUTPUT_DIR"), &s.OutputDir)
	set.setString("profile-dir", os.Getenv("AFM_PROFILE_DIR"), &s.ProfileDir)
	set.setString("log-level", os.Getenv("AFM_LOG_LEVEL"), &s.LogLevel)
	set.setString("log-file", os.Getenv("AFM_LOG_FILE"), &s.LogFile)
	set.setBoolFromString("metrics", os.Getenv("AFM_METRICS"), &s.MetricsEnabled)
}

// ApplyEnvConfig applies AFM_* environment variables to a training config.
// Returns an error if a numeric variable has an invalid format.
func ApplyEnvConfig(cfg *domain.TrainingConfig, changed map[string]bool) error {
	set := newConfigSetter(changed)

	set.setString("toolkit-dir", os.Getenv("AFM_TOOLKIT_DIR"), &cfg.ToolkitDir)
	set.setString("output-dir", os.Getenv("AFM_OUTPUT_DIR"), &cfg.OutputDir)
	set.setString("train-data", os.Getenv("AFM_TRAIN_DATA"), &cfg.TrainData)
	set.setString("eval-data", os.Getenv("AFM_EVAL_DATA"), &cfg.EvalData)

	if err := set.setIntFromString("epochs", os.Getenv("AFM_EPOCHS"), &cfg.Epochs); err != nil {
		return err
	}
	if err := set.setIntFromString("batch-size", os.Getenv("AFM_BATCH_SIZE"), &cfg.BatchSize); err != nil {
		return err
	}
	if err := set.setFloatFromString("learning-rate", os.Getenv("AFM_LEARNING_RATE"), &cfg.LearningRate); err != nil {
		return err
	}
	if p := os.Getenv("AFM_PRECISION"); p != "" && !changed["precision"] {
		cfg.Precision = domain.Precision(p)
	}
	set.setBoolFromString("train-draft", os.Getenv("AFM_TRAIN_DRAFT"), &cfg.TrainDraft)

	return nil
}
