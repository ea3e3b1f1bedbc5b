package bootstrap

import (
	"fmt"
	"strings"

	"afm-trainer/internal/config"
	"afm-trainer/internal/domain"
)

// presetCatalog lists built-in starting points. Paths are filled from settings.
var presetCatalog = []domain.TrainingPreset{
	{
		ID:          "quick-test",
		Name:        "Quick test",
		Description: "One short epoch to check the dataset and toolkit setup.",
		Config: withDefaults(func(cfg *domain.TrainingConfig) {
			cfg.Epochs = 1
			cfg.BatchSize = 2
			cfg.WarmupEpochs = 0
			cfg.LossUpdateFrequency = 1
		}),
	},
	{
		ID:          "balanced",
		Name:        "Balanced",
		Description: "Toolkit defaults with one extra epoch.",
		Config: withDefaults(func(cfg *domain.TrainingConfig) {
			cfg.Epochs = 3
		}),
	},
	{
		ID:          "long-context",
		Name:        "Long context",
		Description: "Packed 4096-token sequences with activation checkpointing to fit memory.",
		Config: withDefaults(func(cfg *domain.TrainingConfig) {
			cfg.BatchSize = 1
			cfg.GradientAccumulationSteps = 4
			cfg.ActivationCheckpointing = true
			cfg.PackSequences = true
			cfg.MaxSequenceLength = 4096
		}),
	},
}

// GetPresets returns the built-in presets with paths from the current settings.
func (a *App) GetPresets() []domain.TrainingPreset {
	settings := a.currentSettings()
	presets := make([]domain.TrainingPreset, len(presetCatalog))
	copy(presets, presetCatalog)
	for i := range presets {
		config.ApplySettings(&presets[i].Config, settings)
	}
	return presets
}

// ApplyPreset returns the configuration of one preset with paths from settings.
func (a *App) ApplyPreset(presetID string) (domain.TrainingConfig, error) {
	id := strings.TrimSpace(presetID)
	if id == "" {
		return domain.TrainingConfig{}, fmt.Errorf("preset id is required")
	}

	preset, found := getPresetByID(id)
	if !found {
		return domain.TrainingConfig{}, fmt.Errorf("unknown preset id: %s", id)
	}

	cfg := preset.Config
	config.ApplySettings(&cfg, a.currentSettings())
	return cfg, nil
}

func getPresetByID(id string) (domain.TrainingPreset, bool) {
	for _, preset := range presetCatalog {
		if preset.ID == id {
			return preset, true
		}
	}
	return domain.TrainingPreset{}, false
}

func withDefaults(apply func(cfg *domain.TrainingConfig)) domain.TrainingConfig {
	cfg := config.DefaultTrainingConfig()
	apply(&cfg)
	return cfg
}
