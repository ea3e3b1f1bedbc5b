package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"afm-trainer/internal/config"
	"afm-trainer/internal/domain"
)

// settingsFlags are the persistent flags shared by every subcommand.
type settingsFlags struct {
	path     string
	settings domain.Settings
}

func (f *settingsFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.path, "settings", config.DefaultSettingsPath(), "settings file shared with the desktop app")
	fs.StringVar(&f.settings.PythonPath, "python", "", "python interpreter with the toolkit requirements (default python3)")
	fs.StringVar(&f.settings.ToolkitDir, "toolkit-dir", "", "adapter training toolkit directory")
	fs.StringVar(&f.settings.OutputDir, "output-dir", "", "directory for checkpoints and exports")
	fs.StringVar(&f.settings.ProfileDir, "profile-dir", "", "directory for saved training profiles")
	fs.StringVar(&f.settings.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&f.settings.LogFile, "log-file", "", "also write logs to this file")
	fs.BoolVar(&f.settings.MetricsEnabled, "metrics", false, "append training metrics to <output-dir>/metrics.jsonl")
}

var settingsFlagFields = map[string]func(dst *domain.Settings, src domain.Settings){
	"python":      func(d *domain.Settings, s domain.Settings) { d.PythonPath = s.PythonPath },
	"toolkit-dir": func(d *domain.Settings, s domain.Settings) { d.ToolkitDir = s.ToolkitDir },
	"output-dir":  func(d *domain.Settings, s domain.Settings) { d.OutputDir = s.OutputDir },
	"profile-dir": func(d *domain.Settings, s domain.Settings) { d.ProfileDir = s.ProfileDir },
	"log-level":   func(d *domain.Settings, s domain.Settings) { d.LogLevel = s.LogLevel },
	"log-file":    func(d *domain.Settings, s domain.Settings) { d.LogFile = s.LogFile },
	"metrics":     func(d *domain.Settings, s domain.Settings) { d.MetricsEnabled = s.MetricsEnabled },
}

// resolve loads the settings file, then applies AFM_* variables and finally
// the flags that were set explicitly.
func (f *settingsFlags) resolve(changed map[string]bool) (domain.Settings, error) {
	settings, err := config.NewJSONStore(f.path).Load()
	if err != nil {
		return domain.Settings{}, err
	}
	config.ApplyEnvSettings(&settings, changed)
	for name, apply := range settingsFlagFields {
		if changed[name] {
			apply(&settings, f.settings)
		}
	}
	if settings.PythonPath == "" {
		settings.PythonPath = config.DefaultSettings().PythonPath
	}
	if settings.ProfileDir == "" {
		settings.ProfileDir = config.DefaultSettings().ProfileDir
	}
	return settings, nil
}

// trainFlags bind the training configuration. Defaults mirror the toolkit.
type trainFlags struct {
	profile string
	cfg     domain.TrainingConfig
}

func (f *trainFlags) register(fs *pflag.FlagSet) {
	f.cfg = config.DefaultTrainingConfig()

	fs.StringVar(&f.profile, "profile", "", "training profile name or file (.json, .toml, .yaml)")
	fs.StringVar(&f.cfg.TrainData, "train-data", "", "training dataset (.jsonl)")
	fs.StringVar(&f.cfg.EvalData, "eval-data", "", "evaluation dataset (.jsonl, optional)")

	fs.IntVar(&f.cfg.Epochs, "epochs", f.cfg.Epochs, "number of training epochs")
	fs.Float64Var(&f.cfg.LearningRate, "learning-rate", f.cfg.LearningRate, "learning rate")
	fs.IntVar(&f.cfg.BatchSize, "batch-size", f.cfg.BatchSize, "batch size")
	fs.IntVar(&f.cfg.WarmupEpochs, "warmup-epochs", f.cfg.WarmupEpochs, "warmup epochs")
	fs.IntVar(&f.cfg.GradientAccumulationSteps, "gradient-accumulation-steps", f.cfg.GradientAccumulationSteps, "gradient accumulation steps")
	fs.Float64Var(&f.cfg.WeightDecay, "weight-decay", f.cfg.WeightDecay, "weight decay")
	fs.Float64Var(&f.cfg.ClipGradNorm, "clip-grad-norm", f.cfg.ClipGradNorm, "gradient clipping norm")
	fs.IntVar(&f.cfg.LossUpdateFrequency, "loss-update-frequency", f.cfg.LossUpdateFrequency, "batches between loss reports")
	fs.StringVar((*string)(&f.cfg.Precision), "precision", string(f.cfg.Precision), "precision: f32, bf16, bf16-mixed, f16-mixed")
	fs.IntVar(&f.cfg.MaxSequenceLength, "max-sequence-length", 0, "maximum sequence length (0 = toolkit default)")

	fs.BoolVar(&f.cfg.ActivationCheckpointing, "activation-checkpointing", false, "trade compute for memory")
	fs.BoolVar(&f.cfg.CompileModel, "compile-model", false, "compile the model before training")
	fs.BoolVar(&f.cfg.FixedSizedSequences, "fixed-sized-sequences", false, "pad every sequence to the maximum length")
	fs.BoolVar(&f.cfg.PackSequences, "pack-sequences", false, "pack several samples per sequence")
	fs.BoolVar(&f.cfg.TrainDraft, "train-draft", false, "also train the draft model for speculative decoding")

	fs.StringVar(&f.cfg.AdapterName, "adapter-name", f.cfg.AdapterName, "exported adapter name")
	fs.StringVar(&f.cfg.Author, "author", f.cfg.Author, "exported adapter author")
	fs.StringVar(&f.cfg.Description, "description", "", "exported adapter description")
}

var trainFlagFields = map[string]func(dst *domain.TrainingConfig, src domain.TrainingConfig){
	"train-data":                  func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.TrainData = s.TrainData },
	"eval-data":                   func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.EvalData = s.EvalData },
	"epochs":                      func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.Epochs = s.Epochs },
	"learning-rate":               func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.LearningRate = s.LearningRate },
	"batch-size":                  func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.BatchSize = s.BatchSize },
	"warmup-epochs":               func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.WarmupEpochs = s.WarmupEpochs },
	"gradient-accumulation-steps": func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.GradientAccumulationSteps = s.GradientAccumulationSteps },
	"weight-decay":                func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.WeightDecay = s.WeightDecay },
	"clip-grad-norm":              func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.ClipGradNorm = s.ClipGradNorm },
	"loss-update-frequency":       func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.LossUpdateFrequency = s.LossUpdateFrequency },
	"precision":                   func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.Precision = s.Precision },
	"max-sequence-length":         func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.MaxSequenceLength = s.MaxSequenceLength },
	"activation-checkpointing":    func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.ActivationCheckpointing = s.ActivationCheckpointing },
	"compile-model":               func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.CompileModel = s.CompileModel },
	"fixed-sized-sequences":       func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.FixedSizedSequences = s.FixedSizedSequences },
	"pack-sequences":              func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.PackSequences = s.PackSequences },
	"train-draft":                 func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.TrainDraft = s.TrainDraft },
	"adapter-name":                func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.AdapterName = s.AdapterName },
	"author":                      func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.Author = s.Author },
	"description":                 func(d *domain.TrainingConfig, s domain.TrainingConfig) { d.Description = s.Description },
}

// resolve builds the run configuration: profile (or defaults), then settings
// for empty paths, then AFM_* variables, then explicitly set flags.
func (f *trainFlags) resolve(settings domain.Settings, changed map[string]bool) (domain.TrainingConfig, error) {
	cfg := config.DefaultTrainingConfig()
	if f.profile != "" {
		loaded, err := loadProfile(config.NewProfileStore(settings.ProfileDir), f.profile)
		if err != nil {
			return domain.TrainingConfig{}, err
		}
		cfg = loaded
	}

	config.ApplySettings(&cfg, settings)
	if err := config.ApplyEnvConfig(&cfg, changed); err != nil {
		return domain.TrainingConfig{}, err
	}

	for name, apply := range trainFlagFields {
		if changed[name] {
			apply(&cfg, f.cfg)
		}
	}
	if changed["toolkit-dir"] {
		cfg.ToolkitDir = settings.ToolkitDir
	}
	if changed["output-dir"] {
		cfg.OutputDir = settings.OutputDir
	}
	return cfg, nil
}

// loadProfile treats names with a path separator, or existing files, as paths.
func loadProfile(store *config.ProfileStore, name string) (domain.TrainingConfig, error) {
	if strings.ContainsRune(name, filepath.Separator) || fileExists(name) {
		return config.LoadProfileFile(name)
	}
	return store.Load(name)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// changedFlags collects flags set on the command line, including inherited ones.
func changedFlags(cmd *cobra.Command) map[string]bool {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })
	return changed
}
