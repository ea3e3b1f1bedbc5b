package domain

import "time"

// RunStatus tracks each stage of a single training run.
type RunStatus string

const (
	RunStatusIdle         RunStatus = "idle"
	RunStatusValidating   RunStatus = "validating"
	RunStatusRunningMain  RunStatus = "running_main"
	RunStatusRunningDraft RunStatus = "running_draft"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
	RunStatusCancelled    RunStatus = "cancelled"
)

// Precision is the numeric precision mode passed to the toolkit.
type Precision string

const (
	PrecisionF32       Precision = "f32"
	PrecisionBF16      Precision = "bf16"
	PrecisionBF16Mixed Precision = "bf16-mixed"
	PrecisionF16Mixed  Precision = "f16-mixed"
)

// Precisions lists the accepted precision modes in display order.
func Precisions() []Precision {
	return []Precision{PrecisionF32, PrecisionBF16, PrecisionBF16Mixed, PrecisionF16Mixed}
}

// Valid reports whether p is one of the accepted precision modes.
func (p Precision) Valid() bool {
	for _, known := range Precisions() {
		if p == known {
			return true
		}
	}
	return false
}

// TrainingConfig holds hyperparameters, flags and paths for one run.
// It is treated as immutable once handed to the orchestrator.
type TrainingConfig struct {
	Epochs                    int       `json:"epochs" toml:"epochs" yaml:"epochs"`
	LearningRate              float64   `json:"learningRate" toml:"learning_rate" yaml:"learning_rate"`
	BatchSize                 int       `json:"batchSize" toml:"batch_size" yaml:"batch_size"`
	WarmupEpochs              int       `json:"warmupEpochs" toml:"warmup_epochs" yaml:"warmup_epochs"`
	GradientAccumulationSteps int       `json:"gradientAccumulationSteps" toml:"gradient_accumulation_steps" yaml:"gradient_accumulation_steps"`
	WeightDecay               float64   `json:"weightDecay" toml:"weight_decay" yaml:"weight_decay"`
	ClipGradNorm              float64   `json:"clipGradNorm" toml:"clip_grad_norm" yaml:"clip_grad_norm"`
	LossUpdateFrequency       int       `json:"lossUpdateFrequency" toml:"loss_update_frequency" yaml:"loss_update_frequency"`
	Precision                 Precision `json:"precision" toml:"precision" yaml:"precision"`

	ActivationCheckpointing bool `json:"activationCheckpointing" toml:"activation_checkpointing" yaml:"activation_checkpointing"`
	CompileModel            bool `json:"compileModel" toml:"compile_model" yaml:"compile_model"`
	FixedSizedSequences     bool `json:"fixedSizedSequences" toml:"fixed_sized_sequences" yaml:"fixed_sized_sequences"`
	PackSequences           bool `json:"packSequences" toml:"pack_sequences" yaml:"pack_sequences"`
	TrainDraft              bool `json:"trainDraft" toml:"train_draft" yaml:"train_draft"`

	// MaxSequenceLength is unset when zero.
	MaxSequenceLength int `json:"maxSequenceLength,omitempty" toml:"max_sequence_length,omitempty" yaml:"max_sequence_length,omitempty"`

	ToolkitDir string `json:"toolkitDir" toml:"toolkit_dir" yaml:"toolkit_dir"`
	TrainData  string `json:"trainData" toml:"train_data" yaml:"train_data"`
	EvalData   string `json:"evalData,omitempty" toml:"eval_data,omitempty" yaml:"eval_data,omitempty"`
	OutputDir  string `json:"outputDir" toml:"output_dir" yaml:"output_dir"`

	AdapterName string `json:"adapterName" toml:"adapter_name" yaml:"adapter_name"`
	Author      string `json:"author" toml:"author" yaml:"author"`
	Description string `json:"description,omitempty" toml:"description,omitempty" yaml:"description,omitempty"`
}

// ExportConfig returns the export parameters embedded in a training config.
func (c TrainingConfig) ExportConfig() ExportConfig {
	return ExportConfig{
		OutputDir:   c.OutputDir,
		ToolkitDir:  c.ToolkitDir,
		AdapterName: c.AdapterName,
		Author:      c.Author,
		Description: c.Description,
	}
}

// Settings contains user-selectable application configuration.
type Settings struct {
	PythonPath     string `json:"pythonPath"`
	ToolkitDir     string `json:"toolkitDir"`
	OutputDir      string `json:"outputDir"`
	ProfileDir     string `json:"profileDir"`
	LogFile        string `json:"logFile,omitempty"`
	LogLevel       string `json:"logLevel,omitempty"`
	MetricsEnabled bool   `json:"metricsEnabled"`
	LastProfile    string `json:"lastProfile,omitempty"`
}

// Run stores the current run identity and lifecycle status.
type Run struct {
	ID         string    `json:"id"`
	Status     RunStatus `json:"status"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// ProgressEvent is one normalized progress update.
type ProgressEvent struct {
	Fraction float64 `json:"fraction"`
	Message  string  `json:"message"`
}

// CheckpointKind is the type tag in a checkpoint file name.
type CheckpointKind string

const (
	CheckpointAdapter    CheckpointKind = "adapter"
	CheckpointDraftModel CheckpointKind = "draft-model"
)

// FinalTag marks the checkpoint written at the end of training.
const FinalTag = "final"

// CheckpointExt is the file extension of toolkit checkpoints.
const CheckpointExt = ".pt"

// Checkpoint is a serialized training snapshot on disk named <kind>-<tag>.pt.
type Checkpoint struct {
	Kind    CheckpointKind `json:"kind"`
	Tag     string         `json:"tag"`
	Path    string         `json:"path"`
	ModTime time.Time      `json:"modTime"`
}

// Final reports whether the checkpoint carries the final marker.
func (c Checkpoint) Final() bool {
	return c.Tag == FinalTag
}

// ExportConfig contains parameters for packaging a trained adapter.
type ExportConfig struct {
	OutputDir   string `json:"outputDir"`
	ToolkitDir  string `json:"toolkitDir"`
	AdapterName string `json:"adapterName"`
	Author      string `json:"author"`
	Description string `json:"description,omitempty"`
}

// ExportResult describes one export invocation.
type ExportResult struct {
	Success     bool     `json:"success"`
	AdapterPath string   `json:"adapterPath,omitempty"`
	SizeBytes   int64    `json:"sizeBytes,omitempty"`
	Files       []string `json:"files,omitempty"`
}

// ExportInfo summarizes what is available for export in an output directory.
type ExportInfo struct {
	AdapterCheckpoint *Checkpoint `json:"adapterCheckpoint,omitempty"`
	DraftCheckpoint   *Checkpoint `json:"draftCheckpoint,omitempty"`
	Packages          []string    `json:"packages"`
	HasXcode          bool        `json:"hasXcode"`
}

// AssetPackConfig contains parameters for building a background asset pack
// from an exported adapter.
type AssetPackConfig struct {
	AdapterPath string `json:"adapterPath"`
	OutputPath  string `json:"outputPath"`
	ToolkitDir  string `json:"toolkitDir,omitempty"`
}

// TrainingPreset is a named starting configuration offered by the UI.
type TrainingPreset struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Config      TrainingConfig `json:"config"`
}
