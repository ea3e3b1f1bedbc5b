// Package export packages trained checkpoints into an .fmadapter directory
// and optionally a background asset pack, using the toolkit's export scripts.
package export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"afm-trainer/internal/checkpoint"
	"afm-trainer/internal/domain"
	"afm-trainer/internal/procrun"
)

const (
	exportModule    = "export.export_fmadapter"
	assetPackModule = "export.produce_asset_pack"

	// AdapterExt is the suffix of an exported adapter directory.
	AdapterExt = ".fmadapter"

	stageExport    = "export"
	stageAssetPack = "asset_pack"
)

// toolkitPatterns are searched in the working directory when no explicit
// toolkit directory is usable.
var toolkitPatterns = []string{".adapter_training_toolkit_v*", "adapter_training_toolkit_v*"}

// ErrXcodeRequired is returned when building an asset pack without Xcode tools.
var ErrXcodeRequired = errors.New("xcode command line tools are required to build asset packs")

// Options configures an Exporter.
type Options struct {
	Python string
	// HasXcode reports whether Xcode developer tools are available.
	HasXcode func() bool
}

// Exporter runs the toolkit export entry points through a process runner.
type Exporter struct {
	runner   procrun.Runner
	finder   *checkpoint.Finder
	log      zerolog.Logger
	python   string
	hasXcode func() bool
	stat     func(string) (os.FileInfo, error)
	getwd    func() (string, error)
}

// NewExporter builds an exporter that checks the real filesystem.
func NewExporter(runner procrun.Runner, finder *checkpoint.Finder, log zerolog.Logger, opts Options) *Exporter {
	python := opts.Python
	if python == "" {
		python = "python3"
	}
	hasXcode := opts.HasXcode
	if hasXcode == nil {
		hasXcode = func() bool { return false }
	}
	return &Exporter{
		runner:   runner,
		finder:   finder,
		log:      log.With().Str("component", "export").Logger(),
		python:   python,
		hasXcode: hasXcode,
		stat:     os.Stat,
		getwd:    os.Getwd,
	}
}

// ValidateConfig checks export parameters before any filesystem lookups.
func ValidateConfig(cfg domain.ExportConfig) error {
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return invalid("output_dir", "is required")
	}
	name := strings.TrimSpace(cfg.AdapterName)
	if name == "" {
		return invalid("adapter_name", "cannot be empty")
	}
	if strings.ContainsAny(name, `/\:*?"<>|`) {
		return invalid("adapter_name", "contains invalid characters")
	}
	return nil
}

// Command builds the export invocation.
func Command(python, toolkitDir string, cfg domain.ExportConfig, adapter domain.Checkpoint, draft *domain.Checkpoint) procrun.Command {
	author := cfg.Author
	if strings.TrimSpace(author) == "" {
		author = "3P developer"
	}
	args := []string{
		"-m", exportModule,
		"--output-dir", cfg.OutputDir,
		"--adapter-name", strings.TrimSpace(cfg.AdapterName),
		"--checkpoint", adapter.Path,
		"--author", author,
	}
	if desc := strings.TrimSpace(cfg.Description); desc != "" {
		args = append(args, "--description", desc)
	}
	if draft != nil {
		args = append(args, "--draft-checkpoint", draft.Path)
	}
	return procrun.Command{Name: python, Args: args, Dir: toolkitDir}
}

// Export locates checkpoints, runs the export script and verifies that the
// adapter directory was produced.
//
// When found is non-empty it is the only source of checkpoints; otherwise
// cfg.OutputDir is scanned. The adapter checkpoint is required and the
// runner is not invoked without one; the draft checkpoint is optional.
func (e *Exporter) Export(ctx context.Context, cfg domain.ExportConfig, found []domain.Checkpoint, onLog func(string), cancelled func() bool) (domain.ExportResult, error) {
	logf := logger(onLog)
	if err := ValidateConfig(cfg); err != nil {
		return domain.ExportResult{}, err
	}

	logf("Starting adapter export...")
	logf("Searching for checkpoints in: " + cfg.OutputDir)
	adapter, draft, err := e.checkpoints(cfg.OutputDir, found)
	if err != nil {
		return domain.ExportResult{}, err
	}
	logf("Found adapter checkpoint: " + filepath.Base(adapter.Path))
	if draft != nil {
		logf("Found draft model checkpoint: " + filepath.Base(draft.Path))
	} else {
		logf("No draft model checkpoint found (optional)")
	}

	toolkit, err := e.FindToolkit(cfg.ToolkitDir)
	if err != nil {
		return domain.ExportResult{}, err
	}
	logf("Using toolkit directory: " + toolkit)

	cmd := Command(e.python, toolkit, cfg, adapter, draft)
	logf("Export command: " + cmd.String())

	res, err := e.runner.Run(ctx, procrun.Request{
		Command:   cmd,
		Stage:     stageExport,
		Log:       func(line string) { logf("[Export] " + line) },
		Cancelled: cancelled,
	})
	if err != nil {
		return domain.ExportResult{}, err
	}
	if res.ExitCode != 0 {
		return domain.ExportResult{}, &domain.RunError{
			Kind:     domain.KindProcessExitFailure,
			Stage:    stageExport,
			Message:  "export command failed",
			ExitCode: res.ExitCode,
		}
	}

	adapterPath := filepath.Join(cfg.OutputDir, strings.TrimSpace(cfg.AdapterName)+AdapterExt)
	info, err := e.stat(adapterPath)
	if err != nil || !info.IsDir() {
		return domain.ExportResult{}, &domain.RunError{
			Kind:    domain.KindArtifactMissing,
			Stage:   stageExport,
			Message: fmt.Sprintf("%s not found after export", filepath.Base(adapterPath)),
			Err:     err,
		}
	}

	size, files := inventory(adapterPath)
	logf("Adapter exported successfully to: " + adapterPath)
	logf("Export size: " + FormatSize(size))
	logf("Exported adapter contents:")
	for _, f := range files {
		logf("   " + f)
	}
	e.log.Info().Str("path", adapterPath).Int64("bytes", size).Msg("adapter exported")

	return domain.ExportResult{
		Success:     true,
		AdapterPath: adapterPath,
		SizeBytes:   size,
		Files:       files,
	}, nil
}

// AssetPack builds a background asset pack from an exported adapter.
func (e *Exporter) AssetPack(ctx context.Context, cfg domain.AssetPackConfig, onLog func(string), cancelled func() bool) (string, error) {
	logf := logger(onLog)
	if !e.hasXcode() {
		return "", ErrXcodeRequired
	}
	if info, err := e.stat(cfg.AdapterPath); err != nil || !info.IsDir() {
		return "", &domain.RunError{
			Kind:    domain.KindArtifactMissing,
			Stage:   stageAssetPack,
			Field:   "adapter_path",
			Message: fmt.Sprintf("%s is not an exported adapter", cfg.AdapterPath),
			Err:     err,
		}
	}
	if strings.TrimSpace(cfg.OutputPath) == "" {
		return "", &domain.RunError{
			Kind:    domain.KindConfigurationInvalid,
			Stage:   stageAssetPack,
			Field:   "output_path",
			Message: "is required",
		}
	}

	toolkit, err := e.FindToolkit(cfg.ToolkitDir)
	if err != nil {
		return "", err
	}

	cmd := procrun.Command{
		Name: e.python,
		Args: []string{
			"-m", assetPackModule,
			"--fmadapter-path", cfg.AdapterPath,
			"--output-path", cfg.OutputPath,
			"--platforms", "iOS,macOS",
			"--download-policy", "PREFETCH",
			"--installation-event-type", "FIRST_INSTALLTION",
		},
		Dir: toolkit,
	}
	logf("Asset pack command: " + cmd.String())

	res, err := e.runner.Run(ctx, procrun.Request{
		Command:   cmd,
		Stage:     stageAssetPack,
		Log:       func(line string) { logf("[Asset Pack] " + line) },
		Cancelled: cancelled,
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &domain.RunError{
			Kind:     domain.KindProcessExitFailure,
			Stage:    stageAssetPack,
			Message:  "asset pack command failed",
			ExitCode: res.ExitCode,
		}
	}
	if _, err := e.stat(cfg.OutputPath); err != nil {
		return "", &domain.RunError{
			Kind:    domain.KindArtifactMissing,
			Stage:   stageAssetPack,
			Message: fmt.Sprintf("%s not found after asset pack creation", cfg.OutputPath),
			Err:     err,
		}
	}

	logf("Asset pack created: " + cfg.OutputPath)
	return cfg.OutputPath, nil
}

// Info reports the checkpoints and exported adapters available in outputDir.
func (e *Exporter) Info(outputDir string) domain.ExportInfo {
	info := domain.ExportInfo{Packages: []string{}, HasXcode: e.hasXcode()}
	if cp, err := e.finder.Preferred(outputDir, domain.CheckpointAdapter); err == nil {
		info.AdapterCheckpoint = &cp
	}
	if cp, err := e.finder.Preferred(outputDir, domain.CheckpointDraftModel); err == nil {
		info.DraftCheckpoint = &cp
	}

	matches, _ := filepath.Glob(filepath.Join(outputDir, "*"+AdapterExt))
	for _, m := range matches {
		if st, err := e.stat(m); err == nil && st.IsDir() {
			info.Packages = append(info.Packages, filepath.Base(m))
		}
	}
	return info
}

// FindToolkit returns explicit when it contains an export/ directory, else the
// newest toolkit directory found in the working directory.
func (e *Exporter) FindToolkit(explicit string) (string, error) {
	if explicit != "" && e.isDir(filepath.Join(explicit, "export")) {
		return explicit, nil
	}

	wd, err := e.getwd()
	if err == nil {
		for _, pattern := range toolkitPatterns {
			matches, _ := filepath.Glob(filepath.Join(wd, pattern))
			sort.Sort(sort.Reverse(sort.StringSlice(matches)))
			for _, m := range matches {
				if e.isDir(filepath.Join(m, "export")) {
					return m, nil
				}
			}
		}
	}

	return "", invalid("toolkit_dir", "could not find toolkit directory with export scripts")
}

func (e *Exporter) checkpoints(outputDir string, found []domain.Checkpoint) (domain.Checkpoint, *domain.Checkpoint, error) {
	if len(found) == 0 {
		adapters, err := e.finder.List(outputDir, domain.CheckpointAdapter)
		if err != nil {
			return domain.Checkpoint{}, nil, err
		}
		drafts, err := e.finder.List(outputDir, domain.CheckpointDraftModel)
		if err != nil {
			return domain.Checkpoint{}, nil, err
		}
		found = append(adapters, drafts...)
	}

	adapter, err := checkpoint.Preferred(found, domain.CheckpointAdapter)
	if err != nil {
		var runErr *domain.RunError
		if errors.As(err, &runErr) {
			copied := *runErr
			copied.Stage = stageExport
			return domain.Checkpoint{}, nil, &copied
		}
		return domain.Checkpoint{}, nil, err
	}
	draft, err := checkpoint.Preferred(found, domain.CheckpointDraftModel)
	if err != nil {
		return adapter, nil, nil
	}
	return adapter, &draft, nil
}

func (e *Exporter) isDir(path string) bool {
	info, err := e.stat(path)
	return err == nil && info.IsDir()
}

// inventory sums file sizes under dir and lists its top-level entries.
func inventory(dir string) (int64, []string) {
	var size int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})

	entries, err := os.ReadDir(dir)
	if err != nil {
		return size, nil
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			files = append(files, entry.Name()+"/")
			continue
		}
		label := entry.Name()
		if info, err := entry.Info(); err == nil {
			label = fmt.Sprintf("%s (%s)", entry.Name(), FormatSize(info.Size()))
		}
		files = append(files, label)
	}
	return size, files
}

// FormatSize renders a byte count with a binary unit.
func FormatSize(n int64) string {
	const unit = 1024
	switch {
	case n < unit:
		return fmt.Sprintf("%d B", n)
	case n < unit*unit:
		return fmt.Sprintf("%.1f KB", float64(n)/unit)
	case n < unit*unit*unit:
		return fmt.Sprintf("%.1f MB", float64(n)/(unit*unit))
	default:
		return fmt.Sprintf("%.1f GB", float64(n)/(unit*unit*unit))
	}
}

func invalid(field, message string) error {
	return &domain.RunError{
		Kind:    domain.KindConfigurationInvalid,
		Stage:   stageExport,
		Field:   field,
		Message: message,
	}
}

func logger(onLog func(string)) func(string) {
	if onLog == nil {
		return func(string) {}
	}
	return onLog
}
