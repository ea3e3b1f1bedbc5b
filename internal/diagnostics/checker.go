package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"afm-trainer/internal/domain"
)

// Check IDs used in reports and by the fix action.
const (
	IDPython     = "python"
	IDToolkitDir = "toolkit_dir"
	IDOutputDir  = "output_dir"
	IDXcode      = "xcode"
)

// toolkitComponents must exist at the toolkit root.
var toolkitComponents = []string{"examples", "export", "assets", "requirements.txt"}

// toolkitScripts are the entry points invoked by training and export.
var toolkitScripts = []string{
	filepath.Join("examples", "train_adapter.py"),
	filepath.Join("examples", "train_draft_model.py"),
	filepath.Join("export", "export_fmadapter.py"),
}

// Checker validates the interpreter, the toolkit layout and output paths.
type Checker struct {
	lookPath   func(string) (string, error)
	stat       func(string) (os.FileInfo, error)
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
	runCommand func(ctx context.Context, name string, args ...string) (string, error)
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker() *Checker {
	return &Checker{
		lookPath:   exec.LookPath,
		stat:       os.Stat,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
		runCommand: runCommand,
	}
}

// NewCheckerForTests creates checker with injectable dependencies.
func NewCheckerForTests(
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
	run func(ctx context.Context, name string, args ...string) (string, error),
) *Checker {
	return &Checker{
		lookPath:   lookPath,
		stat:       stat,
		createTemp: createTemp,
		remove:     remove,
		runCommand: run,
	}
}

// Run executes all checks and returns a combined report.
// The xcode check is optional and only reports a warning.
func (c *Checker) Run(settings domain.Settings) domain.DiagnosticReport {
	items := []domain.DiagnosticItem{
		c.checkPython(settings.PythonPath),
		c.checkToolkit(settings.ToolkitDir),
		c.checkOutputDir(settings.OutputDir),
		c.checkXcode(),
	}

	hasFailures := false
	for _, item := range items {
		if item.Status == domain.DiagnosticStatusFail {
			hasFailures = true
			break
		}
	}

	return domain.DiagnosticReport{
		GeneratedAt: time.Now().UTC(),
		HasFailures: hasFailures,
		Items:       items,
	}
}

// HasXcode reports whether Xcode command line tools are selected.
func (c *Checker) HasXcode() bool {
	return c.checkXcode().Status == domain.DiagnosticStatusPass
}

// MissingToolkitComponents lists required toolkit entries absent from dir.
func (c *Checker) MissingToolkitComponents(dir string) []string {
	var missing []string
	for _, rel := range append(append([]string(nil), toolkitComponents...), toolkitScripts...) {
		if _, err := c.stat(filepath.Join(dir, rel)); err != nil {
			missing = append(missing, filepath.ToSlash(rel))
		}
	}
	return missing
}

// checkPython verifies the configured interpreter resolves to an executable.
func (c *Checker) checkPython(python string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{ID: IDPython, Name: "Python interpreter"}
	if strings.TrimSpace(python) == "" {
		python = "python3"
	}

	path, err := c.lookPath(python)
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Python interpreter not found: %s", python)
		item.Hint = "Install Python 3.11+ with the toolkit requirements, or set the interpreter path in settings."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Found at %s", path)
	return item
}

// checkToolkit validates the toolkit directory layout.
func (c *Checker) checkToolkit(dir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{ID: IDToolkitDir, Name: "Training toolkit"}

	if strings.TrimSpace(dir) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Toolkit directory is empty."
		item.Hint = "Download the adapter training toolkit and select its directory in settings."
		return item
	}

	info, err := c.stat(dir)
	if err != nil || !info.IsDir() {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Toolkit directory does not exist: %s", dir)
		item.Hint = "Download the adapter training toolkit and select its directory in settings."
		return item
	}

	if missing := c.MissingToolkitComponents(dir); len(missing) > 0 {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Toolkit is incomplete, missing: %s", strings.Join(missing, ", "))
		item.Hint = "Re-extract the toolkit archive; the directory must contain examples/, export/, assets/ and requirements.txt."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Toolkit found: %s", dir)
	return item
}

// checkOutputDir validates output directory existence and write access.
// A missing directory can be fixed by creating it.
func (c *Checker) checkOutputDir(outputDir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{ID: IDOutputDir, Name: "Output directory"}

	if strings.TrimSpace(outputDir) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Output directory is empty."
		item.Hint = "Set an output directory where checkpoints and exports can be written."
		return item
	}

	info, err := c.stat(outputDir)
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		if errors.Is(err, os.ErrNotExist) {
			item.Message = fmt.Sprintf("Output directory does not exist: %s", outputDir)
			item.Hint = "Create the directory or choose another location."
			item.Fixable = true
		} else {
			item.Message = fmt.Sprintf("Cannot access output directory: %s", outputDir)
			item.Hint = "Choose a writable location or adjust filesystem permissions."
		}
		return item
	}
	if !info.IsDir() {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Output path is not a directory: %s", outputDir)
		item.Hint = "Choose a directory for training output."
		return item
	}

	tmpFile, err := c.createTemp(outputDir, ".write-check-*")
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Output directory is not writable: %s", outputDir)
		item.Hint = "Choose a writable directory for checkpoints and exports."
		return item
	}

	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	_ = c.remove(tmpPath)

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Writable directory: %s", outputDir)
	return item
}

// checkXcode looks for selected Xcode developer tools, needed for asset packs.
func (c *Checker) checkXcode() domain.DiagnosticItem {
	item := domain.DiagnosticItem{ID: IDXcode, Name: "Xcode command line tools"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := c.runCommand(ctx, "xcode-select", "-p")
	if err != nil {
		item.Status = domain.DiagnosticStatusWarn
		item.Message = "Xcode command line tools not found."
		item.Hint = "Only needed to build background asset packs. Install Xcode and run xcode-select --install."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Developer directory: %s", strings.TrimSpace(out))
	return item
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}
