package bootstrap

import (
	"fmt"
	"os"
	"strings"

	"afm-trainer/internal/config"
	"afm-trainer/internal/diagnostics"
	"afm-trainer/internal/domain"
)

// InstallOrFixDiagnostic applies the remediation for one failed diagnostic item.
func (a *App) InstallOrFixDiagnostic(itemID string) (domain.DiagnosticReport, error) {
	if a.Store == nil {
		return domain.DiagnosticReport{}, fmt.Errorf("settings store is not configured")
	}

	id := strings.TrimSpace(itemID)
	if id == "" {
		return domain.DiagnosticReport{}, fmt.Errorf("diagnostic item id is required")
	}

	settings, err := a.Store.Load()
	if err != nil {
		return domain.DiagnosticReport{}, fmt.Errorf("load settings: %w", err)
	}
	settings = normalizeSettings(settings)

	settingsChanged := false
	var fixErr error

	switch id {
	case diagnostics.IDOutputDir:
		settings, settingsChanged, fixErr = installOrFixOutputDir(settings, os.MkdirAll)
	case diagnostics.IDPython, diagnostics.IDToolkitDir, diagnostics.IDXcode:
		return a.GetDiagnostics(), fmt.Errorf("diagnostic %s has no automatic fix; update settings instead", id)
	default:
		return domain.DiagnosticReport{}, fmt.Errorf("unsupported diagnostic item id: %s", id)
	}

	if settingsChanged {
		if saveErr := a.Store.Save(settings); saveErr != nil {
			report := a.refreshDiagnosticsFromSettings(settings)
			return report, fmt.Errorf("save settings after fix: %w", saveErr)
		}
	}

	report := a.refreshDiagnosticsFromSettings(settings)
	if fixErr != nil {
		return report, fixErr
	}
	a.reporter.Info("Output directory ready: "+settings.OutputDir, true)
	return report, nil
}

// installOrFixOutputDir creates the output directory, falling back to the
// default location when none is configured.
func installOrFixOutputDir(settings domain.Settings, mkdirAll func(string, os.FileMode) error) (domain.Settings, bool, error) {
	outputDir := strings.TrimSpace(settings.OutputDir)
	changed := false
	if outputDir == "" {
		outputDir = config.DefaultSettings().OutputDir
		settings.OutputDir = outputDir
		changed = true
	}

	if err := mkdirAll(outputDir, 0o755); err != nil {
		return settings, changed, fmt.Errorf("create output directory %s: %w", outputDir, err)
	}

	return settings, changed, nil
}
