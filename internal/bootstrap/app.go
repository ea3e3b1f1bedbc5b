package bootstrap

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"afm-trainer/internal/checkpoint"
	"afm-trainer/internal/config"
	"afm-trainer/internal/dataset"
	"afm-trainer/internal/diagnostics"
	"afm-trainer/internal/domain"
	"afm-trainer/internal/errreport"
	"afm-trainer/internal/export"
	"afm-trainer/internal/jobs"
	"afm-trainer/internal/logging"
	"afm-trainer/internal/metrics"
	"afm-trainer/internal/procrun"
	"afm-trainer/internal/training"

	wailsruntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

// Runtime event names pushed to the frontend.
const (
	runEventName    = "run:event"
	notifyEventName = "app:notify"
)

var datasetDialogFilter = []wailsruntime.FileFilter{
	{
		DisplayName: "JSONL datasets",
		Pattern:     "*.jsonl",
	},
	{
		DisplayName: "All files",
		Pattern:     "*",
	},
}

var profileDialogFilter = []wailsruntime.FileFilter{
	{
		DisplayName: "Training profiles",
		Pattern:     "*.json;*.toml;*.yaml;*.yml",
	},
}

// Notification is a user-facing message pushed to the frontend.
type Notification struct {
	Message string          `json:"message"`
	Level   errreport.Level `json:"level"`
}

// App wires configuration, training, export and UI runtime callbacks.
type App struct {
	Settings    domain.Settings
	Store       config.Store
	Diagnostics domain.DiagnosticReport

	runner   procrun.Runner
	checker  *diagnostics.Checker
	reporter *errreport.Reporter
	log      zerolog.Logger
	logClose io.Closer
	assets   fs.FS

	mu         sync.Mutex
	controller *training.Controller
	exporter   *export.Exporter
	profiles   *config.ProfileStore
	python     string
	runID      string
	events     *jobs.EventBus
	runtimeCtx context.Context
}

// New builds the application with persisted settings and startup diagnostics.
func New() (*App, error) {
	return NewWithAssets(nil)
}

// NewWithAssets builds the application and optionally configures embedded frontend assets.
func NewWithAssets(assets fs.FS) (*App, error) {
	store := config.NewJSONStore(config.DefaultSettingsPath())
	settings, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	config.ApplyEnvSettings(&settings, nil)

	log, closer, err := logging.New(logging.Options{Level: settings.LogLevel, File: settings.LogFile})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	app := newApp(settings, store, procrun.NewExecRunner(log), diagnostics.NewChecker(), log)
	app.assets = assets
	app.logClose = closer
	app.Diagnostics = app.checker.Run(settings)
	return app, nil
}

// newApp wires the core services around an injected runner and checker.
func newApp(settings domain.Settings, store config.Store, runner procrun.Runner, checker *diagnostics.Checker, log zerolog.Logger) *App {
	app := &App{
		Settings: normalizeSettings(settings),
		Store:    store,
		runner:   runner,
		checker:  checker,
		log:      log,
		events:   jobs.NewEventBus(2000),
	}
	app.profiles = config.NewProfileStore(app.Settings.ProfileDir)
	app.reporter = errreport.New(log, app.notify)
	app.wire(app.Settings)
	return app
}

// wire builds the orchestrator, exporter and controller for the configured
// interpreter. It is skipped while an operation is running.
func (a *App) wire(settings domain.Settings) {
	if a.controller != nil && (a.controller.Busy() || a.python == settings.PythonPath) {
		return
	}

	finder := checkpoint.NewFinder()
	orch := training.NewOrchestrator(
		a.runner,
		config.NewValidator(),
		finder,
		jobs.NewManager(),
		a.log,
		training.Options{
			Python:           settings.PythonPath,
			Metrics:          a.metricsFor,
			WatchCheckpoints: true,
		},
	)
	a.exporter = export.NewExporter(a.runner, finder, a.log, export.Options{
		Python:   settings.PythonPath,
		HasXcode: a.checker.HasXcode,
	})
	a.controller = training.NewController(orch, a.exporter, a.reporter)
	a.python = settings.PythonPath
}

// Run starts the Wails desktop application and binds backend methods.
func (a *App) Run() error {
	defer a.closeLog()

	assetOptions := &assetserver.Options{}
	if a.assets != nil {
		assetOptions.Assets = a.assets
	} else {
		assetOptions.Handler = http.FileServer(http.Dir("./frontend"))
	}

	return wails.Run(&options.App{
		Title:       "AFM Trainer",
		Width:       1280,
		Height:      860,
		AssetServer: assetOptions,
		OnStartup:   a.Startup,
		OnShutdown: func(ctx context.Context) {
			a.currentController().Stop()
			a.mu.Lock()
			defer a.mu.Unlock()
			a.runtimeCtx = nil
		},
		Bind: []interface{}{a},
	})
}

// Startup stores Wails runtime context for push events.
func (a *App) Startup(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runtimeCtx = ctx
}

// GetDiagnostics returns the latest cached diagnostics report.
func (a *App) GetDiagnostics() domain.DiagnosticReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Diagnostics
}

// GetSettings loads and returns the latest persisted settings.
func (a *App) GetSettings() (domain.Settings, error) {
	settings, err := a.Store.Load()
	if err != nil {
		return domain.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	settings = normalizeSettings(settings)

	a.mu.Lock()
	a.Settings = settings
	a.mu.Unlock()

	return settings, nil
}

// SaveSettings normalizes and persists settings, then refreshes diagnostics.
func (a *App) SaveSettings(settings domain.Settings) (domain.Settings, error) {
	normalized := normalizeSettings(settings)
	if err := a.Store.Save(normalized); err != nil {
		return domain.Settings{}, fmt.Errorf("save settings: %w", err)
	}

	a.refreshDiagnosticsFromSettings(normalized)
	return normalized, nil
}

// RefreshDiagnostics reloads settings and reruns environment checks.
func (a *App) RefreshDiagnostics() (domain.DiagnosticReport, error) {
	settings, err := a.Store.Load()
	if err != nil {
		return domain.DiagnosticReport{}, fmt.Errorf("load settings: %w", err)
	}
	return a.refreshDiagnosticsFromSettings(normalizeSettings(settings)), nil
}

// PickDatasetFile opens a native file dialog for JSONL dataset selection.
func (a *App) PickDatasetFile() (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenFileDialog(ctx, wailsruntime.OpenDialogOptions{
		Title:   "Select training data",
		Filters: datasetDialogFilter,
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(path), nil
}

// PickProfileFile opens a native file dialog for importing a training profile.
func (a *App) PickProfileFile() (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenFileDialog(ctx, wailsruntime.OpenDialogOptions{
		Title:   "Import training profile",
		Filters: profileDialogFilter,
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(path), nil
}

// PickDirectory opens a native directory picker with the given title.
func (a *App) PickDirectory(title string) (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenDirectoryDialog(ctx, wailsruntime.OpenDialogOptions{
		Title: title,
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(path), nil
}

// OpenOutputFolder opens the given path (or configured output dir) in file manager.
func (a *App) OpenOutputFolder(path string) error {
	target := strings.TrimSpace(path)
	if target == "" {
		a.mu.Lock()
		target = a.Settings.OutputDir
		a.mu.Unlock()
	}
	if target == "" {
		return fmt.Errorf("output path is empty")
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}

	openPath := target
	if !info.IsDir() {
		openPath = filepath.Dir(target)
	}

	return openInFileManager(openPath)
}

// DefaultConfig returns the default training configuration with paths from settings.
func (a *App) DefaultConfig() domain.TrainingConfig {
	cfg := config.DefaultTrainingConfig()
	config.ApplySettings(&cfg, a.currentSettings())
	return cfg
}

// ListProfiles returns saved training profiles.
func (a *App) ListProfiles() ([]config.ProfileInfo, error) {
	return a.profileStore().List()
}

// SaveProfile stores cfg under name; the extension selects json, toml or yaml.
func (a *App) SaveProfile(name string, cfg domain.TrainingConfig) (config.ProfileInfo, error) {
	info, err := a.profileStore().Save(name, cfg)
	if err != nil {
		return config.ProfileInfo{}, fmt.Errorf("save profile: %w", err)
	}
	a.rememberProfile(info.File)
	a.reporter.Info("Saved profile "+info.File, false)
	return info, nil
}

// LoadProfile reads a saved profile and records it as the last used one.
func (a *App) LoadProfile(name string) (domain.TrainingConfig, error) {
	cfg, err := a.profileStore().Load(name)
	if err != nil {
		return domain.TrainingConfig{}, fmt.Errorf("load profile: %w", err)
	}
	a.rememberProfile(name)
	return cfg, nil
}

// ImportProfile reads a profile from an arbitrary path.
func (a *App) ImportProfile(path string) (domain.TrainingConfig, error) {
	cfg, err := config.LoadProfileFile(strings.TrimSpace(path))
	if err != nil {
		return domain.TrainingConfig{}, fmt.Errorf("import profile: %w", err)
	}
	return cfg, nil
}

// DeleteProfile removes a saved profile.
func (a *App) DeleteProfile(name string) error {
	return a.profileStore().Delete(name)
}

// ValidateDataset checks a JSONL dataset and returns its statistics.
func (a *App) ValidateDataset(path string) (dataset.Stats, error) {
	stats, err := dataset.Validate(strings.TrimSpace(path))
	if err != nil {
		return stats, fmt.Errorf("validate dataset: %w", err)
	}
	return stats, nil
}

// PreviewDataset returns the first n samples of a dataset.
func (a *App) PreviewDataset(path string, n int) ([]dataset.Sample, error) {
	return dataset.Preview(strings.TrimSpace(path), n)
}

// ValidateConfig checks a configuration without starting a run.
func (a *App) ValidateConfig(cfg domain.TrainingConfig) error {
	return config.Validate(cfg)
}

// StartTraining runs training asynchronously; progress, log and status
// changes are delivered as run events.
func (a *App) StartTraining(cfg domain.TrainingConfig) error {
	controller := a.currentController()
	if controller.Busy() {
		return training.ErrBusy
	}
	config.ApplySettings(&cfg, a.currentSettings())

	go a.runTraining(controller, cfg)
	return nil
}

// StopTraining requests cancellation of the running operation.
func (a *App) StopTraining() {
	a.currentController().Stop()
}

// IsBusy reports whether a training, export or asset pack operation is running.
func (a *App) IsBusy() bool {
	return a.currentController().Busy()
}

// CurrentRun returns the state of the current or most recent run.
func (a *App) CurrentRun() domain.Run {
	return a.currentController().Current()
}

// RunEvents returns all events with sequence greater than sinceSeq.
func (a *App) RunEvents(sinceSeq int64) []jobs.Event {
	return a.events.Since(sinceSeq)
}

// ExportAdapter packages the trained adapter asynchronously.
func (a *App) ExportAdapter(cfg domain.ExportConfig) error {
	controller := a.currentController()
	if controller.Busy() {
		return training.ErrBusy
	}
	if cfg.ToolkitDir == "" {
		cfg.ToolkitDir = a.currentSettings().ToolkitDir
	}
	if err := export.ValidateConfig(cfg); err != nil {
		return err
	}

	go func() {
		a.publishLog("Starting export...")
		res, ok := controller.ExportResult(context.Background(), cfg, a.publishLog)
		if !ok {
			return
		}
		a.publishEvent(jobs.Event{
			Type:        jobs.EventTypeResult,
			Message:     fmt.Sprintf("Adapter exported (%s)", export.FormatSize(res.SizeBytes)),
			AdapterPath: res.AdapterPath,
		})
	}()
	return nil
}

// CreateAssetPack builds a background asset pack asynchronously.
func (a *App) CreateAssetPack(cfg domain.AssetPackConfig) error {
	controller := a.currentController()
	if controller.Busy() {
		return training.ErrBusy
	}
	if cfg.ToolkitDir == "" {
		cfg.ToolkitDir = a.currentSettings().ToolkitDir
	}

	go func() {
		path, ok := controller.AssetPack(context.Background(), cfg, a.publishLog)
		if !ok {
			return
		}
		a.publishEvent(jobs.Event{
			Type:        jobs.EventTypeResult,
			Message:     "Asset pack created",
			AdapterPath: path,
		})
	}()
	return nil
}

// ExportInfo lists checkpoints and exported packages in outputDir.
func (a *App) ExportInfo(outputDir string) domain.ExportInfo {
	dir := strings.TrimSpace(outputDir)
	if dir == "" {
		dir = a.currentSettings().OutputDir
	}
	a.mu.Lock()
	exporter := a.exporter
	a.mu.Unlock()
	return exporter.Info(dir)
}

// runTraining executes one run and maps its outcome to events.
func (a *App) runTraining(controller *training.Controller, cfg domain.TrainingConfig) {
	res, ok := controller.Train(context.Background(), cfg, training.Callbacks{
		OnProgress: func(ev domain.ProgressEvent) {
			a.publishEvent(jobs.Event{
				Type:     jobs.EventTypeProgress,
				Fraction: ev.Fraction,
				Message:  ev.Message,
			})
		},
		OnLog: a.publishLog,
		OnStatus: func(run domain.Run) {
			a.mu.Lock()
			a.runID = run.ID
			a.mu.Unlock()
			a.publishStatus(run.Status, statusMessage(run.Status))
		},
		OnCheckpoint: func(cp domain.Checkpoint) {
			a.publishEvent(jobs.Event{
				Type:       jobs.EventTypeCheckpoint,
				Message:    "Checkpoint saved",
				Checkpoint: &cp,
			})
		},
	})
	if !ok {
		return
	}

	for _, cp := range res.Checkpoints {
		if cp.Final() {
			a.log.Info().Str("path", cp.Path).Msg("final checkpoint")
		}
	}
	a.publishEvent(jobs.Event{
		Type:    jobs.EventTypeResult,
		Status:  res.Run.Status,
		Message: fmt.Sprintf("Training completed, %d checkpoints", len(res.Checkpoints)),
	})
}

// metricsFor returns a lazily built JSONL sink when metrics are enabled.
func (a *App) metricsFor(cfg domain.TrainingConfig) metrics.Sink {
	if !a.currentSettings().MetricsEnabled {
		return metrics.Noop{}
	}
	path := filepath.Join(cfg.OutputDir, metrics.FileName)
	return metrics.NewLazy(func() (metrics.Sink, error) {
		return metrics.NewFileSink(path)
	}, a.log)
}

func (a *App) publishLog(line string) {
	a.publishEvent(jobs.Event{Type: jobs.EventTypeLog, Line: line})
}

// publishStatus sends a normalized status event.
func (a *App) publishStatus(status domain.RunStatus, message string) {
	a.publishEvent(jobs.Event{
		Type:    jobs.EventTypeStatus,
		Status:  status,
		Message: message,
	})
}

// publishEvent stores event history and emits runtime push notifications.
func (a *App) publishEvent(event jobs.Event) {
	a.mu.Lock()
	if event.RunID == "" {
		event.RunID = a.runID
	}
	ctx := a.runtimeCtx
	a.mu.Unlock()

	published := a.events.Publish(event)
	if ctx != nil {
		wailsruntime.EventsEmit(ctx, runEventName, published)
	}
}

// notify receives reporter messages and forwards them to the frontend.
func (a *App) notify(message string, level errreport.Level) {
	if level == errreport.LevelError {
		a.publishEvent(jobs.Event{Type: jobs.EventTypeError, Message: message})
	}

	a.mu.Lock()
	ctx := a.runtimeCtx
	a.mu.Unlock()
	if ctx != nil {
		wailsruntime.EventsEmit(ctx, notifyEventName, Notification{Message: message, Level: level})
	}
}

func (a *App) rememberProfile(name string) {
	settings := a.currentSettings()
	if settings.LastProfile == name {
		return
	}
	settings.LastProfile = name
	if err := a.Store.Save(settings); err != nil {
		a.reporter.Warn(fmt.Sprintf("Could not save settings: %v", err), false)
		return
	}
	a.mu.Lock()
	a.Settings = settings
	a.mu.Unlock()
}

func (a *App) refreshDiagnosticsFromSettings(settings domain.Settings) domain.DiagnosticReport {
	report := a.checker.Run(settings)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.Settings = settings
	a.Diagnostics = report
	a.profiles = config.NewProfileStore(settings.ProfileDir)
	a.wire(settings)
	return report
}

func (a *App) currentSettings() domain.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Settings
}

func (a *App) profileStore() *config.ProfileStore {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.profiles
}

func (a *App) currentController() *training.Controller {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controller
}

// runtimeContext returns current Wails runtime context for dialog APIs.
func (a *App) runtimeContext() (context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runtimeCtx == nil {
		return nil, fmt.Errorf("runtime context is not initialized")
	}
	return a.runtimeCtx, nil
}

func (a *App) closeLog() {
	if a.logClose != nil {
		_ = a.logClose.Close()
	}
}

func statusMessage(status domain.RunStatus) string {
	switch status {
	case domain.RunStatusValidating:
		return "Validating configuration"
	case domain.RunStatusRunningMain:
		return "Training adapter"
	case domain.RunStatusRunningDraft:
		return "Training draft model"
	case domain.RunStatusCompleted:
		return "Training completed"
	case domain.RunStatusFailed:
		return "Training failed"
	case domain.RunStatusCancelled:
		return "Training stopped"
	default:
		return "Ready"
	}
}

// normalizeSettings trims user inputs and fills defaults for empty values.
func normalizeSettings(settings domain.Settings) domain.Settings {
	defaults := config.DefaultSettings()
	settings.PythonPath = strings.TrimSpace(settings.PythonPath)
	settings.ToolkitDir = strings.TrimSpace(settings.ToolkitDir)
	settings.OutputDir = strings.TrimSpace(settings.OutputDir)
	settings.ProfileDir = strings.TrimSpace(settings.ProfileDir)
	settings.LogFile = strings.TrimSpace(settings.LogFile)
	if settings.PythonPath == "" {
		settings.PythonPath = defaults.PythonPath
	}
	if settings.ProfileDir == "" {
		settings.ProfileDir = defaults.ProfileDir
	}
	if settings.LogLevel == "" {
		settings.LogLevel = defaults.LogLevel
	}
	return settings
}

// openInFileManager launches the platform file explorer for the provided path.
func openInFileManager(path string) error {
	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", filepath.Clean(path))
	default:
		cmd = exec.Command("xdg-open", path)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch file manager: %w", err)
	}
	return nil
}
