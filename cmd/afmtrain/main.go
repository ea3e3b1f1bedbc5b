package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

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
)

var longHelp = strings.TrimSpace(`
Train, export and package adapters with the adapter training toolkit.

Settings are shared with the desktop app (~/.afm-trainer/settings.json).
Values are applied in order: settings file or profile, AFM_* environment
variables, then flags given on the command line.
`)

var exampleUsage = strings.TrimSpace(`
  afmtrain check --toolkit-dir ~/adapter_training_toolkit_v26_0_0
  afmtrain check-data data/train.jsonl --preview 3
  afmtrain train --train-data data/train.jsonl --epochs 3 --train-draft
  afmtrain train --profile long-context.toml --export
  afmtrain export --adapter-name support_bot --author "Support team"
`)

// errFailed marks failures that were already reported to the user.
var errFailed = errors.New("operation failed")

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// cli holds services built once the persistent flags are parsed.
type cli struct {
	flags    settingsFlags
	settings domain.Settings
	log      zerolog.Logger
	closer   io.Closer
	out      io.Writer

	checker    *diagnostics.Checker
	exporter   *export.Exporter
	controller *training.Controller
}

func main() {
	c := &cli{out: os.Stdout, log: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()}

	root := &cobra.Command{
		Use:           "afmtrain",
		Short:         "Train and export adapters with the adapter training toolkit",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init(changedFlags(cmd))
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.closer != nil {
				_ = c.closer.Close()
			}
		},
	}
	c.flags.register(root.PersistentFlags())

	root.AddCommand(
		c.trainCommand(),
		c.exportCommand(),
		c.assetPackCommand(),
		c.checkCommand(),
		c.checkDataCommand(),
		c.profilesCommand(),
	)

	if err := root.Execute(); err != nil {
		if !errors.Is(err, errFailed) {
			c.log.Error().Err(err).Msg("afmtrain")
		}
		os.Exit(1)
	}
}

// init resolves settings and wires the services shared by all subcommands.
func (c *cli) init(changed map[string]bool) error {
	settings, err := c.flags.resolve(changed)
	if err != nil {
		return err
	}
	c.settings = settings

	log, closer, err := logging.New(logging.Options{Level: settings.LogLevel, File: settings.LogFile})
	if err != nil {
		return err
	}
	c.log, c.closer = log, closer

	runner := procrun.NewExecRunner(log)
	finder := checkpoint.NewFinder()
	reporter := errreport.New(log, nil)

	c.checker = diagnostics.NewChecker()
	c.exporter = export.NewExporter(runner, finder, log, export.Options{
		Python:   settings.PythonPath,
		HasXcode: c.checker.HasXcode,
	})
	orch := training.NewOrchestrator(runner, config.NewValidator(), finder, jobs.NewManager(), log, training.Options{
		Python:           settings.PythonPath,
		Metrics:          c.metricsFor,
		WatchCheckpoints: true,
	})
	c.controller = training.NewController(orch, c.exporter, reporter)
	return nil
}

func (c *cli) metricsFor(cfg domain.TrainingConfig) metrics.Sink {
	if !c.settings.MetricsEnabled {
		return metrics.Noop{}
	}
	path := filepath.Join(cfg.OutputDir, metrics.FileName)
	return metrics.NewLazy(func() (metrics.Sink, error) {
		return metrics.NewFileSink(path)
	}, c.log)
}

func (c *cli) trainCommand() *cobra.Command {
	var (
		tf          trainFlags
		exportAfter bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train an adapter (and optionally the draft model)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := tf.resolve(c.settings, changedFlags(cmd))
			if err != nil {
				return err
			}
			c.log.Info().
				Int("epochs", cfg.Epochs).
				Float64("learning_rate", cfg.LearningRate).
				Int("batch_size", cfg.BatchSize).
				Str("precision", string(cfg.Precision)).
				Bool("train_draft", cfg.TrainDraft).
				Str("output_dir", cfg.OutputDir).
				Msg("configuration")

			ok := c.dispatch(func(post func(func())) bool {
				res, ok := c.controller.Train(context.Background(), cfg, training.Callbacks{
					OnProgress: func(ev domain.ProgressEvent) {
						post(func() { fmt.Fprintf(c.out, "[%5.1f%%] %s\n", ev.Fraction*100, ev.Message) })
					},
					OnLog: func(line string) {
						post(func() { fmt.Fprintln(c.out, line) })
					},
					OnStatus: func(run domain.Run) {
						c.log.Debug().Str("run_id", run.ID).Str("status", string(run.Status)).Msg("status")
					},
				})
				if ok {
					post(func() { printCheckpoints(c.out, res.Checkpoints) })
				}
				return ok
			})
			if !ok {
				return errFailed
			}
			if exportAfter {
				return c.runExport(cfg.ExportConfig())
			}
			return nil
		},
	}
	tf.register(cmd.Flags())
	cmd.Flags().BoolVar(&exportAfter, "export", false, "export the adapter after training succeeds")
	return cmd
}

func (c *cli) exportCommand() *cobra.Command {
	cfg := config.DefaultTrainingConfig().ExportConfig()
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the trained adapter as a .fmadapter package",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.OutputDir = c.settings.OutputDir
			cfg.ToolkitDir = c.settings.ToolkitDir
			return c.runExport(cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.AdapterName, "adapter-name", cfg.AdapterName, "exported adapter name")
	cmd.Flags().StringVar(&cfg.Author, "author", cfg.Author, "exported adapter author")
	cmd.Flags().StringVar(&cfg.Description, "description", "", "exported adapter description")
	return cmd
}

func (c *cli) runExport(cfg domain.ExportConfig) error {
	ok := c.dispatch(func(post func(func())) bool {
		res, ok := c.controller.ExportResult(context.Background(), cfg, func(line string) {
			post(func() { fmt.Fprintln(c.out, line) })
		})
		if ok {
			post(func() {
				fmt.Fprintf(c.out, "Exported %s (%s)\n", res.AdapterPath, export.FormatSize(res.SizeBytes))
			})
		}
		return ok
	})
	if !ok {
		return errFailed
	}
	return nil
}

func (c *cli) assetPackCommand() *cobra.Command {
	var cfg domain.AssetPackConfig
	cmd := &cobra.Command{
		Use:   "asset-pack",
		Short: "Build a background asset pack from an exported adapter (requires Xcode)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.ToolkitDir = c.settings.ToolkitDir
			ok := c.dispatch(func(post func(func())) bool {
				path, ok := c.controller.AssetPack(context.Background(), cfg, func(line string) {
					post(func() { fmt.Fprintln(c.out, line) })
				})
				if ok {
					post(func() { fmt.Fprintf(c.out, "Asset pack: %s\n", path) })
				}
				return ok
			})
			if !ok {
				return errFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.AdapterPath, "adapter-path", "", "exported .fmadapter directory")
	cmd.Flags().StringVar(&cfg.OutputPath, "output-path", "", "asset pack output path")
	_ = cmd.MarkFlagRequired("adapter-path")
	_ = cmd.MarkFlagRequired("output-path")
	return cmd
}

func (c *cli) checkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the python interpreter, toolkit and output directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report := c.checker.Run(c.settings)
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			for _, item := range report.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", strings.ToUpper(string(item.Status)), item.Name, item.Message)
				if item.Status != domain.DiagnosticStatusPass && item.Hint != "" {
					fmt.Fprintf(tw, "\t\t%s\n", item.Hint)
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if report.HasFailures {
				return errFailed
			}
			return nil
		},
	}
}

func (c *cli) checkDataCommand() *cobra.Command {
	var preview int
	cmd := &cobra.Command{
		Use:   "check-data <file.jsonl>",
		Short: "Validate a JSONL training dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := dataset.Validate(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Total lines:      %d\n", stats.TotalLines)
			fmt.Fprintf(c.out, "Valid samples:    %d\n", stats.ValidSamples)
			fmt.Fprintf(c.out, "Invalid samples:  %d\n", stats.InvalidSamples)
			fmt.Fprintf(c.out, "System messages:  %d\n", stats.SystemMessages)
			fmt.Fprintf(c.out, "Multi-turn:       %d\n", stats.MultiTurn)
			fmt.Fprintf(c.out, "Average tokens:   %d\n", stats.AverageTokens)

			if preview <= 0 {
				return nil
			}
			samples, err := dataset.Preview(args[0], preview)
			if err != nil {
				return err
			}
			for _, s := range samples {
				fmt.Fprintf(c.out, "%4d  %s\n", s.Line, s.Formatted)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&preview, "preview", 0, "print the first N samples")
	return cmd
}

func (c *cli) profilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage saved training profiles",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := c.profiles().List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			for _, p := range profiles {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.File, p.Format, p.ModTime.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Print a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadProfile(c.profiles(), args[0])
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(c.out)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}

	var tf trainFlags
	save := &cobra.Command{
		Use:   "save <name>",
		Short: "Save the configuration given by flags as a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := tf.resolve(c.settings, changedFlags(cmd))
			if err != nil {
				return err
			}
			info, err := c.profiles().Save(args[0], cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Saved %s\n", filepath.Join(c.profiles().Dir(), info.File))
			return nil
		},
	}
	tf.register(save.Flags())

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a saved profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.profiles().Delete(args[0])
		},
	}

	cmd.AddCommand(list, show, save, del)
	return cmd
}

func (c *cli) profiles() *config.ProfileStore {
	return config.NewProfileStore(c.settings.ProfileDir)
}

// dispatch runs work on a worker goroutine while this goroutine prints the
// output it posts. SIGINT and SIGTERM request a stop of the running process.
func (c *cli) dispatch(work func(post func(func())) bool) bool {
	d := jobs.NewDispatcher(256)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			c.log.Info().Msg("received signal, stopping...")
			c.controller.Stop()
		case <-done:
		}
	}()

	result := make(chan bool, 1)
	go func() {
		defer d.Close()
		result <- work(func(fn func()) { d.Post(fn) })
	}()

	_ = d.Run(context.Background())
	close(done)
	return <-result
}

func printCheckpoints(w io.Writer, checkpoints []domain.Checkpoint) {
	if len(checkpoints) == 0 {
		return
	}
	fmt.Fprintln(w, "Checkpoints:")
	for _, cp := range checkpoints {
		fmt.Fprintf(w, "  %s\n", cp.Path)
	}
}
