package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/schaermu/mpysync/internal/config"
	"github.com/schaermu/mpysync/internal/deploy"
	"github.com/schaermu/mpysync/internal/metrics"
	"github.com/schaermu/mpysync/internal/monitor"
	"github.com/schaermu/mpysync/internal/precompile"
	"github.com/schaermu/mpysync/internal/transport"
	"github.com/schaermu/mpysync/internal/watch"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	noColor   bool

	// Overrides for the configuration file
	port       string
	baud       int
	baseDir    string
	precompOn  bool
	dryRun     bool
	runMonitor bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mpysync",
	Short: "Deploy changed files to a MicroPython board over serial",
	Long: `mpysync copies a local source directory onto a microcontroller running
MicroPython, sending only the files whose content changed since the last run.

Files are written through the interpreter's raw REPL in base64 chunks and
their size is verified on the board afterwards. Successful transfers are
recorded in a local state file.`,
	SilenceUsage: true,
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Send changed files to the device",
	Long: `Deploy scans the base directory, compares every file with the recorded
state and transfers new or modified files to the device. Each verified file is
recorded immediately, so an interrupted run resumes where it stopped.

With --monitor the serial console is opened after the transfer.`,
	RunE: runDeploy,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Deploy on every change below the base directory",
	Long: `Watch performs an initial deploy and then redeploys whenever files below
the base directory change. Bursts of changes are collapsed into one run.`,
	RunE: runWatch,
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Open the device console",
	Long: `Monitor soft-resets the device and bridges its serial console to the
terminal. Enter 'x' to quit; 'a', 'b', 'c' and 'd' send Ctrl-A to Ctrl-D.`,
	RunE: runMonitorCmd,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mpysync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/mpysync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&port, "port", config.DefaultPort, "serial port of the device")
	rootCmd.PersistentFlags().IntVar(&baud, "baud", config.DefaultBaud, "baud rate of the serial connection")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", config.DefaultBaseDir, "directory whose content is deployed")

	// Deploy and watch flags
	for _, cmd := range []*cobra.Command{deployCmd, watchCmd} {
		cmd.Flags().BoolVar(&precompOn, "precompile", false, "compile .py sources with the configured compiler before deploying")
	}
	deployCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be sent without opening the device")
	deployCmd.Flags().BoolVar(&runMonitor, "monitor", false, "open the device console after deploying")

	// Add commands
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var recorder *metrics.Recorder
	if cfg.Metrics.Textfile != "" {
		recorder = metrics.New()
	}

	engine := newEngine(cfg, recorder, logger, dryRun)
	result, err := engine.Run(ctx)
	printResult(os.Stdout, result)
	writeMetrics(cfg, recorder, logger)

	if err != nil {
		logger.Error("deploy failed", "error", err)
		return err
	}
	if n := result.Failed(); n > 0 {
		return fmt.Errorf("%d file(s) could not be deployed", n)
	}

	if runMonitor && !dryRun {
		return openMonitor(ctx, cfg, logger)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var recorder *metrics.Recorder
	if cfg.Metrics.Textfile != "" {
		recorder = metrics.New()
	}

	w := watch.New(cfg.Paths.BaseDir, func(ctx context.Context) error {
		result, err := newEngine(cfg, recorder, logger, false).Run(ctx)
		printResult(os.Stdout, result)
		writeMetrics(cfg, recorder, logger)
		if err != nil {
			return err
		}
		if n := result.Failed(); n > 0 {
			return fmt.Errorf("%d file(s) could not be deployed", n)
		}
		return nil
	}, watch.Options{
		Debounce:   cfg.Watch.Debounce,
		SkipHidden: cfg.SkipHidden(),
		Ignore:     watchIgnore(cfg),
		Logger:     logger,
	})

	return w.Run(ctx)
}

func runMonitorCmd(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	return openMonitor(ctx, cfg, logger)
}

func newEngine(cfg *config.Config, recorder *metrics.Recorder, logger *slog.Logger, dry bool) *deploy.Engine {
	fs := afero.NewOsFs()

	opts := deploy.Options{
		Fs:       fs,
		Dial:     dialer(cfg),
		Recorder: recorder,
		Logger:   logger,
		DryRun:   dry,
	}
	if cfg.Precompile.Enabled {
		opts.Precompiler = precompile.New(cfg.Precompile, fs, nil, logger)
	}
	return deploy.NewEngine(cfg, opts)
}

func dialer(cfg *config.Config) deploy.Dialer {
	return func() (transport.Transport, error) {
		t, err := transport.Open(transport.Config{Port: cfg.Serial.Port, Baud: cfg.Serial.Baud})
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

func openMonitor(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	t, err := dialer(cfg)()
	if err != nil {
		return err
	}
	defer func() {
		_ = t.Close()
	}()

	logger.Info("opening device console", "port", cfg.Serial.Port, "baud", cfg.Serial.Baud)
	return monitor.New(t, monitor.Options{Reset: true, NoColor: noColor, Logger: logger}).Run(ctx)
}

// watchIgnore keeps the watcher from reacting to files a deploy writes itself.
func watchIgnore(cfg *config.Config) func(string) bool {
	state, _ := filepath.Abs(cfg.StateFilePath())
	stateDir := filepath.Dir(state)
	precompiled := cfg.Precompile.Enabled

	return func(path string) bool {
		abs, err := filepath.Abs(path)
		if err != nil {
			return false
		}
		if abs == stateDir || abs == state {
			return true
		}
		if filepath.Dir(abs) == stateDir && strings.HasPrefix(filepath.Base(abs), ".tmp-") {
			return true
		}
		return precompiled && filepath.Ext(abs) == ".mpy"
	}
}

// printResult writes one colored line per transferred file and a summary.
func printResult(w io.Writer, result *deploy.Result) {
	if result == nil {
		return
	}
	if noColor {
		color.NoColor = true
	}

	sent := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)
	fail := color.New(color.FgRed)

	for _, f := range result.Files {
		switch f.Outcome {
		case deploy.OutcomeSent:
			_, _ = sent.Fprintf(w, "sent      %s (%d bytes)\n", f.Path, f.Bytes)
		case deploy.OutcomeSizeMismatch:
			_, _ = warn.Fprintf(w, "mismatch  %s: %v\n", f.Path, f.Err)
		default:
			_, _ = fail.Fprintf(w, "failed    %s: %v\n", f.Path, f.Err)
		}
	}

	if result.DryRun {
		for _, p := range result.Planned {
			_, _ = fmt.Fprintf(w, "would send %s\n", p)
		}
		_, _ = fmt.Fprintf(w, "dry run: %d to send, %d unchanged, %d forgotten\n",
			len(result.Planned), result.Unchanged, len(result.Removed))
		return
	}
	_, _ = fmt.Fprintf(w, "%d sent, %d failed, %d unchanged (%s)\n",
		result.Sent(), result.Failed(), result.Unchanged, result.Duration.Round(time.Millisecond))
}

func writeMetrics(cfg *config.Config, recorder *metrics.Recorder, logger *slog.Logger) {
	if recorder == nil {
		return
	}
	if err := recorder.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logger.Warn("failed to write metrics", "error", err)
	}
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadConfig reads the configuration file and applies flag overrides. An
// explicitly given file must exist; the default location is optional.
func loadConfig(logger *slog.Logger, flags *pflag.FlagSet) (*config.Config, error) {
	var cfg *config.Config

	if cfgFile != "" {
		logger.Info("loading configuration", "path", cfgFile)
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath := filepath.Join(home, ".config", "mpysync", "config.yaml")

		loaded, found, err := config.LoadOptional(configPath)
		if err != nil {
			return nil, err
		}
		if found {
			logger.Info("loading configuration", "path", configPath)
		} else {
			logger.Debug("no configuration file, using defaults", "path", configPath)
		}
		cfg = loaded
	}

	applyFlagOverrides(flags, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Debug("configuration loaded",
		"port", cfg.Serial.Port,
		"baud", cfg.Serial.Baud,
		"base_dir", cfg.Paths.BaseDir,
		"state_file", cfg.Paths.StateFile,
		"precompile", cfg.Precompile.Enabled)

	return cfg, nil
}

// applyFlagOverrides copies explicitly set flags over the file values.
func applyFlagOverrides(flags *pflag.FlagSet, cfg *config.Config) {
	if flags == nil {
		return
	}
	if flags.Changed("port") {
		cfg.Serial.Port = port
	}
	if flags.Changed("baud") {
		cfg.Serial.Baud = baud
	}
	if flags.Changed("base-dir") {
		cfg.Paths.BaseDir = baseDir
	}
	if flags.Changed("precompile") {
		cfg.Precompile.Enabled = precompOn
	}
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
