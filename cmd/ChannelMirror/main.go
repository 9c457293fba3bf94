package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/ChannelMirror/internal/batch"
	"github.com/BTreeMap/ChannelMirror/internal/config"
	"github.com/BTreeMap/ChannelMirror/internal/export"
	"github.com/BTreeMap/ChannelMirror/internal/forward"
	"github.com/BTreeMap/ChannelMirror/internal/lockfile"
	"github.com/BTreeMap/ChannelMirror/internal/mirror"
	"github.com/BTreeMap/ChannelMirror/internal/scheduler"
	"github.com/BTreeMap/ChannelMirror/internal/store"
	"github.com/BTreeMap/ChannelMirror/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ChannelMirror state data
	DefaultStateDir = "/var/lib/channelmirror"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "channelmirror.db"
	// DefaultExporterPath is the exporter binary looked up on PATH
	DefaultExporterPath = "DiscordChatExporter.Cli"
	// DefaultChannelsFileName is the channel list looked for in the state dir
	DefaultChannelsFileName = "channels.yaml"
)

func main() {
	cfg := loadEnvironmentConfig()
	flags := parseCommandLineFlags(cfg)
	initializeLogger(*flags.verbose)

	if err := run(flags); err != nil {
		slog.Error("ChannelMirror failed", "error", err)
		os.Exit(1)
	}
	slog.Info("ChannelMirror exited")
}

// Config holds environment configuration
type Config struct {
	StateDir        string
	ExportDir       string
	ChannelsFile    string
	DBDSN           string
	ExporterPath    string
	BotToken        string
	Window          time.Duration
	Overlap         time.Duration
	CycleDelay      time.Duration
	Schedule        string
	Retention       int
	MaxAttachMB     float64
	MaxBatchMB      float64
	MaxFilesPerPost int
	DryRun          bool
	RunOnce         bool
	Verbose         bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	exportDir       *string
	channelsFile    *string
	dbDSN           *string
	exporterPath    *string
	botToken        *string
	window          *time.Duration
	overlap         *time.Duration
	cycleDelay      *time.Duration
	schedule        *string
	retention       *int
	maxAttachMB     *float64
	maxBatchMB      *float64
	maxFilesPerPost *int
	dryRun          *bool
	runOnce         *bool
	verbose         *bool
}

// initializeLogger sets up structured logging on stdout.
func initializeLogger(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := Config{
		StateDir:        util.GetenvDefault("MIRROR_STATE_DIR", DefaultStateDir),
		ExportDir:       os.Getenv("MIRROR_EXPORT_DIR"),
		ChannelsFile:    os.Getenv("MIRROR_CHANNELS_FILE"),
		DBDSN:           os.Getenv("MIRROR_DB_DSN"),
		ExporterPath:    util.GetenvDefault("MIRROR_EXPORTER_PATH", DefaultExporterPath),
		BotToken:        os.Getenv("MIRROR_BOT_TOKEN"),
		Window:          util.ParseDurationEnv("MIRROR_WINDOW", 0),
		Overlap:         util.ParseDurationEnv("MIRROR_OVERLAP", mirror.DefaultOverlap),
		CycleDelay:      util.ParseDurationEnv("MIRROR_CYCLE_DELAY", mirror.DefaultCycleDelay),
		Schedule:        os.Getenv("MIRROR_SCHEDULE"),
		Retention:       util.ParseIntEnv("MIRROR_RETENTION", mirror.DefaultRetention),
		MaxAttachMB:     util.ParseFloatEnv("MIRROR_MAX_ATTACH_MB", 0),
		MaxBatchMB:      util.ParseFloatEnv("MIRROR_MAX_BATCH_MB", 0),
		MaxFilesPerPost: util.ParseIntEnv("MIRROR_MAX_FILES_PER_POST", 0),
		DryRun:          util.ParseBoolEnv("MIRROR_DRY_RUN", false),
		RunOnce:         util.ParseBoolEnv("MIRROR_RUN_ONCE", false),
		Verbose:         util.ParseBoolEnv("MIRROR_VERBOSE", false),
	}

	// File-based defaults live under the state directory.
	if cfg.ExportDir == "" {
		cfg.ExportDir = filepath.Join(cfg.StateDir, "exports")
	}
	if cfg.ChannelsFile == "" {
		cfg.ChannelsFile = filepath.Join(cfg.StateDir, DefaultChannelsFileName)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = filepath.Join(cfg.StateDir, DefaultDBFileName)
	}
	return cfg
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(cfg Config) Flags {
	flags := Flags{
		stateDir:        flag.String("state-dir", cfg.StateDir, "state directory (overrides $MIRROR_STATE_DIR)"),
		exportDir:       flag.String("export-dir", cfg.ExportDir, "export artifact directory (overrides $MIRROR_EXPORT_DIR)"),
		channelsFile:    flag.String("channels", cfg.ChannelsFile, "channel list YAML file (overrides $MIRROR_CHANNELS_FILE)"),
		dbDSN:           flag.String("db-dsn", cfg.DBDSN, "state database DSN, SQLite path or postgres:// URL (overrides $MIRROR_DB_DSN)"),
		exporterPath:    flag.String("exporter", cfg.ExporterPath, "exporter binary path (overrides $MIRROR_EXPORTER_PATH)"),
		botToken:        flag.String("token", cfg.BotToken, "source service bot token (overrides $MIRROR_BOT_TOKEN)"),
		window:          flag.Duration("window", cfg.Window, "export window size, 0 for unbounded (overrides $MIRROR_WINDOW)"),
		overlap:         flag.Duration("overlap", cfg.Overlap, "window overlap margin (overrides $MIRROR_OVERLAP)"),
		cycleDelay:      flag.Duration("cycle-delay", cfg.CycleDelay, "delay between mirror passes (overrides $MIRROR_CYCLE_DELAY)"),
		schedule:        flag.String("schedule", cfg.Schedule, "cron expression for passes, empty for the fixed-delay loop (overrides $MIRROR_SCHEDULE)"),
		retention:       flag.Int("retention", cfg.Retention, "export artifacts kept per channel (overrides $MIRROR_RETENTION)"),
		maxAttachMB:     flag.Float64("max-attach-mb", cfg.MaxAttachMB, "per-attachment size cap in MB, 0 for default (overrides $MIRROR_MAX_ATTACH_MB)"),
		maxBatchMB:      flag.Float64("max-batch-mb", cfg.MaxBatchMB, "cumulative per-post size cap in MB, 0 for default (overrides $MIRROR_MAX_BATCH_MB)"),
		maxFilesPerPost: flag.Int("max-files", cfg.MaxFilesPerPost, "files per post cap, 0 for default (overrides $MIRROR_MAX_FILES_PER_POST)"),
		dryRun:          flag.Bool("dry-run", cfg.DryRun, "simulate delivery without posting (overrides $MIRROR_DRY_RUN)"),
		runOnce:         flag.Bool("run-once", cfg.RunOnce, "perform one pass and exit (overrides $MIRROR_RUN_ONCE)"),
		verbose:         flag.Bool("verbose", cfg.Verbose, "enable debug logging (overrides $MIRROR_VERBOSE)"),
	}
	flag.Parse()
	return flags
}

// ensureDirectoriesExist creates the directories file-based storage needs.
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.exportDir, 0755); err != nil {
		return err
	}
	if !store.IsPostgresDSN(*flags.dbDSN) {
		if err := os.MkdirAll(filepath.Dir(*flags.dbDSN), 0755); err != nil {
			return err
		}
	}
	return nil
}

func run(flags Flags) error {
	slog.Info("ChannelMirror starting",
		"stateDir", *flags.stateDir, "exportDir", *flags.exportDir,
		"dsnSet", *flags.dbDSN != "", "dryRun", *flags.dryRun, "runOnce", *flags.runOnce)

	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}

	// Single writer per state directory.
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	channels, err := config.LoadChannels(*flags.channelsFile)
	if err != nil {
		return err
	}
	slog.Info("loaded channel list", "channels", len(channels), "file", *flags.channelsFile)

	repo, err := store.Open(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer repo.Close()

	invoker := &export.Invoker{
		ExporterPath: *flags.exporterPath,
		Token:        *flags.botToken,
		ExportDir:    *flags.exportDir,
	}

	attachMB := *flags.maxAttachMB
	if attachMB <= 0 {
		attachMB = batch.DefaultMaxAttachmentMB
	}
	forwarder := forward.NewWebhookForwarder(forward.WithMaxFetchBytes(int64(attachMB * 1024 * 1024)))

	orch, err := mirror.New(mirror.Options{
		Overlap:         *flags.overlap,
		WindowSize:      *flags.window,
		CycleDelay:      *flags.cycleDelay,
		Retention:       *flags.retention,
		MaxAttachMB:     *flags.maxAttachMB,
		MaxBatchMB:      *flags.maxBatchMB,
		MaxFilesPerPost: *flags.maxFilesPerPost,
		DryRun:          *flags.dryRun,
	}, repo, invoker, forwarder, channels)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *flags.runOnce:
		reportResults(orch.RunOnce(ctx))
	case *flags.schedule != "":
		sched := scheduler.New()
		if err := sched.AddPass(*flags.schedule, func() {
			reportResults(orch.RunOnce(ctx))
		}); err != nil {
			return err
		}
		slog.Info("running on cron schedule", "schedule", *flags.schedule)
		sched.Start()
		<-ctx.Done()
		sched.Stop()
	default:
		orch.Run(ctx)
	}
	return nil
}

func reportResults(results []mirror.CycleResult) {
	for _, r := range results {
		if r.Err != nil {
			slog.Error("cycle failed", "channel", r.ChannelID, "status", r.Status, "error", r.Err)
			continue
		}
		slog.Info("cycle finished", "channel", r.ChannelID, "status", r.Status,
			"exported", r.Exported, "forwarded", r.Forwarded, "oversized", r.Oversized)
	}
}
