package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/BTreeMap/DocPipe/internal/bot"
	"github.com/BTreeMap/DocPipe/internal/delivery"
	"github.com/BTreeMap/DocPipe/internal/lockfile"
	"github.com/BTreeMap/DocPipe/internal/mailbox"
	"github.com/BTreeMap/DocPipe/internal/messaging"
	"github.com/BTreeMap/DocPipe/internal/renderer"
	"github.com/BTreeMap/DocPipe/internal/scheduler"
	"github.com/BTreeMap/DocPipe/internal/store"
	"github.com/BTreeMap/DocPipe/internal/sweeper"
	"github.com/BTreeMap/DocPipe/internal/util"
	"github.com/BTreeMap/DocPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for DocPipe state data
	DefaultStateDir = "/var/lib/docpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "docpipe.db"
	// DefaultDropDirName is the drop directory watched for rendered PDFs,
	// created under the state directory unless overridden
	DefaultDropDirName = "curpParaEnviar"
	// DefaultRendererURL is the default base URL of the external rendering API
	DefaultRendererURL = "http://localhost:5000"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Only one DocPipe instance may own a state directory at a time: the
	// drop directory and mailboxes assume a single consumer.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping DocPipe with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"dsn_set", *flags.dbDSN != "",
		"drop_dir", *flags.dropDir,
		"mailbox_dir", *flags.mailboxDir,
		"renderer_url", *flags.rendererURL)

	if err := run(flags, config); err != nil {
		slog.Error("DocPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("DocPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	WhatsAppDSN string
	DatabaseURL string
	StateDir    string
	DropDir     string
	MailboxDir  string
	RendererURL string
	FastTick    string
	SlowTick    string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput    *string
	numeric     *bool
	stateDir    *string
	dbDSN       *string
	dropDir     *string
	mailboxDir  *string
	rendererURL *string
	fastTick    *string
	slowTick    *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("DOCPIPE_STATE_DIR"),
		DropDir:     os.Getenv("DOCPIPE_DROP_DIR"),
		MailboxDir:  os.Getenv("DOCPIPE_MAILBOX_DIR"),
		RendererURL: os.Getenv("RENDERER_URL"),
		FastTick:    os.Getenv("FAST_TICK"),
		SlowTick:    os.Getenv("SLOW_TICK"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No DOCPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("DOCPIPE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// Default to WhatsApp DSN if specific not set
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = config.DatabaseURL
		if config.DatabaseURL != "" {
			slog.Debug("Using DATABASE_URL as WHATSAPP_DB_DSN", "dsn_set", true)
		}
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	// The drop directory and mailbox directory are shared with the external
	// admin panel; both default to locations under the state directory.
	if config.DropDir == "" {
		config.DropDir = filepath.Join(config.StateDir, DefaultDropDirName)
	}
	if config.MailboxDir == "" {
		config.MailboxDir = config.StateDir
	}

	if config.RendererURL == "" {
		config.RendererURL = DefaultRendererURL
	}
	if config.FastTick == "" {
		config.FastTick = sweeper.DefaultFastInterval
	}
	if config.SlowTick == "" {
		config.SlowTick = sweeper.DefaultSlowInterval
	}

	slog.Debug("environment variables loaded",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"DOCPIPE_STATE_DIR", config.StateDir,
		"DOCPIPE_DROP_DIR", config.DropDir,
		"DOCPIPE_MAILBOX_DIR", config.MailboxDir,
		"RENDERER_URL", config.RendererURL,
		"FAST_TICK", config.FastTick,
		"SLOW_TICK", config.SlowTick)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:    flag.String("qr-output", "", "path to write login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for DocPipe data (overrides $DOCPIPE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.WhatsAppDSN, "database DSN for WhatsApp and the pipeline store (overrides $WHATSAPP_DB_DSN or $DATABASE_URL)"),
		dropDir:     flag.String("drop-dir", config.DropDir, "directory watched for rendered PDF files (overrides $DOCPIPE_DROP_DIR)"),
		mailboxDir:  flag.String("mailbox-dir", config.MailboxDir, "directory holding the admin panel mailbox files (overrides $DOCPIPE_MAILBOX_DIR)"),
		rendererURL: flag.String("renderer-url", config.RendererURL, "base URL of the rendering API (overrides $RENDERER_URL)"),
		fastTick:    flag.String("fast-tick", config.FastTick, "fast sweep schedule (overrides $FAST_TICK)"),
		slowTick:    flag.String("slow-tick", config.SlowTick, "slow sweep schedule (overrides $SLOW_TICK)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"dropDir", *flags.dropDir,
		"mailboxDir", *flags.mailboxDir,
		"rendererURL", *flags.rendererURL,
		"fastTick", *flags.fastTick,
		"slowTick", *flags.slowTick)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.WhatsAppDSN && config.WhatsAppDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}
	if *flags.dropDir == config.DropDir && config.DropDir == filepath.Join(config.StateDir, DefaultDropDirName) && *flags.stateDir != config.StateDir {
		*flags.dropDir = filepath.Join(*flags.stateDir, DefaultDropDirName)
	}
	if *flags.mailboxDir == config.MailboxDir && config.MailboxDir == config.StateDir && *flags.stateDir != config.StateDir {
		*flags.mailboxDir = *flags.stateDir
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir, *flags.dropDir, *flags.mailboxDir}

	// Ensure the DSN's parent exists if we're using a file-based database
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}

	for _, dir := range dirs {
		slog.Debug("Ensuring directory exists", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.dbDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.dbDSN))
	}
	return waOpts
}

// buildStore selects a store backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// run wires the pipeline together and blocks until shutdown.
func run(flags Flags, config Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage is load-bearing: without it no request survives a restart.
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	waClient, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
	if err != nil {
		return err
	}

	msgService := messaging.NewWhatsAppService(waClient)
	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()

	rend, err := renderer.NewClient(
		renderer.WithBaseURL(*flags.rendererURL),
		renderer.WithTimeout(util.ParseDurationEnv("RENDER_TIMEOUT", renderer.DefaultTimeout)),
	)
	if err != nil {
		return err
	}

	queue, err := delivery.NewQueue(st, msgService, rend,
		delivery.WithDropDir(*flags.dropDir),
		delivery.WithFilePause(util.ParseDurationEnv("FILE_PAUSE", delivery.DefaultFilePause)),
		delivery.WithTempGrace(util.ParseDurationEnv("TEMP_GRACE", delivery.DefaultTempGrace)),
		delivery.WithRenderTimeout(util.ParseDurationEnv("RENDER_TIMEOUT", renderer.DefaultTimeout)),
	)
	if err != nil {
		return err
	}

	inbox := mailbox.NewInbox(*flags.mailboxDir, st, msgService,
		mailbox.WithMessagePause(util.ParseDurationEnv("MESSAGE_PAUSE", mailbox.DefaultMessagePause)),
	)

	ttl := util.ParseDurationEnv("PENDING_TTL", sweeper.DefaultTTL)
	maxAttempts := util.ParseIntEnv("MAX_ATTEMPTS", sweeper.DefaultMaxAttempts)

	sched := scheduler.NewScheduler()
	defer sched.Stop()

	sw := sweeper.NewSweeper(st, inbox, queue, *flags.dropDir,
		sweeper.WithTTL(ttl),
		sweeper.WithMaxAttempts(maxAttempts),
		sweeper.WithIntervals(*flags.fastTick, *flags.slowTick),
		sweeper.WithPurgeAge(util.ParseDurationEnv("PURGE_AGE", sweeper.DefaultPurgeAge)),
	)
	if err := sw.Register(ctx, sched); err != nil {
		return err
	}

	b := bot.NewBot(st, msgService, bot.WithEvictionPolicy(ttl, maxAttempts))
	go b.Run(ctx)

	slog.Info("DocPipe running", "drop_dir", *flags.dropDir, "mailbox_dir", *flags.mailboxDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slog.Info("Shutdown signal received", "signal", s.String())

	cancel()
	return nil
}
