package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/ResearchPipe/internal/api"
	"github.com/BTreeMap/ResearchPipe/internal/flow"
	"github.com/BTreeMap/ResearchPipe/internal/genai"
	"github.com/BTreeMap/ResearchPipe/internal/lockfile"
	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/BTreeMap/ResearchPipe/internal/recovery"
	"github.com/BTreeMap/ResearchPipe/internal/store"
	"github.com/BTreeMap/ResearchPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ResearchPipe state data
	DefaultStateDir = "/var/lib/researchpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "researchpipe.db"
	// closeTimeout bounds the final snapshot flush on shutdown
	closeTimeout = 10 * time.Second
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ResearchPipe")
	if err := run(ctx, flags); err != nil {
		slog.Error("ResearchPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ResearchPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	DatabaseURL    string
	APIAddr        string
	OpenAIKey      string
	OpenAIModel    string
	PageSize       int
	PersistEnabled bool
	LogLevel       slog.Level
}

// Flags holds command line flag values
type Flags struct {
	StateDir    string
	DBDSN       string
	APIAddr     string
	OpenAIKey   string
	OpenAIModel string
	PageSize    int
	Persist     bool
}

// initializeLogger sets up structured text logging at the given level
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// parseLogLevel maps LOG_LEVEL to a slog level; unknown values mean debug.
func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelDebug
	}
	return level
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:       os.Getenv("RESEARCHPIPE_STATE_DIR"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		APIAddr:        os.Getenv("API_ADDR"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:    os.Getenv("OPENAI_MODEL"),
		PageSize:       models.DefaultPageSize,
		PersistEnabled: util.ParseBoolEnv("PERSIST_ENABLED", true),
		LogLevel:       parseLogLevel(os.Getenv("LOG_LEVEL")),
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.OpenAIModel == "" {
		config.OpenAIModel = genai.DefaultModel
	}
	if raw := os.Getenv("FORM_PAGE_SIZE"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			config.PageSize = n
		} else {
			slog.Warn("invalid FORM_PAGE_SIZE, using default", "value", raw, "default", models.DefaultPageSize)
		}
	}

	slog.Debug("environment variables loaded",
		"RESEARCHPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"FORM_PAGE_SIZE", config.PageSize,
		"PERSIST_ENABLED", config.PersistEnabled)
	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var flags Flags
	fs.StringVar(&flags.StateDir, "state-dir", config.StateDir, "state directory for ResearchPipe data (overrides $RESEARCHPIPE_STATE_DIR)")
	fs.StringVar(&flags.DBDSN, "db-dsn", config.DatabaseURL, "Postgres DSN or SQLite path; defaults to SQLite in the state directory (overrides $DATABASE_URL)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&flags.OpenAIModel, "openai-model", config.OpenAIModel, "chat model for the interview (overrides $OPENAI_MODEL)")
	fs.IntVar(&flags.PageSize, "page-size", config.PageSize, "visible form fields per step (overrides $FORM_PAGE_SIZE)")
	fs.BoolVar(&flags.Persist, "persist", config.PersistEnabled, "persist state across restarts (overrides $PERSIST_ENABLED)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// the SQLite default follows the final state directory
	if flags.DBDSN == "" {
		flags.DBDSN = filepath.Join(flags.StateDir, DefaultDBFileName)
	}
	if flags.PageSize <= 0 {
		return Flags{}, fmt.Errorf("page-size must be positive, got %d", flags.PageSize)
	}

	slog.Debug("flags parsed",
		"stateDir", flags.StateDir,
		"dbDSN_type", store.DetectDSNType(flags.DBDSN),
		"apiAddr", flags.APIAddr,
		"openaiKeySet", flags.OpenAIKey != "",
		"openaiModel", flags.OpenAIModel,
		"pageSize", flags.PageSize,
		"persist", flags.Persist)
	return flags, nil
}

// buildStoreOptions selects the store backend for the configured DSN
func buildStoreOptions(flags Flags) []store.Option {
	if !flags.Persist {
		return nil
	}
	if store.DetectDSNType(flags.DBDSN) == "postgres" {
		return []store.Option{store.WithPostgresDSN(flags.DBDSN)}
	}
	return []store.Option{store.WithSQLiteDSN(flags.DBDSN)}
}

// buildGenAIOptions constructs chat backend options
func buildGenAIOptions(flags Flags) []genai.Option {
	return []genai.Option{
		genai.WithAPIKey(flags.OpenAIKey),
		genai.WithModel(flags.OpenAIModel),
	}
}

// run wires the modules together and serves the API until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.AcquireLock(flags.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	var machineOpts []flow.Option
	if flags.Persist {
		machineOpts = append(machineOpts, flow.WithStateManager(flow.NewStoreBasedStateManager(st)))
	}
	machine := flow.NewMachine(machineOpts...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := machine.Close(closeCtx); err != nil {
			slog.Error("Failed to flush state on shutdown", "error", err)
		}
	}()

	apiOpts := []api.Option{
		api.WithAddr(flags.APIAddr),
		api.WithPageSize(flags.PageSize),
	}
	if client, err := genai.NewClient(buildGenAIOptions(flags)...); err != nil {
		if !errors.Is(err, genai.ErrMissingAPIKey) {
			return fmt.Errorf("failed to create chat backend: %w", err)
		}
		slog.Warn("No OpenAI API key configured, POST /chat is disabled")
	} else {
		apiOpts = append(apiOpts, api.WithInterviewer(client))
	}

	// recovery runs in the background; requests wait on machine.Ready()
	rm := recovery.NewRecoveryManager(st)
	rm.RegisterRecoverable(machine)
	go func() {
		if err := rm.RecoverAll(ctx); err != nil {
			slog.Warn("Recovery finished with errors, continuing with fresh state", "error", err)
		}
	}()

	return api.NewServer(machine, apiOpts...).Run(ctx)
}
