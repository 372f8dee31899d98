package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/tracker/internal/auth"
	"github.com/joescharf/tracker/internal/logger"
	"github.com/joescharf/tracker/internal/models"
	"github.com/joescharf/tracker/internal/output"
	"github.com/joescharf/tracker/internal/store"
	"github.com/joescharf/tracker/internal/tracker"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose  bool
	actingAs string
)

var rootCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Issue tracker with time-to-close statistics",
	Long: `tracker records issues, moves them through a status workflow, and
reports how long closed issues took to resolve.

It can be used from the command line, served over HTTP with 'tracker serve',
or exposed to AI assistants with 'tracker mcp'.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVar(&actingAs, "as", "", "Act as this user (default: cli.user)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/tracker/config.yaml)")
}

// setDefaults registers default values for every config key under dir.
func setDefaults(dir string) {
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "tracker.db"))
	viper.SetDefault("port", 8080)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("defaults.category", tracker.DefaultCategoryName)
	viper.SetDefault("cli.user", "")
	viper.SetDefault("mcp.user", "")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
}

func initConfig() {
	// A .env in the working directory is optional.
	_ = godotenv.Load()

	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TRACKER")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	level := viper.GetString("log.level")
	if verbose {
		level = "debug"
	}
	// Logs go to stderr so stdout stays clean for command output and MCP.
	logger.Setup(os.Stderr, level, viper.GetString("log.format"))

	// Initialize store lazily: only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getService returns an issue service over the shared store.
func getService() (*tracker.Service, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	return tracker.NewService(s,
		tracker.WithLogger(slog.Default()),
		tracker.WithDefaultCategory(viper.GetString("defaults.category")),
	), nil
}

// getAuth returns an authenticator over the shared store.
func getAuth() (*auth.Authenticator, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	return auth.New(s, 0), nil
}

// errNoActor is returned when a command needs an acting user and none is set.
var errNoActor = errors.New("no acting user: pass --as <username> or set cli.user (tracker user add creates one)")

// actorFor resolves username into an actor. An empty name is an error.
func actorFor(ctx context.Context, username string) (*models.Actor, error) {
	if username == "" {
		return nil, errNoActor
	}
	a, err := getAuth()
	if err != nil {
		return nil, err
	}
	actor, err := a.ActorForUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("unknown user %q", username)
	}
	return actor, err
}

// getActor returns the user the CLI is acting as: --as, else cli.user.
func getActor(ctx context.Context) (*models.Actor, error) {
	username := actingAs
	if username == "" {
		username = viper.GetString("cli.user")
	}
	return actorFor(ctx, username)
}
