package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schaermu/appdeployd/internal/config"
	"github.com/schaermu/appdeployd/internal/deploy"
	"github.com/schaermu/appdeployd/internal/git"
	"github.com/schaermu/appdeployd/internal/notify"
	"github.com/schaermu/appdeployd/internal/webhook"
	"github.com/spf13/cobra"
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
	dryRun    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "appdeployd",
	Short: "Deploy AppDaemon configuration to the Home Assistant add-on",
	Long: `appdeployd synchronizes an AppDaemon configuration source tree into the
Home Assistant AppDaemon add-on's configuration directory.

It clears previously deployed app scripts, copies the current apps and
appdaemon.yaml into place, and announces the deploy so automations can
restart the add-on. It runs as a one-shot deploy or as a long-running
webhook daemon that deploys on git push events.`,
	SilenceUsage: true,
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Perform a one-time deploy to the add-on configuration directory",
	Long: `Deploy ensures the destination apps directory exists, removes stale app
scripts from it, then copies the source apps directory and appdaemon.yaml
into place, preserving file attributes.

The AppDaemon add-on does not watch for changes; it must be restarted
afterwards to load the deployed apps.`,
	RunE: runDeploy,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server and deploy on push events",
	Long: `Serve starts a long-running HTTP server that listens for GitHub webhook
events and deploys when the configured repository is updated.

This mode requires serve.listen_addr and serve.webhook_secret_file to be
configured, and usually a repo.url to pull the pushed changes from.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("appdeployd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/appdeployd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Deploy command flags
	deployCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Add commands
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Create dependencies
	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile)
	notifier, err := setupNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer notifier.Close()

	// Run deploy
	engine := deploy.NewEngine(cfg, gitClient, notifier, logger, dryRun)
	if err := engine.Run(ctx); err != nil {
		logger.Error("deploy failed", "error", err)
		return err
	}

	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve is not enabled in the configuration")
	}

	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile)
	notifier, err := setupNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer notifier.Close()

	server, err := webhook.NewServer(cfg, gitClient, notifier, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	if err := server.Start(ctx); err != nil {
		logger.Error("webhook server failed", "error", err)
		return err
	}

	return nil
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

// loadConfig loads the config file, falling back to built-in defaults
// (the fixed add-on paths) when no file exists at the default location.
// An explicitly passed --config that does not exist is an error.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	explicit := configPath != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/appdeployd/config.yaml", home)

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			logger.Info("no config file found, using defaults", "path", configPath)
			return config.Default(), nil
		}
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"source_dir", cfg.Paths.SourceDir,
		"dest_dir", cfg.Paths.DestDir,
		"git_source", cfg.UsesGit(),
		"notify", cfg.NotifyEnabled())

	return cfg, nil
}

// setupNotifier connects the MQTT notifier when a broker is configured,
// otherwise returns a no-op.
func setupNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	if !cfg.NotifyEnabled() {
		return notify.Nop{}, nil
	}

	notifier, err := notify.NewMQTT(cfg.Notify, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up MQTT notifier: %w", err)
	}
	return notifier, nil
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
