package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/loginbridge/loginbridge/internal/config"
	"github.com/loginbridge/loginbridge/internal/directory"
	"github.com/loginbridge/loginbridge/internal/install"
	"github.com/loginbridge/loginbridge/internal/server"
	"github.com/loginbridge/loginbridge/internal/settings"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loginbridge",
		Short: "LoginBridge - Login with Facebook for a host user directory",
		Long: `LoginBridge serves a "Login with Facebook" page, drives the OAuth2
authorization-code flow against the Facebook Graph API, and maps the
fetched profiles onto local user accounts.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "Data directory path")
	rootCmd.PersistentFlags().StringP("listen", "l", ":8080", "Listen address")
	rootCmd.PersistentFlags().String("public-url", "http://localhost:8080", "Externally visible base URL")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("enable-tls", false, "Enable TLS")
	rootCmd.PersistentFlags().String("tls-cert", "", "TLS certificate file")
	rootCmd.PersistentFlags().String("tls-key", "", "TLS key file")
	rootCmd.PersistentFlags().String("admin-token", "", "Bearer token for the admin API (empty disables it)")

	rootCmd.AddCommand(
		installCmd("install", "Create the module's directory resources", func(i *install.Installer) error {
			return i.Install()
		}),
		installCmd("check", "Verify the resources and recreate missing ones", func(i *install.Installer) error {
			return i.Check()
		}),
		installCmd("uninstall", "Remove the module's resources and identity links", func(i *install.Installer) error {
			return i.Uninstall()
		}),
	)

	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogging(cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting LoginBridge")

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("LoginBridge stopped")
	return nil
}

// installCmd builds one of the lifecycle subcommands, which run against the
// database directly without starting the HTTP server.
func installCmd(use, short string, run func(*install.Installer) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger := setupLogging(cfg.LogLevel)

			store, err := directory.NewSQLiteStore(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("failed to open directory store: %w", err)
			}
			defer store.Close()

			sm, err := settings.NewManager(store.DB(), logger)
			if err != nil {
				return fmt.Errorf("failed to create settings manager: %w", err)
			}

			return run(install.NewInstaller(store, sm, logger))
		},
	}
}

func setupLogging(level string) *logrus.Logger {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	return logger
}
