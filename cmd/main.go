package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/chaos-zhu/easyimg/cmd/migrate"
	"github.com/chaos-zhu/easyimg/internal/app"
	"github.com/chaos-zhu/easyimg/internal/auth"
	"github.com/chaos-zhu/easyimg/internal/config"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var (
	configFile string
	envFile    string
)

func initSentry(cfg *config.SentryConfig, version string) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     version,
	})
}

// loadConfig reads the JSON config, then the env file and environment
// overrides. A missing default config file is fine; a missing file passed
// with --config is not.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewConfig()
	if err := cfg.Read(configFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("config") {
			return nil, err
		}
	}
	if err := cfg.LoadEnv(envFile); err != nil {
		return nil, err
	}
	cfg.Defaults()
	return cfg, nil
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := config.SetupLogger(cfg.Log)

	if err := initSentry(&cfg.Sentry, version); err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	// Flush buffered events before the program terminates.
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		sentry.CaptureException(err)
		return err
	}

	logger.Info("easyimg starting", slog.String("version", version), slog.String("env", cfg.Upload.Env))
	return a.Run(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "easyimg",
		Short:         "Image hosting service: uploads, transcoding and retrieval",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "config.json", "path to the JSON config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to an optional .env file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		RunE:  serve,
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL ledger migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("database.dsn (or DATABASE_DSN) is required")
			}
			if err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations); err != nil {
				return err
			}
			slog.Info("migrations applied")
			return nil
		},
	})

	var (
		subject string
		ttl     time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Print an HMAC-signed access token for the configured jwt_secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tok, err := auth.Issue(cfg.Auth.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	root.AddCommand(tokenCmd)

	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
