package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gnews-resolver/internal/app"
	"github.com/JakeFAU/gnews-resolver/internal/article"
	"github.com/JakeFAU/gnews-resolver/internal/config"
	"github.com/JakeFAU/gnews-resolver/internal/logging"
	"github.com/JakeFAU/gnews-resolver/internal/telemetry"
)

// runner is the part of *app.App the run command needs.
type runner interface {
	Run(ctx context.Context) (article.RunReport, error)
	Close() error
}

// newRunner builds the application. Tests replace it.
var newRunner = func(ctx context.Context, cfg config.Config, dryRun bool, logger *zap.Logger) (runner, error) {
	return app.New(ctx, cfg, dryRun, logger)
}

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "gnews-resolver",
		Short: "Resolves Google News viewer links to publisher URLs.",
		Long: `gnews-resolver reads unprocessed article rows from a Google Sheet,
drives a headless browser to find the publisher URL behind each Google News
link, writes it back to the sheet and publishes the enriched batch.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadEnvFile(opts.envFile)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration")

	cmd.AddCommand(newRunCmd(opts), newValidateCmd(opts))
	return cmd
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one batch of unresolved rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd.Context(), opts.configPath, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve without writing to the sheet or publishing")
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(opts.configPath); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
			return nil
		},
	}
}

func runBatch(ctx context.Context, configPath string, dryRun bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	tp, err := telemetry.InitTracerProvider(ctx, logging.ServiceName)
	if err != nil {
		return err
	}
	defer func() {
		if serr := tp.Shutdown(context.WithoutCancel(ctx)); serr != nil {
			logger.Warn("tracer shutdown failed", zap.Error(serr))
		}
	}()

	r, err := newRunner(ctx, cfg, dryRun, logger)
	if err != nil {
		logger.Error("initialize resolver failed", zap.Error(err))
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if cerr := r.Close(); cerr != nil {
			logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()

	if _, err := r.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
