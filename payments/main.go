package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/timour/course-checkout/common/logger"
	"github.com/timour/course-checkout/common/metrics"
	"github.com/timour/course-checkout/common/tracing"
	"github.com/timour/course-checkout/payments/pricing"
	"github.com/timour/course-checkout/payments/processor"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "payments",
		Short:         "Course checkout, webhook fulfillment and entitlement service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncPricesCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and webhook endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := LoadConfig()
			log := logger.NewLogger(cfg.ServiceName)

			warnings, err := cfg.ValidateServe()
			if err != nil {
				return err
			}
			for _, w := range warnings {
				log.Warn(w)
			}

			shutdownTracer, err := tracing.Init(cmd.Context(), tracing.OptionsFromEnv(cfg.ServiceName, Version), log)
			if err != nil {
				return err
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracer(flushCtx); err != nil {
					log.Error("failed to flush traces", slog.Any("error", err))
				}
			}()

			app, err := NewApp(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to create app: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			startErr := app.Start(ctx)
			if startErr == nil {
				log.Info("received shutdown signal")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return errors.Join(startErr, app.Shutdown(shutdownCtx))
		},
	}
}

func syncPricesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-prices",
		Short: "Push course and bundle prices to the payment provider",
		Long: `Creates missing products and prices, and replaces prices whose amount
no longer matches the catalog. Safe to re-run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := LoadConfig()
			if cfg.StripeKey == "" {
				return errors.New("STRIPE_SECRET_KEY is required")
			}

			zl, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer zl.Sync()

			// Components log through slog; the job itself reports through zap.
			log := logger.NewLogger(cfg.ServiceName)
			db, cache, catalogView, err := openStores(cfg, log)
			if err != nil {
				zl.Error("failed to open stores", zap.Error(err))
				return err
			}
			defer db.Close()
			if cache != nil {
				defer cache.Close()
			}

			bm := metrics.NewBusinessMetrics(cfg.ServiceName, prometheus.NewRegistry())
			gateway := processor.NewStripeProcessor(cfg.StripeKey, log, bm)
			svc := pricing.NewService(gateway, catalogView, cfg.Currency, log, bm)

			_, err = pricing.NewJob(svc, db, zl).Run(cmd.Context())
			return err
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := LoadConfig()
			log := logger.NewLogger(cfg.ServiceName)

			db, _, _, err := openStores(Config{DatabaseURL: cfg.DatabaseURL}, log)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info("schema applied")
			return nil
		},
	}
}
