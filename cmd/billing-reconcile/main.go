package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"billingsync/internal/app"
	"billingsync/internal/config"
	"billingsync/internal/logging"
	"billingsync/internal/pipeline"
)

func main() {
	driftOnly := flag.Bool("drift-only", false, "only accounts that are active without a confirmed payment")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(os.Getenv("BS_CONFIG"))
	logger := logging.Init(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level, Component: "billing-reconcile"})
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init error")
	}
	defer a.Close()

	report, err := a.Pipeline.Sweep(ctx, pipeline.SweepOptions{
		OnlyDrift: *driftOnly || cfg.Reconcile.SweepOnlyDrift,
		BatchSize: cfg.Reconcile.SweepBatch,
	})
	if err != nil {
		logger.Error().Err(err).Msg("reconciliation aborted")
		a.Close()
		os.Exit(1)
	}
	logger.Info().
		Int("scanned", report.Scanned).
		Int("changed", report.Changed).
		Int("drift_repaired", report.DriftRepaired).
		Int("failed", report.Failed).
		Msg("reconciliation complete")
	if report.Failed > 0 {
		a.Close()
		os.Exit(2)
	}
}
