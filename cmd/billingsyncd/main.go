package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"billingsync/internal/app"
	"billingsync/internal/config"
	"billingsync/internal/logging"
	"billingsync/internal/pipeline"
	"billingsync/internal/store"
)

var version = "dev"

type cliEnv struct {
	cfgPath string
	cfg     config.Config
	logger  zerolog.Logger
}

func main() {
	rt := &cliEnv{}
	root := &cobra.Command{
		Use:           "billingsyncd",
		Short:         "Subscription state reconciliation service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return rt.load()
		},
	}
	root.PersistentFlags().StringVar(&rt.cfgPath, "config", os.Getenv("BS_CONFIG"), "path to YAML config (env BS_CONFIG)")

	root.AddCommand(serveCmd(rt), workerCmd(rt), syncCmd(rt), sweepCmd(rt), migrateCmd(rt))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "billingsyncd:", err)
		os.Exit(1)
	}
}

func (rt *cliEnv) load() error {
	_ = godotenv.Load()
	cfg, err := config.Load(rt.cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	rt.cfg = cfg
	rt.logger = logging.Init(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level, Component: "billingsyncd"})
	return nil
}

func serveCmd(rt *cliEnv) *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, with in-process workers when Redis is configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.Serve(ctx) })
			if pool := a.Workers(); pool != nil && !noWorkers {
				g.Go(func() error { return pool.Run(ctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not start in-process queue workers")
	return cmd
}

func workerCmd(rt *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run queue workers only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			pool := a.Workers()
			if pool == nil {
				return errors.New("worker requires redis.url")
			}
			return pool.Run(cmd.Context())
		},
	}
}

func syncCmd(rt *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <account-id>",
		Short: "Reconcile one account against the processor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Pipeline.SyncAccount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"account_id":      res.AccountID,
				"previous_status": res.PreviousStatus,
				"access_status":   res.NewStatus,
				"changed":         res.Changed,
				"drift_repaired":  res.DriftRepaired,
				"stale":           res.Stale,
			})
		},
	}
}

func sweepCmd(rt *cliEnv) *cobra.Command {
	var driftOnly bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile every linked account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			opts := pipeline.SweepOptions{OnlyDrift: rt.cfg.Reconcile.SweepOnlyDrift, BatchSize: rt.cfg.Reconcile.SweepBatch}
			if cmd.Flags().Changed("drift-only") {
				opts.OnlyDrift = driftOnly
			}
			report, err := a.Pipeline.Sweep(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().BoolVar(&driftOnly, "drift-only", false, "only accounts that are active without a confirmed payment")
	return cmd
}

func migrateCmd(rt *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(cmd.Context(), rt.cfg.Database.Driver, rt.cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			rt.logger.Info().Str("driver", rt.cfg.Database.Driver).Msg("migrations applied")
			return st.Close()
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
