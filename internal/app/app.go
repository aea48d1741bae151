package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"billingsync/internal/actions"
	"billingsync/internal/api"
	"billingsync/internal/auth"
	"billingsync/internal/config"
	"billingsync/internal/lock"
	"billingsync/internal/normalize"
	"billingsync/internal/notify"
	"billingsync/internal/observability"
	"billingsync/internal/pipeline"
	"billingsync/internal/processor"
	"billingsync/internal/queue"
	"billingsync/internal/reconcile"
	"billingsync/internal/store"
	"billingsync/internal/worker"
)

type App struct {
	Config     config.Config
	Logger     zerolog.Logger
	Store      *store.SQLStore
	Queue      *queue.Queue
	Processor  processor.Client
	Normalizer *normalize.Normalizer
	Reconciler *reconcile.Service
	Dispatcher *notify.Dispatcher
	Actions    *actions.Orchestrator
	Pipeline   *pipeline.Pipeline
	Auth       *auth.Service
}

func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, Store: st}
	if strings.TrimSpace(cfg.Redis.URL) != "" {
		q, err := queue.New(cfg.Redis.URL, cfg.Redis.KeyPrefix)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open queue: %w", err)
		}
		q.Visibility = cfg.Worker.Lease
		a.Queue = q
	}

	client, err := processor.NewStripe(processor.StripeConfig{
		SecretKey:    cfg.Stripe.SecretKey,
		BaseURL:      cfg.Stripe.APIBaseURL,
		Timeout:      cfg.Stripe.APITimeout,
		BasePriceID:  cfg.Stripe.BasePriceID,
		AddOnPriceID: cfg.Stripe.AddOnPriceID,
		TrialDays:    cfg.Stripe.TrialDays,
	}, logger.With().Str("component", "processor").Logger())
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Processor = client

	a.Normalizer = normalize.New(client, st, logger.With().Str("component", "normalize").Logger())
	a.Dispatcher = notify.NewDispatcher(selectSender(cfg, logger), cfg.Notify.From, logger.With().Str("component", "notify").Logger())

	rec := reconcile.NewService(st, logger.With().Str("component", "reconcile").Logger())
	rec.RejectStale = cfg.Reconcile.RejectStale
	rec.Notifier = a.Dispatcher
	rec.Observer = observability.NewReconcileObserver(logger)
	if a.Queue != nil {
		// Workers and API replicas share Redis, so the per-account lock must too.
		rec.Locker = lock.NewRedisLocker(a.Queue.Client(), cfg.Redis.KeyPrefix)
	} else {
		rec.Locker = lock.NewKeyedMutex()
	}
	a.Reconciler = rec

	a.Actions = &actions.Orchestrator{
		Processor:    client,
		Normalizer:   a.Normalizer,
		Reconciler:   rec,
		Accounts:     st,
		AddOnPriceID: cfg.Stripe.AddOnPriceID,
		Logger:       logger.With().Str("component", "actions").Logger(),
	}
	a.Pipeline = &pipeline.Pipeline{
		Store:      st,
		Normalizer: a.Normalizer,
		Reconciler: rec,
		Logger:     logger.With().Str("component", "pipeline").Logger(),
	}
	if a.Queue != nil {
		a.Pipeline.Queue = a.Queue
		a.Pipeline.QueuedLease = cfg.Worker.Lease
	}
	a.Auth = auth.NewService(cfg)
	return a, nil
}

func selectSender(cfg config.Config, logger zerolog.Logger) notify.Sender {
	switch cfg.Notify.Provider {
	case "postmark":
		if cfg.Notify.PostmarkToken != "" {
			return notify.NewPostmarkSender(cfg.Notify.PostmarkToken)
		}
		logger.Warn().Msg("postmark selected without a token; notifications are logged only")
	}
	return notify.LogSender{Logger: logger.With().Str("component", "notify").Logger()}
}

func (a *App) Close() error {
	if a.Dispatcher != nil {
		a.Dispatcher.Wait()
	}
	var err error
	if a.Store != nil {
		err = a.Store.Close()
	}
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	return err
}

// Handler returns the HTTP API for this process.
func (a *App) Handler() http.Handler {
	checks := map[string]api.Pinger{"database": a.Store}
	if a.Queue != nil {
		checks["redis"] = a.Queue
	}
	srv := api.NewServer(api.Deps{
		Auth:     a.Auth,
		Webhooks: a.Pipeline,
		Actions:  a.Actions,
		Syncer:   a.Pipeline,
		Linker:   a.Reconciler,
		Records:  a.Store,
		Logger:   a.Logger,
	}, api.Options{
		WebhookSecret:     a.Config.Stripe.WebhookSecret,
		WebhookTolerance:  a.Config.Stripe.WebhookTolerance,
		ActionsRatePerMin: a.Config.Actions.RateLimitPerMinute,
		MetricsEnabled:    a.Config.Metrics.Enabled,
		ReadinessChecks:   checks,
	})
	return srv.Handler()
}

// Serve runs the HTTP server until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.Config.HTTP.ReadHeaderTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.HTTP.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.Logger.Info().Str("addr", a.Config.HTTP.Addr).Bool("queue", a.Queue != nil).Msg("billingsync serving")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Workers returns the task worker pool, or nil when no queue is configured.
func (a *App) Workers() *worker.Pool {
	if a.Queue == nil {
		return nil
	}
	return &worker.Pool{
		Queue:        a.Queue,
		Handler:      a.Pipeline,
		Count:        a.Config.Worker.Count,
		MaxAttempts:  a.Config.Worker.MaxAttempts,
		BaseBackoff:  a.Config.Worker.RetryBackoff,
		MaxBackoff:   a.Config.Worker.MaxBackoff,
		PollTimeout:  a.Config.Worker.PollTimeout,
		PromoteEvery: time.Second,
		Retryable:    pipeline.Retryable,
		Logger:       a.Logger.With().Str("component", "worker").Logger(),
	}
}
