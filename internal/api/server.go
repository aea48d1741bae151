// Package api serves the billing HTTP surface: the processor webhook, account
// billing reads and actions, and operator routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"billingsync/internal/actions"
	"billingsync/internal/auth"
	"billingsync/internal/billing"
	"billingsync/internal/logging"
	"billingsync/internal/pipeline"
	"billingsync/internal/processor"
	"billingsync/internal/reconcile"
	"billingsync/internal/store"
)

const maxWebhookBytes = 1 << 20

type WebhookAcceptor interface {
	Accept(ctx context.Context, payload []byte) (pipeline.Receipt, error)
}

type ActionRunner interface {
	Apply(ctx context.Context, accountID string, action actions.Action) (actions.Outcome, error)
	StartCheckout(ctx context.Context, req actions.CheckoutRequest) (processor.CheckoutSession, error)
	OpenPortal(ctx context.Context, accountID, returnURL string) (processor.PortalSession, error)
}

type AccountSyncer interface {
	SyncAccount(ctx context.Context, accountID string) (reconcile.Result, error)
}

type AccountLinker interface {
	Relink(ctx context.Context, accountID, customerRef, subscriptionRef, actor string) (billing.Record, error)
}

type Records interface {
	GetRecord(ctx context.Context, accountID string) (billing.Record, error)
	ListTransitions(ctx context.Context, accountID string, limit int) ([]store.Transition, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	WebhookSecret     string
	WebhookTolerance  time.Duration
	ActionsRatePerMin int
	MetricsEnabled    bool
	ReadinessTimeout  time.Duration
	ReadinessChecks   map[string]Pinger
	Limiter           *RateLimiter
}

type Server struct {
	auth     *auth.Service
	webhooks WebhookAcceptor
	actions  ActionRunner
	syncer   AccountSyncer
	linker   AccountLinker
	records  Records
	opts     Options
	limiter  *RateLimiter
	validate *validator.Validate
	logger   zerolog.Logger
}

type Deps struct {
	Auth     *auth.Service
	Webhooks WebhookAcceptor
	Actions  ActionRunner
	Syncer   AccountSyncer
	Linker   AccountLinker
	Records  Records
	Logger   zerolog.Logger
}

func NewServer(deps Deps, opts Options) *Server {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(opts.ActionsRatePerMin)
	}
	if opts.WebhookTolerance <= 0 {
		opts.WebhookTolerance = 5 * time.Minute
	}
	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = 2 * time.Second
	}
	return &Server{
		auth:     deps.Auth,
		webhooks: deps.Webhooks,
		actions:  deps.Actions,
		syncer:   deps.Syncer,
		linker:   deps.Linker,
		records:  deps.Records,
		opts:     opts,
		limiter:  limiter,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   deps.Logger.With().Str("component", "api").Logger(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(chimw.RequestID)
	mux.Use(s.requestLog)

	mux.Get("/healthz", s.handleHealthz)
	mux.Get("/readyz", s.handleReadyz)
	if s.opts.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	mux.Post("/v1/billing/webhook/stripe", s.handleStripeWebhook)

	mux.Route("/v1/accounts/{accountID}", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.accountAccess)
		r.Get("/billing", s.handleGetBilling)
		r.Get("/billing/history", s.handleBillingHistory)
		r.Post("/checkout", s.handleCheckout)
		r.Post("/portal", s.handlePortal)
		r.With(s.actionRateLimit).Post("/subscription/actions", s.handleSubscriptionAction)
	})

	mux.Route("/v1/admin/accounts/{accountID}", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.requireScope(auth.ScopeAdmin))
		r.Post("/sync", s.handleAdminSync)
		r.Post("/link", s.handleAdminLink)
	})
	return mux
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, requestID := logging.WithRequestID(r.Context(), chimw.GetReqID(r.Context()))
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		s.logger.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ReadinessTimeout)
	defer cancel()
	checks := make(map[string]string, len(s.opts.ReadinessChecks))
	ready := true
	for name, dep := range s.opts.ReadinessChecks {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = "unavailable"
			ready = false
			s.logger.Warn().Err(err).Str("dependency", name).Msg("readiness check failed")
			continue
		}
		checks[name] = "ok"
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			writeError(w, http.StatusInternalServerError, "auth not configured")
			return
		}
		principal, err := s.auth.AuthenticateRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) accountAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ := auth.PrincipalFrom(r.Context())
		if err := s.auth.AuthorizeAccount(principal, chi.URLParam(r, "accountID")); err != nil {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFrom(r.Context())
			if err := s.auth.ValidateScopes(principal, scope); err != nil {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) actionRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "accountID")
		if ok, wait := s.limiter.Allow(accountID); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			writeError(w, http.StatusTooManyRequests, "too many subscription changes, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decodeBody decodes and validates a JSON request body into dst.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid json")
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return errors.New("invalid field " + verrs[0].Field() + ": " + verrs[0].Tag())
		}
		return errors.New("invalid request")
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
