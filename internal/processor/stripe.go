package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"billingsync/internal/billing"
	"billingsync/internal/observability"
)

const prorationAlwaysInvoice = "always_invoice"

type StripeConfig struct {
	SecretKey    string
	BaseURL      string
	Timeout      time.Duration
	BasePriceID  string
	AddOnPriceID string
	TrialDays    int64
	// MaxNetworkRetries is left to the SDK when nil.
	MaxNetworkRetries *int64
}

// Stripe implements Client with stripe-go. Every call carries its own
// deadline so a hung request surfaces as ErrUnavailable.
type Stripe struct {
	api     *client.API
	cfg     StripeConfig
	timeout time.Duration
}

func NewStripe(cfg StripeConfig, logger zerolog.Logger) (*Stripe, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("stripe secret key not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		LeveledLogger:     leveledLogger{logger: logger.With().Str("component", "stripe").Logger()},
		MaxNetworkRetries: cfg.MaxNetworkRetries,
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	backends := &stripe.Backends{
		API: stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
	}
	return &Stripe{
		api:     client.New(cfg.SecretKey, backends),
		cfg:     cfg,
		timeout: cfg.Timeout,
	}, nil
}

func (s *Stripe) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	observability.ProcessorCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		classified := classify(op, err)
		observability.ProcessorCallsTotal.WithLabelValues(op, outcomeLabel(classified)).Inc()
		return classified
	}
	observability.ProcessorCallsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

func (s *Stripe) RetrieveSubscription(ctx context.Context, subscriptionRef string) (*stripe.Subscription, error) {
	var sub *stripe.Subscription
	err := s.call(ctx, "retrieve_subscription", func(ctx context.Context) error {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		params.AddExpand("customer")
		var err error
		sub, err = s.api.Subscriptions.Get(subscriptionRef, params)
		return err
	})
	return sub, err
}

func (s *Stripe) UpdateSubscriptionItems(ctx context.Context, subscriptionRef string, changes []billing.ItemChange) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		ProrationBehavior: stripe.String(prorationAlwaysInvoice),
	}
	for _, change := range changes {
		item := &stripe.SubscriptionItemsParams{}
		if change.ItemRef != "" {
			item.ID = stripe.String(change.ItemRef)
		}
		if change.Delete {
			item.Deleted = stripe.Bool(true)
		} else {
			if change.PriceRef != "" {
				item.Price = stripe.String(change.PriceRef)
			}
			item.Quantity = stripe.Int64(change.Quantity)
		}
		params.Items = append(params.Items, item)
	}
	return s.update(ctx, "update_subscription_items", subscriptionRef, params)
}

func (s *Stripe) PauseCollection(ctx context.Context, subscriptionRef string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		PauseCollection: &stripe.SubscriptionPauseCollectionParams{
			Behavior: stripe.String(billing.PauseBehaviorVoid),
		},
	}
	return s.update(ctx, "pause_collection", subscriptionRef, params)
}

func (s *Stripe) ResumeCollection(ctx context.Context, subscriptionRef string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	// An empty value unsets pause_collection.
	params.AddExtra("pause_collection", "")
	return s.update(ctx, "resume_collection", subscriptionRef, params)
}

func (s *Stripe) update(ctx context.Context, op, subscriptionRef string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	var sub *stripe.Subscription
	err := s.call(ctx, op, func(ctx context.Context) error {
		params.Context = ctx
		params.AddExpand("customer")
		var err error
		sub, err = s.api.Subscriptions.Update(subscriptionRef, params)
		return err
	})
	return sub, err
}

func (s *Stripe) FindActiveSubscription(ctx context.Context, customerRef string) (*stripe.Subscription, error) {
	var found *stripe.Subscription
	err := s.call(ctx, "find_active_subscription", func(ctx context.Context) error {
		params := &stripe.SubscriptionListParams{Customer: stripe.String(customerRef)}
		params.Context = ctx
		params.Limit = stripe.Int64(10)
		params.AddExpand("data.customer")
		it := s.api.Subscriptions.List(params)
		for it.Next() {
			sub := it.Subscription()
			switch sub.Status {
			case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
				found = sub
				return nil
			}
		}
		return it.Err()
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &Error{Op: "find_active_subscription", Kind: ErrNotFound}
	}
	return found, nil
}

func (s *Stripe) CreateCustomer(ctx context.Context, accountID, email string) (string, error) {
	var id string
	err := s.call(ctx, "create_customer", func(ctx context.Context) error {
		params := &stripe.CustomerParams{}
		if email != "" {
			params.Email = stripe.String(email)
		}
		params.AddMetadata("account_id", accountID)
		params.Context = ctx
		params.SetIdempotencyKey("customer-" + accountID)
		cust, err := s.api.Customers.New(params)
		if err != nil {
			return err
		}
		id = cust.ID
		return nil
	})
	return id, err
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	var out CheckoutSession
	err := s.call(ctx, "create_checkout_session", func(ctx context.Context) error {
		capacity := billing.ResolveCapacity(req.Slots)
		lineItems := []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(s.cfg.BasePriceID),
			Quantity: stripe.Int64(1),
		}}
		if capacity.AddOnUnits > 0 {
			lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
				Price:    stripe.String(s.cfg.AddOnPriceID),
				Quantity: stripe.Int64(capacity.AddOnUnits),
			})
		}
		metadata := map[string]string{
			"account_id":  req.AccountID,
			"total_slots": strconv.FormatInt(capacity.Total, 10),
		}
		subData := &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata}
		if s.cfg.TrialDays > 0 {
			subData.TrialPeriodDays = stripe.Int64(s.cfg.TrialDays)
		}
		params := &stripe.CheckoutSessionParams{
			Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
			Customer:          stripe.String(req.CustomerRef),
			ClientReferenceID: stripe.String(req.AccountID),
			SuccessURL:        stripe.String(req.SuccessURL),
			CancelURL:         stripe.String(req.CancelURL),
			LineItems:         lineItems,
			SubscriptionData:  subData,
		}
		for k, v := range metadata {
			params.AddMetadata(k, v)
		}
		params.Context = ctx
		sess, err := s.api.CheckoutSessions.New(params)
		if err != nil {
			return err
		}
		out = CheckoutSession{ID: sess.ID, URL: sess.URL}
		return nil
	})
	return out, err
}

func (s *Stripe) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (PortalSession, error) {
	var out PortalSession
	err := s.call(ctx, "create_portal_session", func(ctx context.Context) error {
		params := &stripe.BillingPortalSessionParams{
			Customer:  stripe.String(customerRef),
			ReturnURL: stripe.String(returnURL),
		}
		params.Context = ctx
		sess, err := s.api.BillingPortalSessions.New(params)
		if err != nil {
			return err
		}
		out = PortalSession{ID: sess.ID, URL: sess.URL}
		return nil
	})
	return out, err
}

func classify(op string, err error) error {
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		out := &Error{
			Op:         op,
			Code:       string(se.Code),
			StatusCode: se.HTTPStatusCode,
			RequestID:  se.RequestID,
			Err:        err,
		}
		switch {
		case se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound:
			out.Kind = ErrNotFound
		case se.HTTPStatusCode == http.StatusTooManyRequests,
			se.HTTPStatusCode >= http.StatusInternalServerError,
			se.Type == stripe.ErrorTypeAPI:
			out.Kind = ErrUnavailable
		default:
			out.Kind = ErrRejected
		}
		return out
	}
	// Transport failures and deadlines: nothing reached a confirmed result.
	return &Error{Op: op, Kind: ErrUnavailable, Err: err}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}

// Retryable reports whether err is a transient processor failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug().Msg(fmt.Sprintf(format, v...))
}

func (l leveledLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug().Msg(fmt.Sprintf(format, v...))
}

func (l leveledLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn().Msg(fmt.Sprintf(format, v...))
}

func (l leveledLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error().Msg(fmt.Sprintf(format, v...))
}
