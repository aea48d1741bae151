// Package actions executes user-initiated subscription changes against the
// processor and feeds each confirmed result through the reconciler.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"

	"billingsync/internal/billing"
	"billingsync/internal/normalize"
	"billingsync/internal/observability"
	"billingsync/internal/processor"
	"billingsync/internal/reconcile"
	"billingsync/internal/store"
)

type Kind string

const (
	KindSetQuantity Kind = "set_quantity"
	KindPause       Kind = "pause"
	KindResume      Kind = "resume"
)

type Action struct {
	Kind     Kind
	Quantity int64
}

func SetQuantity(n int64) Action { return Action{Kind: KindSetQuantity, Quantity: n} }

func Pause() Action { return Action{Kind: KindPause} }

func Resume() Action { return Action{Kind: KindResume} }

type ErrorKind string

const (
	ErrSubscriptionNotFound ErrorKind = "subscription_not_found"
	ErrProcessorRejected    ErrorKind = "processor_rejected"
	ErrNoLinkedSubscription ErrorKind = "no_linked_subscription"
	ErrProcessorUnreachable ErrorKind = "processor_unreachable"
	ErrInvalidAction        ErrorKind = "invalid_action"
	ErrSubscriptionExists   ErrorKind = "subscription_exists"
)

// Error is an action failure safe to show to the caller. Err keeps the
// underlying cause for logs.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("action %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("action %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool { return e.Kind == ErrProcessorUnreachable }

// KindOf returns the action error kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Kind
	}
	return ""
}

// Accounts is the read access the orchestrator needs.
type Accounts interface {
	GetRecord(ctx context.Context, accountID string) (billing.Record, error)
}

type Orchestrator struct {
	Processor    processor.Client
	Normalizer   *normalize.Normalizer
	Reconciler   *reconcile.Service
	Accounts     Accounts
	AddOnPriceID string
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Outcome is what the caller sees after a successful action.
type Outcome struct {
	AccessStatus     billing.AccessStatus
	BillableQuantity int64
	Capacity         billing.Capacity
	EffectiveEnd     time.Time
	Changed          bool
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// Apply runs one action. The local record changes only after the processor
// has confirmed the mutation, and only through the reconciler.
func (o *Orchestrator) Apply(ctx context.Context, accountID string, action Action) (out Outcome, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(KindOf(err))
			if outcome == "" {
				outcome = "error"
			}
		}
		observability.ActionsTotal.WithLabelValues(string(action.Kind), outcome).Inc()
	}()

	switch action.Kind {
	case KindSetQuantity:
		if action.Quantity < 1 {
			return Outcome{}, &Error{Kind: ErrInvalidAction, Msg: "quantity must be at least 1"}
		}
	case KindPause, KindResume:
	default:
		return Outcome{}, &Error{Kind: ErrInvalidAction, Msg: fmt.Sprintf("unknown action %q", action.Kind)}
	}

	rec, err := o.Accounts.GetRecord(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !rec.Linked()) {
		return Outcome{}, &Error{Kind: ErrNoLinkedSubscription, Msg: "account has no linked subscription"}
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load billing record: %w", err)
	}

	sub, err := o.mutate(ctx, rec.SubscriptionRef, action)
	if err != nil {
		return Outcome{}, err
	}

	snap, err := o.Normalizer.FromResponse(sub)
	if err != nil {
		return Outcome{}, err
	}
	snap.AccountHint = accountID
	res, err := o.Reconciler.Reconcile(ctx, accountID, snap, "action:"+uuid.NewString())
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile after %s: %w", action.Kind, err)
	}

	out = Outcome{
		AccessStatus:     res.Record.AccessStatus,
		BillableQuantity: res.Record.BillableQuantity,
		Capacity:         billing.ResolveCapacity(res.Record.BillableQuantity),
		Changed:          res.Changed,
	}
	if action.Kind == KindPause {
		out.EffectiveEnd, _ = billing.ResolvePeriodEnd(snap, o.now())
	}
	o.Logger.Info().
		Str("account_id", accountID).
		Str("action", string(action.Kind)).
		Int64("quantity", out.BillableQuantity).
		Str("access_status", string(out.AccessStatus)).
		Bool("changed", out.Changed).
		Msg("subscription action applied")
	return out, nil
}

func (o *Orchestrator) mutate(ctx context.Context, subscriptionRef string, action Action) (*stripe.Subscription, error) {
	var (
		sub *stripe.Subscription
		err error
	)
	switch action.Kind {
	case KindSetQuantity:
		sub, err = o.Processor.RetrieveSubscription(ctx, subscriptionRef)
		if err != nil {
			return nil, processorError(err)
		}
		current := normalize.FromSubscription(sub, billing.SourceAction, o.now())
		changes := billing.PlanQuantityChange(current, o.AddOnPriceID, action.Quantity)
		if len(changes) == 0 {
			return sub, nil
		}
		sub, err = o.Processor.UpdateSubscriptionItems(ctx, subscriptionRef, changes)
	case KindPause:
		sub, err = o.Processor.PauseCollection(ctx, subscriptionRef)
	case KindResume:
		sub, err = o.Processor.ResumeCollection(ctx, subscriptionRef)
	}
	if err != nil {
		return nil, processorError(err)
	}
	return sub, nil
}

func processorError(err error) error {
	switch {
	case errors.Is(err, processor.ErrNotFound):
		return &Error{Kind: ErrSubscriptionNotFound, Msg: "subscription not found at the payment processor", Err: err}
	case errors.Is(err, processor.ErrRejected):
		return &Error{Kind: ErrProcessorRejected, Msg: "the payment processor rejected the change", Err: err}
	default:
		return &Error{Kind: ErrProcessorUnreachable, Msg: "the payment processor is unavailable, try again", Err: err}
	}
}

// CheckoutRequest opens a hosted checkout for a new subscription.
type CheckoutRequest struct {
	AccountID  string
	Email      string
	Slots      int64
	SuccessURL string
	CancelURL  string
}

// StartCheckout creates the billing record and processor customer on first use
// and opens a checkout session. It never touches access fields.
func (o *Orchestrator) StartCheckout(ctx context.Context, req CheckoutRequest) (sess processor.CheckoutSession, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(KindOf(err))
			if outcome == "" {
				outcome = "error"
			}
		}
		observability.ActionsTotal.WithLabelValues("checkout", outcome).Inc()
	}()

	if req.Slots < 1 {
		return processor.CheckoutSession{}, &Error{Kind: ErrInvalidAction, Msg: "slots must be at least 1"}
	}
	rec, err := o.Reconciler.EnsureRecord(ctx, req.AccountID)
	if err != nil {
		return processor.CheckoutSession{}, fmt.Errorf("ensure billing record: %w", err)
	}
	if rec.Linked() && (rec.AccessStatus == billing.StatusActive || rec.AccessStatus == billing.StatusPaused) {
		return processor.CheckoutSession{}, &Error{Kind: ErrSubscriptionExists, Msg: "account already has a subscription"}
	}

	customerRef := rec.CustomerRef
	if customerRef == "" {
		created, err := o.Processor.CreateCustomer(ctx, req.AccountID, strings.TrimSpace(req.Email))
		if err != nil {
			return processor.CheckoutSession{}, processorError(err)
		}
		linked, err := o.Reconciler.LinkCustomer(ctx, req.AccountID, created, strings.TrimSpace(req.Email))
		switch {
		case errors.Is(err, reconcile.ErrReferenceConflict):
			// Another request linked a customer first; use that one.
			current, gerr := o.Accounts.GetRecord(ctx, req.AccountID)
			if gerr != nil {
				return processor.CheckoutSession{}, fmt.Errorf("reload billing record: %w", gerr)
			}
			customerRef = current.CustomerRef
		case err != nil:
			return processor.CheckoutSession{}, fmt.Errorf("link customer: %w", err)
		default:
			customerRef = linked.CustomerRef
		}
	}

	sess, err = o.Processor.CreateCheckoutSession(ctx, processor.CheckoutRequest{
		AccountID:   req.AccountID,
		CustomerRef: customerRef,
		Slots:       req.Slots,
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		return processor.CheckoutSession{}, processorError(err)
	}
	o.Logger.Info().
		Str("account_id", req.AccountID).
		Str("customer_ref", customerRef).
		Int64("slots", req.Slots).
		Msg("checkout session created")
	return sess, nil
}

// OpenPortal opens a customer billing portal session for the account's
// processor customer. Accounts with no customer yet get ErrNoLinkedSubscription.
func (o *Orchestrator) OpenPortal(ctx context.Context, accountID, returnURL string) (sess processor.PortalSession, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(KindOf(err))
			if outcome == "" {
				outcome = "error"
			}
		}
		observability.ActionsTotal.WithLabelValues("portal", outcome).Inc()
	}()

	rec, err := o.Accounts.GetRecord(ctx, accountID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return processor.PortalSession{}, fmt.Errorf("load billing record: %w", err)
	}
	if rec.CustomerRef == "" {
		return processor.PortalSession{}, &Error{Kind: ErrNoLinkedSubscription, Msg: "account has no billing customer"}
	}
	sess, err = o.Processor.CreatePortalSession(ctx, rec.CustomerRef, returnURL)
	if err != nil {
		return processor.PortalSession{}, processorError(err)
	}
	o.Logger.Info().Str("account_id", accountID).Str("customer_ref", rec.CustomerRef).Msg("billing portal session created")
	return sess, nil
}
