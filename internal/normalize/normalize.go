// Package normalize turns every trigger the engine accepts (a verified webhook
// envelope, a processor API response, or a manual sync request) into one
// billing.Snapshot plus the account it belongs to.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"golang.org/x/sync/singleflight"

	"billingsync/internal/billing"
	"billingsync/internal/processor"
	"billingsync/internal/store"
)

type Reason string

const (
	ReasonMalformedPayload     Reason = "malformed_payload"
	ReasonProcessorUnreachable Reason = "processor_unreachable"
	ReasonReferenceNotFound    Reason = "reference_not_found"
)

// ErrIgnored is returned for well-formed events that carry no subscription state.
var ErrIgnored = errors.New("normalize: event type ignored")

// Error is a normalization failure. Only processor_unreachable is retryable.
type Error struct {
	Reason Reason
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := "normalize: " + string(e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool { return e.Reason == ReasonProcessorUnreachable }

// IsRetryable reports whether err is a normalization error the caller should retry.
func IsRetryable(err error) bool {
	var nerr *Error
	return errors.As(err, &nerr) && nerr.Retryable()
}

// ReasonOf returns the reason carried by err, or "" for other errors.
func ReasonOf(err error) Reason {
	var nerr *Error
	if errors.As(err, &nerr) {
		return nerr.Reason
	}
	return ""
}

// Accounts is the read side of the store the normalizer needs to resolve
// processor references back to local accounts.
type Accounts interface {
	GetRecord(ctx context.Context, accountID string) (billing.Record, error)
	FindAccountBySubscriptionRef(ctx context.Context, subscriptionRef string) (string, error)
	FindAccountByCustomerRef(ctx context.Context, customerRef string) (string, error)
}

// Trigger is a normalized unit of work for the reconciler.
type Trigger struct {
	EventID   string
	EventType string
	AccountID string
	Snapshot  billing.Snapshot
}

// DefaultRetrieveTimeout bounds a shared manual-sync retrieval.
const DefaultRetrieveTimeout = 30 * time.Second

type Normalizer struct {
	Processor processor.Client
	Accounts  Accounts
	Logger    zerolog.Logger
	Now       func() time.Time
	// RetrieveTimeout bounds a shared retrieval independently of the callers
	// waiting on it.
	RetrieveTimeout time.Duration

	syncs singleflight.Group
}

func New(client processor.Client, accounts Accounts, logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		Processor: client,
		Accounts:  accounts,
		Logger:    logger,
		Now:       time.Now,

		RetrieveTimeout: DefaultRetrieveTimeout,
	}
}

func (n *Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now().UTC()
	}
	return time.Now().UTC()
}

// FromResponse normalizes a subscription returned by a synchronous processor call.
func (n *Normalizer) FromResponse(sub *stripe.Subscription) (billing.Snapshot, error) {
	if sub == nil || sub.ID == "" {
		return billing.Snapshot{}, &Error{Reason: ReasonMalformedPayload, Detail: "empty subscription response"}
	}
	return FromSubscription(sub, billing.SourceAction, n.now()), nil
}

// ForAccount retrieves the account's subscription from the processor and
// normalizes it. When no subscription is linked yet, the customer's active
// subscription is looked up instead. Concurrent calls for one account share a
// single retrieval.
func (n *Normalizer) ForAccount(ctx context.Context, accountID string) (billing.Snapshot, error) {
	rec, err := n.Accounts.GetRecord(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return billing.Snapshot{}, &Error{Reason: ReasonReferenceNotFound, Detail: "account " + accountID + " has no billing record"}
	}
	if err != nil {
		return billing.Snapshot{}, fmt.Errorf("load billing record: %w", err)
	}

	// The retrieval outlives any one caller: it runs on a detached context so
	// the first caller canceling does not fail everyone sharing it.
	ch := n.syncs.DoChan(accountID, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.retrieveTimeout())
		defer cancel()
		switch {
		case rec.Linked():
			return n.Processor.RetrieveSubscription(rctx, rec.SubscriptionRef)
		case rec.CustomerRef != "":
			return n.Processor.FindActiveSubscription(rctx, rec.CustomerRef)
		default:
			return nil, &Error{Reason: ReasonReferenceNotFound, Detail: "account " + accountID + " is not linked to the processor"}
		}
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return billing.Snapshot{}, processorError(ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return billing.Snapshot{}, processorError(res.Err)
	}
	if res.Shared {
		n.Logger.Debug().Str("account_id", accountID).Msg("manual sync shared an in-flight retrieval")
	}

	snap := FromSubscription(res.Val.(*stripe.Subscription), billing.SourceManual, n.now())
	snap.AccountHint = accountID
	return snap, nil
}

func (n *Normalizer) retrieveTimeout() time.Duration {
	if n.RetrieveTimeout > 0 {
		return n.RetrieveTimeout
	}
	return DefaultRetrieveTimeout
}

func (n *Normalizer) retrieve(ctx context.Context, subscriptionRef string) (*stripe.Subscription, error) {
	sub, err := n.Processor.RetrieveSubscription(ctx, subscriptionRef)
	if err != nil {
		return nil, processorError(err)
	}
	return sub, nil
}

// ResolveAccount finds the local account a snapshot belongs to: the account id
// carried in processor metadata, then the account linked to the subscription,
// then the account linked to the customer.
func (n *Normalizer) ResolveAccount(ctx context.Context, snap billing.Snapshot) (string, error) {
	if snap.AccountHint != "" {
		return snap.AccountHint, nil
	}
	accountID, err := n.Accounts.FindAccountBySubscriptionRef(ctx, snap.SubscriptionRef)
	if err == nil {
		return accountID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("find account by subscription: %w", err)
	}
	accountID, err = n.Accounts.FindAccountByCustomerRef(ctx, snap.CustomerRef)
	if err == nil {
		return accountID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("find account by customer: %w", err)
	}
	return "", &Error{
		Reason: ReasonReferenceNotFound,
		Detail: fmt.Sprintf("no account for subscription %q customer %q", snap.SubscriptionRef, snap.CustomerRef),
	}
}

func processorError(err error) error {
	var nerr *Error
	if errors.As(err, &nerr) {
		return err
	}
	if errors.Is(err, processor.ErrNotFound) {
		return &Error{Reason: ReasonReferenceNotFound, Err: err}
	}
	return &Error{Reason: ReasonProcessorUnreachable, Err: err}
}
