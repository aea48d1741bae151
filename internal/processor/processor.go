// Package processor is the boundary to the external payment processor.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"

	"billingsync/internal/billing"
)

var (
	ErrNotFound    = errors.New("processor: resource not found")
	ErrUnavailable = errors.New("processor: unavailable")
	ErrRejected    = errors.New("processor: request rejected")
)

// Error is a classified processor failure. errors.Is matches both Kind and
// the underlying error.
type Error struct {
	Op         string
	Kind       error
	Code       string
	StatusCode int
	RequestID  string
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// CheckoutRequest describes a hosted subscription checkout.
type CheckoutRequest struct {
	AccountID   string
	CustomerRef string
	Slots       int64
	SuccessURL  string
	CancelURL   string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// PortalSession is a hosted page where a customer manages payment methods
// and invoices.
type PortalSession struct {
	ID  string
	URL string
}

// Client is the subset of processor operations the billing engine uses.
// Subscription-returning calls hand back the processor's own object so it can
// be normalized like any other trigger.
type Client interface {
	RetrieveSubscription(ctx context.Context, subscriptionRef string) (*stripe.Subscription, error)
	UpdateSubscriptionItems(ctx context.Context, subscriptionRef string, changes []billing.ItemChange) (*stripe.Subscription, error)
	PauseCollection(ctx context.Context, subscriptionRef string) (*stripe.Subscription, error)
	ResumeCollection(ctx context.Context, subscriptionRef string) (*stripe.Subscription, error)
	// FindActiveSubscription returns the customer's live subscription or ErrNotFound.
	FindActiveSubscription(ctx context.Context, customerRef string) (*stripe.Subscription, error)
	CreateCustomer(ctx context.Context, accountID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerRef, returnURL string) (PortalSession, error)
}
