// Package notify decides which customer notification, if any, a billing
// transition owes and delivers it outside the reconciliation path.
package notify

import (
	"time"

	"billingsync/internal/billing"
)

type Kind string

const (
	KindPaused               Kind = "paused"
	KindResumed              Kind = "resumed"
	KindLatePaymentConfirmed Kind = "late_payment_confirmed"
	KindPaymentConfirmed     Kind = "payment_confirmed"
	KindPlanChanged          Kind = "plan_changed"
)

// Change is the before/after view of one reconciliation pass.
type Change struct {
	Before        billing.Record
	After         billing.Record
	DriftRepaired bool
}

// Intent is a notification owed to the account's billing contact.
type Intent struct {
	Kind             Kind
	AccountID        string
	Email            string
	AccessStatus     billing.AccessStatus
	PreviousQuantity int64
	Quantity         int64
	PeriodEnd        time.Time
}

// Decide returns at most one intent for a change. Status transitions outrank
// payment confirmation, which outranks a plan change.
func Decide(c Change) *Intent {
	kind, ok := decideKind(c)
	if !ok {
		return nil
	}
	return &Intent{
		Kind:             kind,
		AccountID:        c.After.AccountID,
		Email:            c.After.CustomerEmail,
		AccessStatus:     c.After.AccessStatus,
		PreviousQuantity: c.Before.BillableQuantity,
		Quantity:         c.After.BillableQuantity,
		PeriodEnd:        c.After.PeriodEnd,
	}
}

func decideKind(c Change) (Kind, bool) {
	before, after := c.Before, c.After
	switch {
	case before.AccessStatus != billing.StatusPaused && after.AccessStatus == billing.StatusPaused:
		return KindPaused, true
	case before.AccessStatus == billing.StatusPaused && after.AccessStatus == billing.StatusActive:
		return KindResumed, true
	case c.DriftRepaired:
		return KindLatePaymentConfirmed, true
	case !before.PaymentConfirmed && after.PaymentConfirmed:
		return KindPaymentConfirmed, true
	case before.BillableQuantity != after.BillableQuantity:
		return KindPlanChanged, true
	}
	return "", false
}
