// Package billing holds the account billing record, the processor-agnostic
// subscription snapshot, and the pure rules that map one onto the other.
package billing

import (
	"strings"
	"time"
)

// AccessStatus is the only field access-control decisions read.
type AccessStatus string

const (
	StatusActive         AccessStatus = "active"
	StatusCanceled       AccessStatus = "canceled"
	StatusPendingPayment AccessStatus = "pending_payment"
	StatusPaused         AccessStatus = "paused"
)

func (s AccessStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCanceled, StatusPendingPayment, StatusPaused:
		return true
	default:
		return false
	}
}

// PauseBehaviorVoid is the processor pause mode that stops both billing and access.
const PauseBehaviorVoid = "void"

// Record is the locally stored billing state of one account.
type Record struct {
	AccountID          string
	CustomerRef        string
	SubscriptionRef    string
	CustomerEmail      string
	AccessStatus       AccessStatus
	BillableQuantity   int64
	PaymentConfirmed   bool
	PeriodEnd          time.Time
	LastReconciledAt   time.Time
	LastSourceEventID  string
	// LastEventCreatedAt is the newest processor event timestamp applied. It
	// is on the processor's clock and only advanced by event payloads.
	LastEventCreatedAt time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewRecord returns the state of an account that has not completed checkout yet.
func NewRecord(accountID string, now time.Time) Record {
	return Record{
		AccountID:        accountID,
		AccessStatus:     StatusPendingPayment,
		BillableQuantity: 1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Linked reports whether the record points at a processor subscription.
func (r Record) Linked() bool {
	return strings.TrimSpace(r.SubscriptionRef) != ""
}

// HasDrift reports the active-but-unconfirmed state the reconciler repairs.
func (r Record) HasDrift() bool {
	return r.AccessStatus == StatusActive && !r.PaymentConfirmed
}

// LineItem is one priced line of a subscription.
type LineItem struct {
	ItemRef  string
	PriceRef string
	Quantity int64
}

// Source identifies which entry path produced a snapshot.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceAction  Source = "action"
	SourceManual  Source = "manual"
)

// Snapshot is the normalized view of a processor subscription. It is the only
// shape the reconciler consumes.
type Snapshot struct {
	SubscriptionRef string
	CustomerRef     string
	CustomerEmail   string
	// Status is the processor's own status string, not an AccessStatus.
	Status        string
	Items         []LineItem
	PauseBehavior string
	PeriodEnd     time.Time
	CancelAt      time.Time
	TrialEnd      time.Time

	// AccountHint is the account id carried in processor metadata, if any.
	AccountHint string
	// ObservedAt is when the processor state was captured.
	ObservedAt time.Time
	// EventCreated is the processor's creation time of the event whose payload
	// embedded this object. Zero when the object came from a fresh retrieval.
	EventCreated time.Time
	// PaymentConfirmed is set when the trigger itself confirms payment
	// (completed checkout, paid invoice).
	PaymentConfirmed bool
	Source           Source
}

// ItemFor returns the first line item billed at priceRef.
func (s Snapshot) ItemFor(priceRef string) (LineItem, bool) {
	for _, item := range s.Items {
		if item.PriceRef == priceRef {
			return item, true
		}
	}
	return LineItem{}, false
}
