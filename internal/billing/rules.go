package billing

import (
	"strings"
	"time"
)

// MapStatus converts a processor status into an AccessStatus. Rules are
// evaluated in order and the first match wins.
func MapStatus(processorStatus, pauseBehavior string) AccessStatus {
	status := strings.ToLower(strings.TrimSpace(processorStatus))
	switch status {
	case "canceled", "unpaid", "past_due", "incomplete_expired":
		return StatusCanceled
	case "trialing":
		return StatusActive
	case "active":
		if strings.EqualFold(strings.TrimSpace(pauseBehavior), PauseBehaviorVoid) {
			return StatusPaused
		}
		return StatusActive
	default:
		return StatusPendingPayment
	}
}

// BillableQuantity sums every line item. Negative quantities count as zero.
func BillableQuantity(items []LineItem) int64 {
	var total int64
	for _, item := range items {
		if item.Quantity > 0 {
			total += item.Quantity
		}
	}
	return total
}

// PeriodEndSource names the snapshot field a period end was taken from.
type PeriodEndSource string

const (
	PeriodEndFromPeriod   PeriodEndSource = "period_end"
	PeriodEndFromTrial    PeriodEndSource = "trial_end"
	PeriodEndFromCancelAt PeriodEndSource = "cancel_at"
	PeriodEndFromNow      PeriodEndSource = "now"
)

// ResolvePeriodEnd applies the fallback chain period end, trial end, cancel at, now.
func ResolvePeriodEnd(s Snapshot, now time.Time) (time.Time, PeriodEndSource) {
	switch {
	case !s.PeriodEnd.IsZero():
		return s.PeriodEnd.UTC(), PeriodEndFromPeriod
	case !s.TrialEnd.IsZero():
		return s.TrialEnd.UTC(), PeriodEndFromTrial
	case !s.CancelAt.IsZero():
		return s.CancelAt.UTC(), PeriodEndFromCancelAt
	default:
		return now.UTC(), PeriodEndFromNow
	}
}

// Capacity is the usable unit split of a billable quantity.
type Capacity struct {
	BaseUnits  int64 `json:"base_units"`
	AddOnUnits int64 `json:"add_on_units"`
	Total      int64 `json:"total"`
}

// ResolveCapacity never resolves below one base unit.
func ResolveCapacity(billableQuantity int64) Capacity {
	addOn := billableQuantity - 1
	if addOn < 0 {
		addOn = 0
	}
	return Capacity{BaseUnits: 1, AddOnUnits: addOn, Total: 1 + addOn}
}

// ItemChange is one mutation of a subscription's add-on line.
type ItemChange struct {
	ItemRef  string
	PriceRef string
	Quantity int64
	Delete   bool
}

// PlanQuantityChange computes the add-on mutation needed to move a subscription
// to quantity n. A zero add-on is expressed as a deletion, never a zero quantity.
// The returned slice is empty when nothing needs to change.
func PlanQuantityChange(s Snapshot, addOnPriceRef string, n int64) []ItemChange {
	capacity := ResolveCapacity(n)
	existing, ok := s.ItemFor(addOnPriceRef)
	switch {
	case ok && capacity.AddOnUnits == 0:
		return []ItemChange{{ItemRef: existing.ItemRef, Delete: true}}
	case ok && existing.Quantity == capacity.AddOnUnits:
		return nil
	case ok:
		return []ItemChange{{ItemRef: existing.ItemRef, Quantity: capacity.AddOnUnits}}
	case capacity.AddOnUnits > 0:
		return []ItemChange{{PriceRef: addOnPriceRef, Quantity: capacity.AddOnUnits}}
	default:
		return nil
	}
}
