package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"

	"billingsync/internal/billing"
)

// FromSubscription maps a processor subscription object onto a snapshot.
// Period end is the latest item-level current_period_end.
func FromSubscription(sub *stripe.Subscription, source billing.Source, observedAt time.Time) billing.Snapshot {
	snap := billing.Snapshot{
		SubscriptionRef: sub.ID,
		Status:          string(sub.Status),
		CancelAt:        unixTime(sub.CancelAt),
		TrialEnd:        unixTime(sub.TrialEnd),
		ObservedAt:      observedAt.UTC(),
		Source:          source,
	}
	if sub.Customer != nil {
		snap.CustomerRef = sub.Customer.ID
		if email, err := canonicalEmail(sub.Customer.Email); err == nil {
			snap.CustomerEmail = email
		}
	}
	if sub.PauseCollection != nil {
		snap.PauseBehavior = string(sub.PauseCollection.Behavior)
	}
	if sub.Metadata != nil {
		snap.AccountHint = strings.TrimSpace(sub.Metadata["account_id"])
	}
	var periodEnd int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			line := billing.LineItem{ItemRef: item.ID, Quantity: item.Quantity}
			if item.Price != nil {
				line.PriceRef = item.Price.ID
			}
			snap.Items = append(snap.Items, line)
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
	}
	snap.PeriodEnd = unixTime(periodEnd)
	return snap
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

var (
	localPartRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9._+-]*[a-z0-9])?$`)
	hostnameRE  = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}$`)
)

// canonicalEmail lowercases and validates a customer email. Display names and
// quoted local parts are rejected.
func canonicalEmail(address string) (string, error) {
	raw := strings.ToLower(strings.TrimSpace(address))
	if raw == "" {
		return "", fmt.Errorf("address is empty")
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return "", fmt.Errorf("address must not contain spaces")
	}
	local, domain, ok := strings.Cut(raw, "@")
	if !ok || strings.Contains(domain, "@") {
		return "", fmt.Errorf("invalid address: %q", address)
	}
	domain = strings.TrimSuffix(domain, ".")
	if !localPartRE.MatchString(local) {
		return "", fmt.Errorf("invalid local part: %q", local)
	}
	if !hostnameRE.MatchString(domain) {
		return "", fmt.Errorf("invalid domain: %q", domain)
	}
	return local + "@" + domain, nil
}
