package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"billingsync/internal/billing"
	"billingsync/internal/store"
)

// EnsureRecord creates the account's billing record in pending_payment if it
// does not exist yet. Existing records are returned untouched.
func (s *Service) EnsureRecord(ctx context.Context, accountID string) (billing.Record, error) {
	var out billing.Record
	err := s.withLock(ctx, accountID, func(tx store.RecordTx) error {
		rec, found, err := tx.Load(ctx)
		if err != nil {
			return err
		}
		if found {
			out = rec
			return nil
		}
		out = billing.NewRecord(accountID, s.now())
		return tx.Save(ctx, out)
	})
	return out, err
}

// LinkCustomer records the processor customer of an account the first time it
// is discovered. A record already linked to another customer is left alone and
// ErrReferenceConflict is returned.
func (s *Service) LinkCustomer(ctx context.Context, accountID, customerRef, email string) (billing.Record, error) {
	customerRef = strings.TrimSpace(customerRef)
	if customerRef == "" {
		return billing.Record{}, fmt.Errorf("reconcile: empty customer ref for account %s", accountID)
	}
	var out billing.Record
	err := s.withLock(ctx, accountID, func(tx store.RecordTx) error {
		rec, found, err := tx.Load(ctx)
		if err != nil {
			return err
		}
		if !found {
			rec = billing.NewRecord(accountID, s.now())
		}
		if rec.CustomerRef == customerRef {
			out = rec
			return nil
		}
		if rec.CustomerRef != "" {
			return fmt.Errorf("%w: account %s is linked to customer %s", ErrReferenceConflict, accountID, rec.CustomerRef)
		}
		rec.CustomerRef = customerRef
		if rec.CustomerEmail == "" {
			rec.CustomerEmail = email
		}
		out = rec
		return tx.Save(ctx, rec)
	})
	return out, err
}

// Relink replaces the processor references of an account. This is the only
// path that may change a reference once set. The idempotency marker is
// cleared so the next snapshot for the new subscription always applies.
// A subscription already owned by another account yields ErrReferenceConflict.
func (s *Service) Relink(ctx context.Context, accountID, customerRef, subscriptionRef, actor string) (billing.Record, error) {
	if ref := strings.TrimSpace(subscriptionRef); ref != "" {
		owner, err := s.Store.FindAccountBySubscriptionRef(ctx, ref)
		switch {
		case err == nil && owner != accountID:
			return billing.Record{}, fmt.Errorf("%w: subscription %s belongs to account %s", ErrReferenceConflict, ref, owner)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return billing.Record{}, fmt.Errorf("find subscription owner: %w", err)
		}
	}
	var out billing.Record
	err := s.withLock(ctx, accountID, func(tx store.RecordTx) error {
		rec, found, err := tx.Load(ctx)
		if err != nil {
			return err
		}
		if !found {
			rec = billing.NewRecord(accountID, s.now())
		}
		prevSub := rec.SubscriptionRef
		rec.CustomerRef = strings.TrimSpace(customerRef)
		rec.SubscriptionRef = strings.TrimSpace(subscriptionRef)
		rec.LastSourceEventID = ""
		if prevSub != rec.SubscriptionRef {
			// Observation times of the old subscription say nothing about the new one.
			rec.LastEventCreatedAt = time.Time{}
		}
		if err := tx.Save(ctx, rec); err != nil {
			// Another account took the subscription after the ownership check.
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: %v", ErrReferenceConflict, err)
			}
			return err
		}
		out = rec
		return tx.AppendTransition(ctx, store.Transition{
			ID:               uuid.NewString(),
			AccountID:        accountID,
			SourceEventID:    "relink:" + actor,
			Source:           "relink",
			PreviousStatus:   string(rec.AccessStatus),
			NewStatus:        string(rec.AccessStatus),
			PreviousQuantity: rec.BillableQuantity,
			NewQuantity:      rec.BillableQuantity,
			CreatedAt:        s.now(),
		})
	})
	if err == nil {
		s.Logger.Info().
			Str("account_id", accountID).
			Str("customer_ref", out.CustomerRef).
			Str("subscription_ref", out.SubscriptionRef).
			Str("actor", actor).
			Msg("billing references relinked")
	}
	return out, err
}
