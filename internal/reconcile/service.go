// Package reconcile applies normalized subscription snapshots to the local
// billing record. It is the only writer of access status, billable quantity,
// and payment confirmation.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"billingsync/internal/billing"
	"billingsync/internal/lock"
	"billingsync/internal/notify"
	"billingsync/internal/observability"
	"billingsync/internal/store"
)

// ErrReferenceConflict is returned when a snapshot names a different processor
// subscription or customer than the one the account is linked to.
var ErrReferenceConflict = errors.New("reconcile: processor reference conflicts with linked account")

type Service struct {
	Store    store.Store
	Locker   lock.Locker
	Notifier notify.Notifier
	Observer *observability.ReconcileObserver
	Logger   zerolog.Logger
	Now      func() time.Time

	// RejectStale skips snapshots observed before the last applied one.
	RejectStale bool
}

// Result describes one reconciliation pass.
type Result struct {
	AccountID       string
	PreviousStatus  billing.AccessStatus
	NewStatus       billing.AccessStatus
	Changed         bool
	Created         bool
	Duplicate       bool
	Stale           bool
	DriftRepaired   bool
	PeriodEndSource billing.PeriodEndSource
	Intent          *notify.Intent
	Record          billing.Record
}

func NewService(st store.Store, logger zerolog.Logger) *Service {
	return &Service{
		Store:       st,
		Logger:      logger,
		Now:         func() time.Time { return time.Now().UTC() },
		RejectStale: true,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// withLock runs fn under the optional process or cluster lock and then the
// store's transactional account lock.
func (s *Service) withLock(ctx context.Context, accountID string, fn func(tx store.RecordTx) error) error {
	if strings.TrimSpace(accountID) == "" {
		return errors.New("reconcile: empty account id")
	}
	if s.Locker != nil {
		unlock, err := s.Locker.Lock(ctx, "account:"+accountID)
		if err != nil {
			return fmt.Errorf("lock account %s: %w", accountID, err)
		}
		defer unlock()
	}
	return s.Store.WithAccountLock(ctx, accountID, fn)
}

// Reconcile applies snap to the account's billing record. A repeated
// sourceEventID, or an event payload created before the last applied event
// when RejectStale is set, returns without writing anything.
func (s *Service) Reconcile(ctx context.Context, accountID string, snap billing.Snapshot, sourceEventID string) (Result, error) {
	res := Result{AccountID: accountID}
	source := string(snap.Source)
	if source == "" {
		source = "unknown"
	}

	err := s.withLock(ctx, accountID, func(tx store.RecordTx) error {
		now := s.now()
		before, found, err := tx.Load(ctx)
		if err != nil {
			return err
		}
		if !found {
			before = billing.NewRecord(accountID, now)
			res.Created = true
		}
		res.PreviousStatus = before.AccessStatus
		res.NewStatus = before.AccessStatus
		res.Record = before

		if sourceEventID != "" && sourceEventID == before.LastSourceEventID {
			res.Duplicate = true
			return nil
		}
		// Only event payloads can be stale. A fresh retrieval is current
		// processor state, and its local timestamp is not comparable to the
		// processor's event clock.
		if s.RejectStale && !snap.EventCreated.IsZero() && snap.EventCreated.Before(before.LastEventCreatedAt) {
			res.Stale = true
			return nil
		}
		if err := checkReferences(before, snap); err != nil {
			return err
		}

		after := before
		if after.SubscriptionRef == "" {
			after.SubscriptionRef = snap.SubscriptionRef
		}
		if after.CustomerRef == "" {
			after.CustomerRef = snap.CustomerRef
		}
		if snap.CustomerEmail != "" {
			after.CustomerEmail = snap.CustomerEmail
		}
		after.AccessStatus = billing.MapStatus(snap.Status, snap.PauseBehavior)
		after.BillableQuantity = billing.BillableQuantity(snap.Items)
		if after.BillableQuantity < 1 {
			after.BillableQuantity = 1
		}
		after.PeriodEnd, res.PeriodEndSource = billing.ResolvePeriodEnd(snap, now)
		if res.PeriodEndSource == billing.PeriodEndFromNow {
			s.Logger.Warn().
				Str("account_id", accountID).
				Str("subscription_ref", snap.SubscriptionRef).
				Str("event_id", sourceEventID).
				Msg("snapshot has no period end, trial end, or cancel date; using current time")
		}
		if after.AccessStatus == billing.StatusActive && !before.PaymentConfirmed {
			after.PaymentConfirmed = true
			res.DriftRepaired = !snap.PaymentConfirmed
		}
		after.LastReconciledAt = now
		after.LastSourceEventID = sourceEventID
		if snap.EventCreated.After(before.LastEventCreatedAt) {
			after.LastEventCreatedAt = snap.EventCreated.UTC()
		}

		res.NewStatus = after.AccessStatus
		res.Changed = after.AccessStatus != before.AccessStatus ||
			after.BillableQuantity != before.BillableQuantity ||
			after.PaymentConfirmed != before.PaymentConfirmed
		if res.Changed {
			res.Intent = notify.Decide(notify.Change{Before: before, After: after, DriftRepaired: res.DriftRepaired})
		}

		if err := tx.Save(ctx, after); err != nil {
			return err
		}
		if res.Changed {
			if err := tx.AppendTransition(ctx, transition(before, after, snap.Source, sourceEventID, res)); err != nil {
				return err
			}
		}
		res.Record = after
		return nil
	})
	if err != nil {
		s.Observer.RecordError(accountID, source, err)
		return res, err
	}

	outcome := observability.Outcome{
		AccountID:      accountID,
		SourceEventID:  sourceEventID,
		Source:         source,
		PreviousStatus: string(res.PreviousStatus),
		NewStatus:      string(res.NewStatus),
		Changed:        res.Changed,
		Duplicate:      res.Duplicate,
		Stale:          res.Stale,
		DriftRepaired:  res.DriftRepaired,
	}
	if res.Intent != nil {
		outcome.Intent = string(res.Intent.Kind)
	}
	s.Observer.Record(outcome)

	// Only committed transitions reach the notifier.
	if res.Intent != nil && s.Notifier != nil {
		s.Notifier.Notify(ctx, *res.Intent)
	}
	return res, nil
}

func checkReferences(rec billing.Record, snap billing.Snapshot) error {
	if rec.SubscriptionRef != "" && snap.SubscriptionRef != "" && rec.SubscriptionRef != snap.SubscriptionRef {
		return fmt.Errorf("%w: account %s is linked to subscription %s, snapshot is for %s",
			ErrReferenceConflict, rec.AccountID, rec.SubscriptionRef, snap.SubscriptionRef)
	}
	if rec.CustomerRef != "" && snap.CustomerRef != "" && rec.CustomerRef != snap.CustomerRef {
		return fmt.Errorf("%w: account %s is linked to customer %s, snapshot is for %s",
			ErrReferenceConflict, rec.AccountID, rec.CustomerRef, snap.CustomerRef)
	}
	return nil
}

func transition(before, after billing.Record, source billing.Source, sourceEventID string, res Result) store.Transition {
	t := store.Transition{
		ID:               uuid.NewString(),
		AccountID:        after.AccountID,
		SourceEventID:    sourceEventID,
		Source:           string(source),
		PreviousStatus:   string(before.AccessStatus),
		NewStatus:        string(after.AccessStatus),
		PreviousQuantity: before.BillableQuantity,
		NewQuantity:      after.BillableQuantity,
		DriftRepaired:    res.DriftRepaired,
		CreatedAt:        after.LastReconciledAt,
	}
	if res.Intent != nil {
		t.Intent = string(res.Intent.Kind)
	}
	return t
}
