// Package pipeline wires the entry paths (webhook delivery, queued tasks,
// manual sync, batch sweeps) to the normalizer and reconciler, and keeps the
// webhook ledger current.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"billingsync/internal/normalize"
	"billingsync/internal/queue"
	"billingsync/internal/reconcile"
	"billingsync/internal/store"
)

// Provider is the webhook ledger provider name for processor events.
const Provider = "stripe"

type Disposition string

const (
	DispositionProcessed Disposition = "processed"
	DispositionDuplicate Disposition = "duplicate"
	DispositionQueued    Disposition = "queued"
	DispositionIgnored   Disposition = "ignored"
	DispositionFailed    Disposition = "failed"
)

// Receipt reports what happened to one webhook delivery.
type Receipt struct {
	EventID     string
	EventType   string
	AccountID   string
	Disposition Disposition
	Result      *reconcile.Result
}

// Enqueuer accepts deferred work. *queue.Queue implements it.
type Enqueuer interface {
	Push(ctx context.Context, task queue.Task) (queue.Task, error)
}

type Pipeline struct {
	Store      store.Store
	Normalizer *normalize.Normalizer
	Reconciler *reconcile.Service
	// Queue defers webhook processing when set; otherwise events are
	// processed inline.
	Queue Enqueuer
	// QueuedLease is how long a queued event is trusted to be in the queue.
	// A redelivery after that reprocesses it.
	QueuedLease time.Duration
	Logger      zerolog.Logger
	Now         func() time.Time
}

// DefaultQueuedLease applies when QueuedLease is unset.
const DefaultQueuedLease = 15 * time.Minute

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Terminal reports errors that retrying cannot fix: malformed payloads,
// unknown references, and reference conflicts.
func Terminal(err error) bool {
	if err == nil {
		return false
	}
	switch normalize.ReasonOf(err) {
	case normalize.ReasonMalformedPayload, normalize.ReasonReferenceNotFound:
		return true
	}
	return errors.Is(err, reconcile.ErrReferenceConflict)
}

// Retryable is the complement of Terminal for non-nil errors.
func Retryable(err error) bool {
	return err != nil && !Terminal(err)
}

func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Accept records a signature-verified delivery in the ledger and either queues
// it or processes it inline. Events already processed or ignored, and events
// queued within QueuedLease, are acknowledged without further work.
func (p *Pipeline) Accept(ctx context.Context, payload []byte) (Receipt, error) {
	env, err := normalize.ParseEnvelope(payload)
	if err != nil {
		return Receipt{Disposition: DispositionFailed}, err
	}
	receipt := Receipt{EventID: env.ID, EventType: env.Type}

	inserted, status, err := p.Store.InsertWebhookEventIfAbsent(ctx, Provider, env.ID, env.Type, payloadHash(payload))
	if err != nil {
		return receipt, fmt.Errorf("record webhook event: %w", err)
	}
	if !inserted {
		switch status {
		case store.EventProcessed, store.EventIgnored:
			receipt.Disposition = DispositionDuplicate
			return receipt, nil
		case store.EventQueued:
			reclaimed, err := p.reclaimQueued(ctx, env.ID)
			if err != nil {
				return receipt, err
			}
			if !reclaimed {
				receipt.Disposition = DispositionDuplicate
				return receipt, nil
			}
		}
	}

	if p.Queue != nil {
		// Mark queued first so a fast worker's outcome is never overwritten.
		p.updateLedger(ctx, env.ID, store.EventQueued, "")
		_, err := p.Queue.Push(ctx, queue.Task{
			Kind:      queue.KindWebhook,
			EventID:   env.ID,
			EventType: env.Type,
			Payload:   payload,
		})
		if err == nil {
			receipt.Disposition = DispositionQueued
			return receipt, nil
		}
		p.Logger.Warn().Err(err).Str("event_id", env.ID).Msg("enqueue failed; processing webhook inline")
	}
	return p.ProcessEvent(ctx, payload)
}

func (p *Pipeline) reclaimQueued(ctx context.Context, eventID string) (bool, error) {
	lease := p.QueuedLease
	if lease <= 0 {
		lease = DefaultQueuedLease
	}
	ok, err := p.Store.ReclaimQueuedWebhookEvent(ctx, Provider, eventID, p.now().Add(-lease))
	if err != nil {
		return false, fmt.Errorf("reclaim queued webhook event: %w", err)
	}
	if ok {
		p.Logger.Warn().Str("event_id", eventID).Dur("lease", lease).Msg("queued event redelivered after its lease; processing again")
	}
	return ok, nil
}

// ProcessEvent normalizes and reconciles one webhook payload and moves its
// ledger entry to processed, ignored, or failed.
func (p *Pipeline) ProcessEvent(ctx context.Context, payload []byte) (Receipt, error) {
	trigger, err := p.Normalizer.FromWebhook(ctx, payload)
	receipt := Receipt{EventID: trigger.EventID, EventType: trigger.EventType, AccountID: trigger.AccountID}
	if errors.Is(err, normalize.ErrIgnored) {
		p.updateLedger(ctx, trigger.EventID, store.EventIgnored, "")
		receipt.Disposition = DispositionIgnored
		return receipt, nil
	}
	if err != nil {
		p.fail(ctx, trigger.EventID, err)
		receipt.Disposition = DispositionFailed
		return receipt, err
	}

	res, err := p.Reconciler.Reconcile(ctx, trigger.AccountID, trigger.Snapshot, trigger.EventID)
	if err != nil {
		p.fail(ctx, trigger.EventID, err)
		receipt.Disposition = DispositionFailed
		return receipt, err
	}
	p.updateLedger(ctx, trigger.EventID, store.EventProcessed, "")
	receipt.Disposition = DispositionProcessed
	receipt.Result = &res
	return receipt, nil
}

func (p *Pipeline) fail(ctx context.Context, eventID string, err error) {
	evt := p.Logger.Warn()
	if Terminal(err) {
		evt = p.Logger.Error()
	}
	evt.Err(err).Str("event_id", eventID).Bool("retryable", Retryable(err)).Msg("webhook processing failed")
	p.updateLedger(ctx, eventID, store.EventFailed, err.Error())
}

func (p *Pipeline) updateLedger(ctx context.Context, eventID, status, errMsg string) {
	if eventID == "" {
		return
	}
	if err := p.Store.UpdateWebhookEventStatus(ctx, Provider, eventID, status, errMsg); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.Logger.Error().Err(err).Str("event_id", eventID).Str("status", status).Msg("update webhook ledger")
	}
}

// SyncAccount retrieves the account's subscription from the processor and
// reconciles it.
func (p *Pipeline) SyncAccount(ctx context.Context, accountID string) (reconcile.Result, error) {
	snap, err := p.Normalizer.ForAccount(ctx, accountID)
	if err != nil {
		return reconcile.Result{AccountID: accountID}, err
	}
	return p.Reconciler.Reconcile(ctx, accountID, snap, "manual:"+uuid.NewString())
}

// HandleTask runs one queued task.
func (p *Pipeline) HandleTask(ctx context.Context, task queue.Task) error {
	switch task.Kind {
	case queue.KindWebhook:
		_, err := p.ProcessEvent(ctx, task.Payload)
		return err
	case queue.KindSync:
		_, err := p.SyncAccount(ctx, task.AccountID)
		return err
	default:
		return &normalize.Error{Reason: normalize.ReasonMalformedPayload, Detail: fmt.Sprintf("unknown task kind %q", task.Kind)}
	}
}

type SweepOptions struct {
	OnlyDrift bool
	BatchSize int
}

type SweepReport struct {
	Scanned       int           `json:"scanned"`
	Changed       int           `json:"changed"`
	DriftRepaired int           `json:"drift_repaired"`
	Failed        int           `json:"failed"`
	Duration      time.Duration `json:"duration"`
}

// Sweep runs a manual sync for every linked account, or only for local drift
// candidates. Per-account failures are counted and logged.
func (p *Pipeline) Sweep(ctx context.Context, opts SweepOptions) (SweepReport, error) {
	start := time.Now()
	var report SweepReport
	after := ""
	for {
		ids, err := p.Store.ListAccounts(ctx, store.AccountFilter{OnlyDrift: opts.OnlyDrift, AfterID: after, Limit: opts.BatchSize})
		if err != nil {
			return report, fmt.Errorf("list accounts: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		for _, accountID := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Scanned++
			res, err := p.SyncAccount(ctx, accountID)
			if err != nil {
				report.Failed++
				p.Logger.Warn().Err(err).Str("account_id", accountID).Msg("sweep sync failed")
				continue
			}
			if res.Changed {
				report.Changed++
			}
			if res.DriftRepaired {
				report.DriftRepaired++
			}
		}
		after = ids[len(ids)-1]
	}
	report.Duration = time.Since(start)
	p.Logger.Info().
		Int("scanned", report.Scanned).
		Int("changed", report.Changed).
		Int("drift_repaired", report.DriftRepaired).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Bool("only_drift", opts.OnlyDrift).
		Msg("billing sweep finished")
	return report, nil
}
