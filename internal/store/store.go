// Package store persists billing records, their transition history, and the
// webhook event ledger in Postgres or SQLite.
package store

import (
	"context"
	"errors"
	"time"

	"billingsync/internal/billing"
)

var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a save would give a processor reference a
// second owner.
var ErrConflict = errors.New("store: reference already linked to another account")

// Webhook ledger statuses.
const (
	EventReceived  = "received"
	EventQueued    = "queued"
	EventProcessed = "processed"
	EventIgnored   = "ignored"
	EventFailed    = "failed"
)

// Transition is one applied reconciliation pass.
type Transition struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"account_id"`
	SourceEventID    string    `json:"source_event_id"`
	Source           string    `json:"source"`
	PreviousStatus   string    `json:"previous_status"`
	NewStatus        string    `json:"new_status"`
	PreviousQuantity int64     `json:"previous_quantity"`
	NewQuantity      int64     `json:"new_quantity"`
	DriftRepaired    bool      `json:"drift_repaired"`
	Intent           string    `json:"intent,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// AccountFilter selects accounts for batch sweeps. Results are ordered by
// account id and start strictly after AfterID.
type AccountFilter struct {
	OnlyDrift bool
	AfterID   string
	Limit     int
}

// RecordTx is the view of one account's billing row while its lock is held.
type RecordTx interface {
	// Load returns the current record; found is false when the account has no row yet.
	Load(ctx context.Context) (rec billing.Record, found bool, err error)
	// Save writes every field of rec in one statement.
	Save(ctx context.Context, rec billing.Record) error
	AppendTransition(ctx context.Context, t Transition) error
}

// Store is the persistence interface used by the billing engine.
type Store interface {
	GetRecord(ctx context.Context, accountID string) (billing.Record, error)
	FindAccountBySubscriptionRef(ctx context.Context, subscriptionRef string) (string, error)
	FindAccountByCustomerRef(ctx context.Context, customerRef string) (string, error)

	// WithAccountLock runs fn in a transaction that excludes every other
	// WithAccountLock call for the same account. fn's writes commit only when it
	// returns nil.
	WithAccountLock(ctx context.Context, accountID string, fn func(tx RecordTx) error) error

	ListAccounts(ctx context.Context, filter AccountFilter) ([]string, error)
	ListTransitions(ctx context.Context, accountID string, limit int) ([]Transition, error)

	InsertWebhookEventIfAbsent(ctx context.Context, provider, eventID, eventType, payloadHash string) (inserted bool, existingStatus string, err error)
	UpdateWebhookEventStatus(ctx context.Context, provider, eventID, status, errMsg string) error
	// ReclaimQueuedWebhookEvent moves an event that has been queued since
	// before queuedBefore back to received. Only one concurrent caller wins.
	ReclaimQueuedWebhookEvent(ctx context.Context, provider, eventID string, queuedBefore time.Time) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the configured driver and applies pending migrations.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var (
		st  *SQLStore
		err error
	)
	switch driver {
	case "postgres", "":
		st, err = OpenPostgres(dsn)
	case "sqlite":
		st, err = OpenSQLite(dsn)
	default:
		return nil, errors.New("store: unsupported driver " + driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
