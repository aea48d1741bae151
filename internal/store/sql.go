package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"billingsync/internal/billing"
)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// SQLStore implements Store over database/sql for both supported dialects.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// q rewrites $N placeholders into SQLite's ?N form.
func (s *SQLStore) q(query string) string {
	if s.dialect == dialectSQLite {
		return placeholderRe.ReplaceAllString(query, "?$1")
	}
	return query
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const recordColumns = `account_id, customer_ref, subscription_ref, customer_email, access_status,
	billable_quantity, payment_confirmed, period_end_ms, last_reconciled_at_ms, last_source_event_id,
	last_observed_at_ms, created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (billing.Record, error) {
	var (
		rec                                                  billing.Record
		status                                               string
		periodEnd, reconciledAt, eventCreatedAt, created, up int64
	)
	err := row.Scan(&rec.AccountID, &rec.CustomerRef, &rec.SubscriptionRef, &rec.CustomerEmail, &status,
		&rec.BillableQuantity, &rec.PaymentConfirmed, &periodEnd, &reconciledAt, &rec.LastSourceEventID,
		&eventCreatedAt, &created, &up)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, ErrNotFound
		}
		return rec, err
	}
	rec.AccessStatus = billing.AccessStatus(status)
	rec.PeriodEnd = fromMillis(periodEnd)
	rec.LastReconciledAt = fromMillis(reconciledAt)
	rec.LastEventCreatedAt = fromMillis(eventCreatedAt)
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(up)
	return rec, nil
}

func (s *SQLStore) GetRecord(ctx context.Context, accountID string) (billing.Record, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+recordColumns+` FROM billing_records WHERE account_id = $1`), accountID)
	return scanRecord(row)
}

func (s *SQLStore) FindAccountBySubscriptionRef(ctx context.Context, subscriptionRef string) (string, error) {
	return s.findAccount(ctx, `SELECT account_id FROM billing_records WHERE subscription_ref = $1`, subscriptionRef)
}

func (s *SQLStore) FindAccountByCustomerRef(ctx context.Context, customerRef string) (string, error) {
	return s.findAccount(ctx, `SELECT account_id FROM billing_records WHERE customer_ref = $1 ORDER BY updated_at_ms DESC LIMIT 1`, customerRef)
}

func (s *SQLStore) findAccount(ctx context.Context, query, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", ErrNotFound
	}
	var accountID string
	if err := s.db.QueryRowContext(ctx, s.q(query), ref).Scan(&accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return accountID, nil
}

func (s *SQLStore) WithAccountLock(ctx context.Context, accountID string, fn func(tx RecordTx) error) error {
	if strings.TrimSpace(accountID) == "" {
		return errors.New("store: empty account id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin account tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == dialectPostgres {
		// Covers accounts that have no row to lock with FOR UPDATE yet.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, accountID); err != nil {
			return fmt.Errorf("acquire account lock: %w", err)
		}
	}

	if err := fn(&recordTx{store: s, tx: tx, accountID: accountID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit account tx: %w", err)
	}
	return nil
}

type recordTx struct {
	store     *SQLStore
	tx        *sql.Tx
	accountID string
}

func (r *recordTx) Load(ctx context.Context) (billing.Record, bool, error) {
	query := `SELECT ` + recordColumns + ` FROM billing_records WHERE account_id = $1`
	if r.store.dialect == dialectPostgres {
		query += ` FOR UPDATE`
	}
	rec, err := scanRecord(r.tx.QueryRowContext(ctx, r.store.q(query), r.accountID))
	if errors.Is(err, ErrNotFound) {
		return billing.Record{}, false, nil
	}
	if err != nil {
		return billing.Record{}, false, err
	}
	return rec, true, nil
}

func (r *recordTx) Save(ctx context.Context, rec billing.Record) error {
	if rec.AccountID != r.accountID {
		return fmt.Errorf("store: record for %q saved under lock for %q", rec.AccountID, r.accountID)
	}
	if !rec.AccessStatus.Valid() {
		return fmt.Errorf("store: invalid access status %q", rec.AccessStatus)
	}
	if rec.BillableQuantity < 1 {
		rec.BillableQuantity = 1
	}
	now := r.store.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := r.tx.ExecContext(ctx, r.store.q(`INSERT INTO billing_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (account_id) DO UPDATE SET
			customer_ref = excluded.customer_ref,
			subscription_ref = excluded.subscription_ref,
			customer_email = excluded.customer_email,
			access_status = excluded.access_status,
			billable_quantity = excluded.billable_quantity,
			payment_confirmed = excluded.payment_confirmed,
			period_end_ms = excluded.period_end_ms,
			last_reconciled_at_ms = excluded.last_reconciled_at_ms,
			last_source_event_id = excluded.last_source_event_id,
			last_observed_at_ms = excluded.last_observed_at_ms,
			updated_at_ms = excluded.updated_at_ms`),
		rec.AccountID, rec.CustomerRef, rec.SubscriptionRef, rec.CustomerEmail, string(rec.AccessStatus),
		rec.BillableQuantity, rec.PaymentConfirmed, toMillis(rec.PeriodEnd), toMillis(rec.LastReconciledAt), rec.LastSourceEventID,
		toMillis(rec.LastEventCreatedAt), toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: subscription %s", ErrConflict, rec.SubscriptionRef)
	}
	if err != nil {
		return fmt.Errorf("save billing record: %w", err)
	}
	return nil
}

func (r *recordTx) AppendTransition(ctx context.Context, t Transition) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.store.now()
	}
	_, err := r.tx.ExecContext(ctx, r.store.q(`INSERT INTO billing_transitions
		(id, account_id, source_event_id, source, previous_status, new_status, previous_quantity, new_quantity, drift_repaired, intent, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`),
		t.ID, r.accountID, t.SourceEventID, t.Source, t.PreviousStatus, t.NewStatus, t.PreviousQuantity, t.NewQuantity,
		t.DriftRepaired, t.Intent, toMillis(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("append billing transition: %w", err)
	}
	return nil
}

func (s *SQLStore) ListAccounts(ctx context.Context, filter AccountFilter) ([]string, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	args := []any{filter.AfterID}
	query := `SELECT account_id FROM billing_records WHERE account_id > $1`
	if filter.OnlyDrift {
		query += ` AND access_status = 'active' AND payment_confirmed = $2`
		args = append(args, false)
	} else {
		query += ` AND (subscription_ref <> '' OR customer_ref <> '')`
	}
	query += fmt.Sprintf(" ORDER BY account_id LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) ListTransitions(ctx context.Context, accountID string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, account_id, source_event_id, source, previous_status, new_status,
		previous_quantity, new_quantity, drift_repaired, intent, created_at_ms
		FROM billing_transitions WHERE account_id = $1 ORDER BY created_at_ms DESC, id DESC LIMIT $2`), accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t       Transition
			created int64
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.SourceEventID, &t.Source, &t.PreviousStatus, &t.NewStatus,
			&t.PreviousQuantity, &t.NewQuantity, &t.DriftRepaired, &t.Intent, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = fromMillis(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertWebhookEventIfAbsent(ctx context.Context, provider, eventID, eventType, payloadHash string) (bool, string, error) {
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO webhook_events
		(provider, event_id, event_type, payload_hash, status, attempts, last_error, received_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, 0, '', $6, $6)
		ON CONFLICT (provider, event_id) DO NOTHING`),
		provider, eventID, eventType, payloadHash, EventReceived, now)
	if err != nil {
		return false, "", err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return true, "", nil
	}

	var status string
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT status FROM webhook_events WHERE provider = $1 AND event_id = $2`),
		provider, eventID).Scan(&status); err != nil {
		return false, "", err
	}
	return false, status, nil
}

func (s *SQLStore) UpdateWebhookEventStatus(ctx context.Context, provider, eventID, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE webhook_events
		SET status = $1, last_error = $2, attempts = attempts + 1, updated_at_ms = $3
		WHERE provider = $4 AND event_id = $5`),
		status, errMsg, toMillis(s.now()), provider, eventID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ReclaimQueuedWebhookEvent(ctx context.Context, provider, eventID string, queuedBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE webhook_events
		SET status = $1, updated_at_ms = $2
		WHERE provider = $3 AND event_id = $4 AND status = $5 AND updated_at_ms < $6`),
		EventReceived, toMillis(s.now()), provider, eventID, EventQueued, toMillis(queuedBefore))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// WebhookEventStatus returns the ledger status of one event.
func (s *SQLStore) WebhookEventStatus(ctx context.Context, provider, eventID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT status FROM webhook_events WHERE provider = $1 AND event_id = $2`),
		provider, eventID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}

// isUniqueViolation reports whether err is a unique index violation from
// either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			(code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE constraint failed"))
	}
	return false
}
