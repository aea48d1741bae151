package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingsync/internal/billing"
	"billingsync/internal/lock"
	"billingsync/internal/notify"
	"billingsync/internal/observability"
	"billingsync/internal/store"
)

type capturedNotifier struct {
	mu      sync.Mutex
	intents []notify.Intent
}

func (c *capturedNotifier) Notify(_ context.Context, intent notify.Intent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intents = append(c.intents, intent)
}

func (c *capturedNotifier) kinds() []notify.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Kind
	for _, in := range c.intents {
		out = append(out, in.Kind)
	}
	return out
}

// trackingStore records how many account locks are held at once.
type trackingStore struct {
	store.Store
	active    int32
	maxActive int32
}

func (t *trackingStore) WithAccountLock(ctx context.Context, accountID string, fn func(tx store.RecordTx) error) error {
	return t.Store.WithAccountLock(ctx, accountID, func(tx store.RecordTx) error {
		n := atomic.AddInt32(&t.active, 1)
		defer atomic.AddInt32(&t.active, -1)
		for {
			peak := atomic.LoadInt32(&t.maxActive)
			if n <= peak || atomic.CompareAndSwapInt32(&t.maxActive, peak, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return fn(tx)
	})
}

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *store.SQLStore, *capturedNotifier) {
	t.Helper()
	st, err := store.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	notifier := &capturedNotifier{}
	svc := NewService(st, zerolog.Nop())
	svc.Now = func() time.Time { return testNow }
	svc.Notifier = notifier
	svc.Observer = observability.NewReconcileObserver(zerolog.Nop())
	svc.Locker = lock.NewKeyedMutex()
	return svc, st, notifier
}

func snapshot(status string, quantities ...int64) billing.Snapshot {
	snap := billing.Snapshot{
		SubscriptionRef: "sub_1",
		CustomerRef:     "cus_1",
		CustomerEmail:   "owner@example.com",
		Status:          status,
		PeriodEnd:       testNow.Add(30 * 24 * time.Hour),
		ObservedAt:      testNow,
		Source:          billing.SourceWebhook,
	}
	for i, q := range quantities {
		price := "price_base"
		if i > 0 {
			price = "price_addon"
		}
		snap.Items = append(snap.Items, billing.LineItem{ItemRef: "si_" + price, PriceRef: price, Quantity: q})
	}
	return snap
}

func TestReconcileNewTrialingSubscription(t *testing.T) {
	svc, st, notifier := newTestService(t)
	ctx := context.Background()

	trialEnd := testNow.Add(14 * 24 * time.Hour)
	snap := snapshot("trialing", 1)
	snap.PeriodEnd = time.Time{}
	snap.TrialEnd = trialEnd

	res, err := svc.Reconcile(ctx, "acct_1", snap, "evt_1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Changed)
	assert.Equal(t, billing.StatusPendingPayment, res.PreviousStatus)
	assert.Equal(t, billing.StatusActive, res.NewStatus)
	assert.Equal(t, billing.PeriodEndFromTrial, res.PeriodEndSource)

	rec, err := st.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, rec.AccessStatus)
	assert.True(t, trialEnd.Equal(rec.PeriodEnd))
	assert.Equal(t, "sub_1", rec.SubscriptionRef)
	assert.Equal(t, "cus_1", rec.CustomerRef)
	assert.Equal(t, "evt_1", rec.LastSourceEventID)
	assert.True(t, rec.PaymentConfirmed)
	assert.Equal(t, []notify.Kind{notify.KindLatePaymentConfirmed}, notifier.kinds())
}

func TestReconcileDuplicateEventIsNoop(t *testing.T) {
	svc, st, notifier := newTestService(t)
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, "acct_1", snapshot("active", 1, 2), "evt_1")
	require.NoError(t, err)
	first, err := st.GetRecord(ctx, "acct_1")
	require.NoError(t, err)

	svc.Now = func() time.Time { return testNow.Add(time.Hour) }
	res, err := svc.Reconcile(ctx, "acct_1", snapshot("active", 1, 2), "evt_1")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.Changed)

	second, err := st.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, first, second, "duplicate delivery must not write")

	history, err := st.ListTransitions(ctx, "acct_1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, notifier.kinds(), 1)
}

func TestReconcileRepairsDrift(t *testing.T) {
	svc, st, notifier := newTestService(t)
	ctx := context.Background()

	rec := billing.NewRecord("acct_1", testNow)
	rec.SubscriptionRef = "sub_1"
	rec.CustomerRef = "cus_1"
	rec.CustomerEmail = "owner@example.com"
	rec.AccessStatus = billing.StatusActive
	rec.BillableQuantity = 3
	require.NoError(t, st.WithAccountLock(ctx, "acct_1", func(tx store.RecordTx) error { return tx.Save(ctx, rec) }))

	res, err := svc.Reconcile(ctx, "acct_1", snapshot("active", 1, 2), "evt_2")
	require.NoError(t, err)
	assert.True(t, res.DriftRepaired)
	assert.True(t, res.Changed)
	require.NotNil(t, res.Intent)
	assert.Equal(t, notify.KindLatePaymentConfirmed, res.Intent.Kind)

	got, err := st.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.True(t, got.PaymentConfirmed)
	assert.Equal(t, []notify.Kind{notify.KindLatePaymentConfirmed}, notifier.kinds())
	assert.Equal(t, int64(1), svc.Observer.DriftCount("acct_1"))

	history, err := st.ListTransitions(ctx, "acct_1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].DriftRepaired)
}

func TestReconcileConfirmationSignalIsNotDrift(t *testing.T) {
	svc, _, notifier := newTestService(t)
	snap := snapshot("active", 1)
	snap.PaymentConfirmed = true

	res, err := svc.Reconcile(context.Background(), "acct_1", snap, "evt_cs")
	require.NoError(t, err)
	assert.False(t, res.DriftRepaired)
	assert.True(t, res.Record.PaymentConfirmed)
	assert.Equal(t, []notify.Kind{notify.KindPaymentConfirmed}, notifier.kinds())
}

func TestReconcileQuantityIsRecomputed(t *testing.T) {
	svc, st, notifier := newTestService(t)
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, "acct_1", snapshot("active", 1, 6), "evt_1")
	require.NoError(t, err)

	res, err := svc.Reconcile(ctx, "acct_1", snapshot("active", 3), "evt_2")
	require.NoError(t, err)
	assert.True(t, res.Changed)

	rec, err := st.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.BillableQuantity)
	assert.Equal(t, notify.KindPlanChanged, notifier.kinds()[1])
}

func TestReconcileFloorsQuantity(t *testing.T) {
	svc, _, _ := newTestService(t)
	res, err := svc.Reconcile(context.Background(), "acct_1", snapshot("active"), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Record.BillableQuantity)
}

func TestReconcilePausedPrecedence(t *testing.T) {
	svc, _, notifier := newTestService(t)
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, "acct_1", snapshot("active", 1), "evt_1")
	require.NoError(t, err)

	snap := snapshot("active", 1)
	snap.PauseBehavior = billing.PauseBehaviorVoid
	res, err := svc.Reconcile(ctx, "acct_1", snap, "evt_2")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaused, res.NewStatus)

	res, err = svc.Reconcile(ctx, "acct_1", snapshot("active", 1), "evt_3")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, res.NewStatus)
	assert.Equal(t, []notify.Kind{notify.KindLatePaymentConfirmed, notify.KindPaused, notify.KindResumed}, notifier.kinds())
}

func TestReconcileRejectsStaleSnapshot(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	fresh := snapshot("canceled", 1)
	fresh.EventCreated = testNow
	_, err := svc.Reconcile(ctx, "acct_1", fresh, "evt_new")
	require.NoError(t, err)

	stale := snapshot("active", 1)
	stale.EventCreated = testNow.Add(-time.Minute)
	res, err := svc.Reconcile(ctx, "acct_1", stale, "evt_old")
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.False(t, res.Changed)

	rec, err := st.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, rec.AccessStatus)
	assert.Equal(t, "evt_new", rec.LastSourceEventID)

	svc.RejectStale = false
	res, err = svc.Reconcile(ctx, "acct_1", stale, "evt_old")
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, billing.StatusActive, res.NewStatus)
}

func TestReconcileEventAfterRetrievalInSameSecond(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	prior := snapshot("active", 1)
	prior.EventCreated = testNow.Add(-time.Hour)
	_, err := svc.Reconcile(ctx, "acct_1", prior, "evt_created")
	require.NoError(t, err)

	retrieved := snapshot("active", 3)
	retrieved.Source = billing.SourceAction
	retrieved.ObservedAt = testNow.Add(700 * time.Millisecond)
	_, err = svc.Reconcile(ctx, "acct_1", retrieved, "action:1")
	require.NoError(t, err)

	rec, err := st.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.True(t, prior.EventCreated.Equal(rec.LastEventCreatedAt), "retrievals leave the event watermark alone")

	// Stripe stamps events in whole seconds, so this cancellation looks older
	// than the retrieval above even though it happened after it.
	canceled := snapshot("canceled", 3)
	canceled.EventCreated = testNow
	canceled.ObservedAt = testNow
	res, err := svc.Reconcile(ctx, "acct_1", canceled, "evt_canceled")
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.True(t, res.Changed)
	assert.Equal(t, billing.StatusCanceled, res.NewStatus)

	rec, err = st.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, rec.AccessStatus)
	assert.Equal(t, "evt_canceled", rec.LastSourceEventID)
	assert.True(t, testNow.Equal(rec.LastEventCreatedAt))
}

func TestReconcileEventsInSameSecondAreNotStale(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	updated := snapshot("active", 2)
	updated.EventCreated = testNow
	_, err := svc.Reconcile(ctx, "acct_1", updated, "evt_a")
	require.NoError(t, err)

	deleted := snapshot("canceled", 2)
	deleted.EventCreated = testNow
	res, err := svc.Reconcile(ctx, "acct_1", deleted, "evt_b")
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, billing.StatusCanceled, res.NewStatus)
}

func TestReconcileRetrievalIsNeverStale(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	event := snapshot("active", 1)
	event.EventCreated = testNow.Add(time.Hour)
	_, err := svc.Reconcile(ctx, "acct_1", event, "evt_future")
	require.NoError(t, err)

	manual := snapshot("canceled", 1)
	manual.Source = billing.SourceManual
	manual.ObservedAt = testNow
	res, err := svc.Reconcile(ctx, "acct_1", manual, "manual:1")
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, billing.StatusCanceled, res.NewStatus)
}

func TestReconcileRenewalUpdatesPeriodWithoutHistory(t *testing.T) {
	svc, st, notifier := newTestService(t)
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, "acct_1", snapshot("active", 2), "evt_1")
	require.NoError(t, err)

	renewed := snapshot("active", 2)
	renewed.PeriodEnd = testNow.Add(60 * 24 * time.Hour)
	res, err := svc.Reconcile(ctx, "acct_1", renewed, "evt_2")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Nil(t, res.Intent)

	rec, err := st.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.True(t, renewed.PeriodEnd.Equal(rec.PeriodEnd))
	assert.Equal(t, "evt_2", rec.LastSourceEventID)

	history, err := st.ListTransitions(ctx, "acct_1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, notifier.kinds(), 1)
}

func TestReconcileReferenceConflict(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, "acct_1", snapshot("active", 1), "evt_1")
	require.NoError(t, err)

	other := snapshot("canceled", 1)
	other.SubscriptionRef = "sub_other"
	_, err = svc.Reconcile(ctx, "acct_1", other, "evt_2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReferenceConflict))

	rec, err := st.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, rec.AccessStatus)

	_, err = svc.Relink(ctx, "acct_1", "cus_1", "sub_other", "admin")
	require.NoError(t, err)
	res, err := svc.Reconcile(ctx, "acct_1", other, "evt_2")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, res.NewStatus)
}

func TestRelinkRejectsSubscriptionOwnedElsewhere(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, "acct_1", snapshot("active", 1), "evt_1")
	require.NoError(t, err)

	_, err = svc.Relink(ctx, "acct_2", "cus_2", "sub_1", "admin")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReferenceConflict)
	_, err = st.GetRecord(ctx, "acct_2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The owner may relink to its own subscription.
	rec, err := svc.Relink(ctx, "acct_1", "cus_1", "sub_1", "admin")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", rec.SubscriptionRef)
}

func TestReconcileConcurrentEventsSerialize(t *testing.T) {
	svc, st, _ := newTestService(t)
	tracking := &trackingStore{Store: st}
	svc.Store = tracking
	ctx := context.Background()

	e1 := snapshot("active", 1, 1)
	e2 := snapshot("active", 1, 4)
	e2.PauseBehavior = billing.PauseBehaviorVoid

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, item := range []struct {
		snap billing.Snapshot
		id   string
	}{{e1, "E1"}, {e2, "E2"}} {
		wg.Add(1)
		go func(i int, snap billing.Snapshot, id string) {
			defer wg.Done()
			_, errs[i] = svc.Reconcile(ctx, "acct_c", snap, id)
		}(i, item.snap, item.id)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&tracking.maxActive))

	rec, err := st.GetRecord(ctx, "acct_c")
	require.NoError(t, err)
	switch rec.LastSourceEventID {
	case "E2":
		assert.Equal(t, billing.StatusPaused, rec.AccessStatus)
		assert.Equal(t, int64(5), rec.BillableQuantity)
	case "E1":
		assert.Equal(t, billing.StatusActive, rec.AccessStatus)
		assert.Equal(t, int64(2), rec.BillableQuantity)
	default:
		t.Fatalf("unexpected last event %q", rec.LastSourceEventID)
	}

	history, err := st.ListTransitions(ctx, "acct_c", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestEnsureAndLinkCustomer(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.EnsureRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPendingPayment, rec.AccessStatus)

	rec, err = svc.LinkCustomer(ctx, "acct_1", "cus_1", "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", rec.CustomerRef)

	_, err = svc.LinkCustomer(ctx, "acct_1", "cus_1", "owner@example.com")
	require.NoError(t, err)

	_, err = svc.LinkCustomer(ctx, "acct_1", "cus_2", "")
	assert.ErrorIs(t, err, ErrReferenceConflict)

	got, err := st.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", got.CustomerRef)
	assert.Equal(t, billing.StatusPendingPayment, got.AccessStatus)
	assert.Equal(t, "owner@example.com", got.CustomerEmail)
}
