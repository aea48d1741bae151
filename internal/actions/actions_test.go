package actions

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"billingsync/internal/billing"
	"billingsync/internal/normalize"
	"billingsync/internal/notify"
	"billingsync/internal/processor"
	"billingsync/internal/processor/processortest"
	"billingsync/internal/reconcile"
	"billingsync/internal/store"
)

const (
	basePrice  = "price_base"
	addOnPrice = "price_addon"
	periodEnd  = int64(1780000000)
)

var now = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type intents struct {
	mu  sync.Mutex
	got []notify.Intent
}

func (i *intents) Notify(_ context.Context, intent notify.Intent) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, intent)
}

type harness struct {
	orch     *Orchestrator
	store    *store.SQLStore
	fake     *processortest.Fake
	notifier *intents
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fake := processortest.NewFake()
	notifier := &intents{}
	rec := reconcile.NewService(st, zerolog.Nop())
	rec.Now = func() time.Time { return now }
	rec.Notifier = notifier
	norm := normalize.New(fake, st, zerolog.Nop())
	norm.Now = func() time.Time { return now }

	return &harness{
		orch: &Orchestrator{
			Processor:    fake,
			Normalizer:   norm,
			Reconciler:   rec,
			Accounts:     st,
			AddOnPriceID: addOnPrice,
			Logger:       zerolog.Nop(),
			Now:          func() time.Time { return now },
		},
		store:    st,
		fake:     fake,
		notifier: notifier,
	}
}

// seed stores a subscription at the processor and a matching, confirmed local record.
func (h *harness) seed(t *testing.T, addOn int64) {
	t.Helper()
	items := []*stripe.SubscriptionItem{processortest.Item("si_base", basePrice, 1, periodEnd)}
	if addOn > 0 {
		items = append(items, processortest.Item("si_addon", addOnPrice, addOn, periodEnd))
	}
	h.fake.Put(processortest.Subscription("sub_1", "cus_1", stripe.SubscriptionStatusActive, items...))

	rec := billing.NewRecord("acct_1", now)
	rec.SubscriptionRef = "sub_1"
	rec.CustomerRef = "cus_1"
	rec.AccessStatus = billing.StatusActive
	rec.PaymentConfirmed = true
	rec.BillableQuantity = 1 + addOn
	ctx := context.Background()
	require.NoError(t, h.store.WithAccountLock(ctx, "acct_1", func(tx store.RecordTx) error { return tx.Save(ctx, rec) }))
}

func TestSetQuantityToOneRemovesAddOn(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 3)

	out, err := h.orch.Apply(context.Background(), "acct_1", SetQuantity(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.BillableQuantity)
	assert.Equal(t, billing.Capacity{BaseUnits: 1, AddOnUnits: 0, Total: 1}, out.Capacity)
	assert.True(t, out.Changed)

	sub, _ := h.fake.Get("sub_1")
	require.Len(t, sub.Items.Data, 1)
	assert.Equal(t, "si_base", sub.Items.Data[0].ID)

	rec, err := h.store.GetRecord(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.BillableQuantity)

	require.Len(t, h.notifier.got, 1)
	assert.Equal(t, notify.KindPlanChanged, h.notifier.got[0].Kind)
	assert.Equal(t, int64(4), h.notifier.got[0].PreviousQuantity)
}

func TestSetQuantityGrowAndResize(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 0)
	ctx := context.Background()

	out, err := h.orch.Apply(ctx, "acct_1", SetQuantity(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), out.BillableQuantity)

	out, err = h.orch.Apply(ctx, "acct_1", SetQuantity(6))
	require.NoError(t, err)
	assert.Equal(t, int64(6), out.BillableQuantity)

	sub, _ := h.fake.Get("sub_1")
	require.Len(t, sub.Items.Data, 2)
	assert.Equal(t, int64(5), sub.Items.Data[1].Quantity)
}

func TestSetQuantityUnchangedStillReconciles(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 2)

	out, err := h.orch.Apply(context.Background(), "acct_1", SetQuantity(3))
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Equal(t, []string{"retrieve_subscription"}, h.fake.Calls())

	rec, err := h.store.GetRecord(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Contains(t, rec.LastSourceEventID, "action:")
}

func TestPauseReportsEffectiveEnd(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1)
	ctx := context.Background()

	out, err := h.orch.Apply(ctx, "acct_1", Pause())
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaused, out.AccessStatus)
	assert.Equal(t, time.Unix(periodEnd, 0).UTC(), out.EffectiveEnd)

	out, err = h.orch.Apply(ctx, "acct_1", Resume())
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, out.AccessStatus)
	assert.True(t, out.EffectiveEnd.IsZero())

	require.Len(t, h.notifier.got, 2)
	assert.Equal(t, notify.KindPaused, h.notifier.got[0].Kind)
	assert.Equal(t, notify.KindResumed, h.notifier.got[1].Kind)
}

func TestProcessorFailureLeavesRecordUntouched(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"rejected", &processor.Error{Op: "pause_collection", Kind: processor.ErrRejected}, ErrProcessorRejected},
		{"missing", &processor.Error{Op: "pause_collection", Kind: processor.ErrNotFound}, ErrSubscriptionNotFound},
		{"timeout", &processor.Error{Op: "pause_collection", Kind: processor.ErrUnavailable, Err: context.DeadlineExceeded}, ErrProcessorUnreachable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, 1)
			ctx := context.Background()
			before, err := h.store.GetRecord(ctx, "acct_1")
			require.NoError(t, err)

			h.fake.Fail("pause_collection", tc.err)
			_, err = h.orch.Apply(ctx, "acct_1", Pause())
			require.Error(t, err)
			assert.Equal(t, tc.want, KindOf(err))

			var aerr *Error
			require.True(t, errors.As(err, &aerr))
			assert.Equal(t, tc.want == ErrProcessorUnreachable, aerr.Retryable())

			after, err := h.store.GetRecord(ctx, "acct_1")
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Empty(t, h.notifier.got)
		})
	}
}

func TestApplyRequiresLinkedSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Apply(ctx, "acct_missing", Pause())
	assert.Equal(t, ErrNoLinkedSubscription, KindOf(err))

	_, err = h.orch.Reconciler.EnsureRecord(ctx, "acct_new")
	require.NoError(t, err)
	_, err = h.orch.Apply(ctx, "acct_new", Resume())
	assert.Equal(t, ErrNoLinkedSubscription, KindOf(err))
	assert.Empty(t, h.fake.Calls())
}

func TestApplyValidatesAction(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Apply(context.Background(), "acct_1", SetQuantity(0))
	assert.Equal(t, ErrInvalidAction, KindOf(err))
	_, err = h.orch.Apply(context.Background(), "acct_1", Action{Kind: "cancel"})
	assert.Equal(t, ErrInvalidAction, KindOf(err))
}

func TestStartCheckoutLinksCustomerOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := CheckoutRequest{AccountID: "acct_9", Email: "new@example.com", Slots: 3, SuccessURL: "https://app/ok", CancelURL: "https://app/no"}

	sess, err := h.orch.StartCheckout(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.URL)

	rec, err := h.store.GetRecord(ctx, "acct_9")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPendingPayment, rec.AccessStatus)
	assert.NotEmpty(t, rec.CustomerRef)
	assert.Equal(t, "new@example.com", rec.CustomerEmail)

	_, err = h.orch.StartCheckout(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"create_customer", "create_checkout_session", "create_checkout_session"}, h.fake.Calls())
	require.Len(t, h.fake.Checkouts, 2)
	assert.Equal(t, rec.CustomerRef, h.fake.Checkouts[1].CustomerRef)
	assert.Equal(t, int64(3), h.fake.Checkouts[1].Slots)
}

func TestStartCheckoutRejectsActiveSubscription(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 0)
	_, err := h.orch.StartCheckout(context.Background(), CheckoutRequest{AccountID: "acct_1", Slots: 1})
	assert.Equal(t, ErrSubscriptionExists, KindOf(err))
}

func TestOpenPortal(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 0)
	ctx := context.Background()

	sess, err := h.orch.OpenPortal(ctx, "acct_1", "https://app/settings")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.URL)
	assert.Equal(t, []string{"cus_1"}, h.fake.Portals)

	h.fake.Fail("create_portal_session", &processor.Error{Op: "create_portal_session", Kind: processor.ErrUnavailable})
	_, err = h.orch.OpenPortal(ctx, "acct_1", "https://app/settings")
	assert.Equal(t, ErrProcessorUnreachable, KindOf(err))
}

func TestOpenPortalRequiresCustomer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.OpenPortal(ctx, "acct_missing", "https://app/settings")
	assert.Equal(t, ErrNoLinkedSubscription, KindOf(err))

	_, err = h.orch.Reconciler.EnsureRecord(ctx, "acct_new")
	require.NoError(t, err)
	_, err = h.orch.OpenPortal(ctx, "acct_new", "https://app/settings")
	assert.Equal(t, ErrNoLinkedSubscription, KindOf(err))
	assert.Empty(t, h.fake.Calls())
}
