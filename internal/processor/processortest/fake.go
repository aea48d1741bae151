// Package processortest provides an in-memory processor.Client for tests.
package processortest

import (
	"context"
	"fmt"
	"sync"

	"github.com/stripe/stripe-go/v82"

	"billingsync/internal/billing"
	"billingsync/internal/processor"
)

// Fake is a processor.Client backed by a map of subscriptions. Queue errors
// with Fail to make the next call of an operation return them.
type Fake struct {
	mu        sync.Mutex
	subs      map[string]*stripe.Subscription
	failures  map[string][]error
	calls     []string
	seq       int
	Checkouts []processor.CheckoutRequest
	Portals   []string
	Customers map[string]string
}

var _ processor.Client = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		subs:      make(map[string]*stripe.Subscription),
		failures:  make(map[string][]error),
		Customers: make(map[string]string),
	}
}

// Put stores a copy of sub.
func (f *Fake) Put(sub *stripe.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.ID] = copySubscription(sub)
}

// Get returns a copy of the stored subscription.
func (f *Fake) Get(id string) (*stripe.Subscription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, false
	}
	return copySubscription(sub), true
}

// Fail queues err for the next call of op.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Calls returns the operations invoked so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) begin(op string) error {
	f.calls = append(f.calls, op)
	if queued := f.failures[op]; len(queued) > 0 {
		f.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *Fake) lookup(op, id string) (*stripe.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, &processor.Error{Op: op, Kind: processor.ErrNotFound, Code: string(stripe.ErrorCodeResourceMissing), StatusCode: 404}
	}
	return sub, nil
}

func (f *Fake) RetrieveSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("retrieve_subscription"); err != nil {
		return nil, err
	}
	sub, err := f.lookup("retrieve_subscription", id)
	if err != nil {
		return nil, err
	}
	return copySubscription(sub), nil
}

func (f *Fake) UpdateSubscriptionItems(_ context.Context, id string, changes []billing.ItemChange) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("update_subscription_items"); err != nil {
		return nil, err
	}
	sub, err := f.lookup("update_subscription_items", id)
	if err != nil {
		return nil, err
	}
	for _, change := range changes {
		switch {
		case change.Delete:
			kept := sub.Items.Data[:0]
			for _, item := range sub.Items.Data {
				if item.ID != change.ItemRef {
					kept = append(kept, item)
				}
			}
			sub.Items.Data = kept
		case change.ItemRef != "":
			for _, item := range sub.Items.Data {
				if item.ID == change.ItemRef {
					item.Quantity = change.Quantity
				}
			}
		default:
			f.seq++
			sub.Items.Data = append(sub.Items.Data, &stripe.SubscriptionItem{
				ID:       fmt.Sprintf("si_fake_%d", f.seq),
				Price:    &stripe.Price{ID: change.PriceRef},
				Quantity: change.Quantity,
			})
		}
	}
	return copySubscription(sub), nil
}

func (f *Fake) PauseCollection(_ context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("pause_collection"); err != nil {
		return nil, err
	}
	sub, err := f.lookup("pause_collection", id)
	if err != nil {
		return nil, err
	}
	sub.PauseCollection = &stripe.SubscriptionPauseCollection{Behavior: stripe.SubscriptionPauseCollectionBehavior(billing.PauseBehaviorVoid)}
	return copySubscription(sub), nil
}

func (f *Fake) ResumeCollection(_ context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("resume_collection"); err != nil {
		return nil, err
	}
	sub, err := f.lookup("resume_collection", id)
	if err != nil {
		return nil, err
	}
	sub.PauseCollection = nil
	return copySubscription(sub), nil
}

func (f *Fake) FindActiveSubscription(_ context.Context, customerRef string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("find_active_subscription"); err != nil {
		return nil, err
	}
	for _, sub := range f.subs {
		if sub.Customer == nil || sub.Customer.ID != customerRef {
			continue
		}
		if sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing {
			return copySubscription(sub), nil
		}
	}
	return nil, &processor.Error{Op: "find_active_subscription", Kind: processor.ErrNotFound}
}

func (f *Fake) CreateCustomer(_ context.Context, accountID, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("create_customer"); err != nil {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("cus_fake_%d", f.seq)
	f.Customers[id] = accountID
	return id, nil
}

func (f *Fake) CreateCheckoutSession(_ context.Context, req processor.CheckoutRequest) (processor.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("create_checkout_session"); err != nil {
		return processor.CheckoutSession{}, err
	}
	f.seq++
	f.Checkouts = append(f.Checkouts, req)
	id := fmt.Sprintf("cs_fake_%d", f.seq)
	return processor.CheckoutSession{ID: id, URL: "https://checkout.test/" + id}, nil
}

func (f *Fake) CreatePortalSession(_ context.Context, customerRef, returnURL string) (processor.PortalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("create_portal_session"); err != nil {
		return processor.PortalSession{}, err
	}
	f.seq++
	f.Portals = append(f.Portals, customerRef)
	id := fmt.Sprintf("bps_fake_%d", f.seq)
	return processor.PortalSession{ID: id, URL: "https://portal.test/" + id}, nil
}

// Subscription builds a subscription fixture.
func Subscription(id, customerRef string, status stripe.SubscriptionStatus, items ...*stripe.SubscriptionItem) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       id,
		Customer: &stripe.Customer{ID: customerRef},
		Status:   status,
		Items:    &stripe.SubscriptionItemList{Data: items},
		Metadata: map[string]string{},
	}
}

// Item builds a subscription item fixture.
func Item(id, priceRef string, quantity int64, periodEnd int64) *stripe.SubscriptionItem {
	return &stripe.SubscriptionItem{
		ID:               id,
		Price:            &stripe.Price{ID: priceRef},
		Quantity:         quantity,
		CurrentPeriodEnd: periodEnd,
	}
}

func copySubscription(sub *stripe.Subscription) *stripe.Subscription {
	out := *sub
	if sub.Customer != nil {
		cust := *sub.Customer
		out.Customer = &cust
	}
	if sub.PauseCollection != nil {
		pc := *sub.PauseCollection
		out.PauseCollection = &pc
	}
	if sub.Metadata != nil {
		out.Metadata = make(map[string]string, len(sub.Metadata))
		for k, v := range sub.Metadata {
			out.Metadata[k] = v
		}
	}
	if sub.Items != nil {
		list := *sub.Items
		list.Data = make([]*stripe.SubscriptionItem, 0, len(sub.Items.Data))
		for _, item := range sub.Items.Data {
			cp := *item
			if item.Price != nil {
				price := *item.Price
				cp.Price = &price
			}
			list.Data = append(list.Data, &cp)
		}
		out.Items = &list
	}
	return &out
}
