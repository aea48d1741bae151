package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stripe/stripe-go/v82"

	"billingsync/internal/billing"
)

const envelopeSchemaJSON = `{
  "type": "object",
  "required": ["id", "type", "created", "data"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1},
    "created": {"type": "integer", "minimum": 0},
    "data": {
      "type": "object",
      "required": ["object"],
      "properties": {"object": {"type": "object"}}
    }
  }
}`

var envelopeSchema = func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("stripe-event.json", strings.NewReader(envelopeSchemaJSON)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("stripe-event.json")
}()

// Event types that carry subscription state.
const (
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventSubscriptionPaused       = "customer.subscription.paused"
	EventSubscriptionResumed      = "customer.subscription.resumed"
	EventSubscriptionTrialWillEnd = "customer.subscription.trial_will_end"
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
)

// Envelope is the validated outer shape of a processor event.
type Envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEnvelope validates payload against the event envelope schema.
func ParseEnvelope(payload []byte) (Envelope, error) {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Envelope{}, &Error{Reason: ReasonMalformedPayload, Err: err}
	}
	if err := envelopeSchema.Validate(doc); err != nil {
		return Envelope{}, &Error{Reason: ReasonMalformedPayload, Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, &Error{Reason: ReasonMalformedPayload, Err: err}
	}
	return env, nil
}

// FromWebhook normalizes a signature-verified event payload. Events that only
// reference a subscription (checkout, invoices) trigger a fresh retrieval.
func (n *Normalizer) FromWebhook(ctx context.Context, payload []byte) (Trigger, error) {
	env, err := ParseEnvelope(payload)
	if err != nil {
		return Trigger{}, err
	}
	trigger := Trigger{EventID: env.ID, EventType: env.Type}

	var snap billing.Snapshot
	switch env.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventSubscriptionPaused, EventSubscriptionResumed, EventSubscriptionTrialWillEnd:
		snap, err = subscriptionSnapshot(env)
		if err != nil {
			return trigger, err
		}
	case EventCheckoutSessionCompleted:
		snap, err = n.checkoutSnapshot(ctx, env)
		if err != nil {
			return trigger, err
		}
	case EventInvoicePaid, EventInvoicePaymentFailed:
		snap, err = n.invoiceSnapshot(ctx, env)
		if err != nil {
			return trigger, err
		}
	default:
		return trigger, ErrIgnored
	}

	accountID, err := n.ResolveAccount(ctx, snap)
	if err != nil {
		return trigger, err
	}
	trigger.AccountID = accountID
	trigger.Snapshot = snap
	return trigger, nil
}

func subscriptionSnapshot(env Envelope) (billing.Snapshot, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(env.Data.Object, &sub); err != nil {
		return billing.Snapshot{}, &Error{Reason: ReasonMalformedPayload, Detail: env.Type, Err: err}
	}
	if sub.ID == "" {
		return billing.Snapshot{}, &Error{Reason: ReasonMalformedPayload, Detail: env.Type + " without subscription id"}
	}
	snap := FromSubscription(&sub, billing.SourceWebhook, unixTime(env.Created))
	snap.EventCreated = unixTime(env.Created)
	if env.Type == EventSubscriptionDeleted {
		snap.Status = string(stripe.SubscriptionStatusCanceled)
	}

	// Older API versions carry the period end on the subscription itself.
	var legacy struct {
		CurrentPeriodEnd int64 `json:"current_period_end"`
	}
	if err := json.Unmarshal(env.Data.Object, &legacy); err == nil {
		if end := unixTime(legacy.CurrentPeriodEnd); end.After(snap.PeriodEnd) {
			snap.PeriodEnd = end
		}
	}
	return snap, nil
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	Subscription      json.RawMessage   `json:"subscription"`
}

func (n *Normalizer) checkoutSnapshot(ctx context.Context, env Envelope) (billing.Snapshot, error) {
	var sess checkoutSessionObject
	if err := json.Unmarshal(env.Data.Object, &sess); err != nil {
		return billing.Snapshot{}, &Error{Reason: ReasonMalformedPayload, Detail: env.Type, Err: err}
	}
	subscriptionRef := expandableID(sess.Subscription)
	if subscriptionRef == "" {
		return billing.Snapshot{}, ErrIgnored
	}
	sub, err := n.retrieve(ctx, subscriptionRef)
	if err != nil {
		return billing.Snapshot{}, err
	}
	snap := FromSubscription(sub, billing.SourceWebhook, n.now())
	snap.PaymentConfirmed = true
	if hint := strings.TrimSpace(sess.Metadata["account_id"]); hint != "" {
		snap.AccountHint = hint
	} else if hint := strings.TrimSpace(sess.ClientReferenceID); hint != "" {
		snap.AccountHint = hint
	}
	return snap, nil
}

type invoiceObject struct {
	ID           string          `json:"id"`
	Subscription json.RawMessage `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (n *Normalizer) invoiceSnapshot(ctx context.Context, env Envelope) (billing.Snapshot, error) {
	var inv invoiceObject
	if err := json.Unmarshal(env.Data.Object, &inv); err != nil {
		return billing.Snapshot{}, &Error{Reason: ReasonMalformedPayload, Detail: env.Type, Err: err}
	}
	subscriptionRef := expandableID(inv.Subscription)
	if subscriptionRef == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		subscriptionRef = expandableID(inv.Parent.SubscriptionDetails.Subscription)
	}
	if subscriptionRef == "" {
		// One-off invoices have no subscription to reconcile.
		return billing.Snapshot{}, ErrIgnored
	}
	sub, err := n.retrieve(ctx, subscriptionRef)
	if err != nil {
		return billing.Snapshot{}, err
	}
	snap := FromSubscription(sub, billing.SourceWebhook, n.now())
	snap.PaymentConfirmed = env.Type == EventInvoicePaid
	return snap, nil
}

// expandableID reads a field that is either an id string or an expanded object.
func expandableID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return ""
		}
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	return obj.ID
}

func (t Trigger) String() string {
	return fmt.Sprintf("%s %s account=%s subscription=%s", t.EventType, t.EventID, t.AccountID, t.Snapshot.SubscriptionRef)
}
