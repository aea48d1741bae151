package notify

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"billingsync/internal/observability"
)

// Notifier accepts intents after the reconciliation that produced them has
// committed. Implementations must not block the caller on delivery.
type Notifier interface {
	Notify(ctx context.Context, intent Intent)
}

type messageTemplate struct {
	subject string
	body    *template.Template
}

var templates = map[Kind]messageTemplate{
	KindPaused: {
		subject: "Your subscription is paused",
		body: template.Must(template.New("paused").Parse(`Your subscription has been paused and billing is stopped.
Access stays available until {{.PeriodEnd}}.

Resume at any time from your billing settings.`)),
	},
	KindResumed: {
		subject: "Your subscription is active again",
		body: template.Must(template.New("resumed").Parse(`Your subscription has been resumed. You have {{.Quantity}} active slot{{if ne .Quantity 1}}s{{end}}.`)),
	},
	KindLatePaymentConfirmed: {
		subject: "Payment confirmed",
		body: template.Must(template.New("late_payment_confirmed").Parse(`We have confirmed your payment. Your subscription is active through {{.PeriodEnd}}.`)),
	},
	KindPaymentConfirmed: {
		subject: "Welcome aboard, your payment is confirmed",
		body: template.Must(template.New("payment_confirmed").Parse(`Thanks! Your subscription is active with {{.Quantity}} slot{{if ne .Quantity 1}}s{{end}} through {{.PeriodEnd}}.`)),
	},
	KindPlanChanged: {
		subject: "Your plan has changed",
		body: template.Must(template.New("plan_changed").Parse(`Your plan changed from {{.PreviousQuantity}} to {{.Quantity}} slot{{if ne .Quantity 1}}s{{end}}.`)),
	},
}

type templateData struct {
	PreviousQuantity int64
	Quantity         int64
	PeriodEnd        string
}

// Render builds the message for an intent.
func Render(from string, intent Intent) (Message, error) {
	tmpl, ok := templates[intent.Kind]
	if !ok {
		return Message{}, fmt.Errorf("no template for notification kind %q", intent.Kind)
	}
	data := templateData{
		PreviousQuantity: intent.PreviousQuantity,
		Quantity:         intent.Quantity,
		PeriodEnd:        intent.PeriodEnd.UTC().Format("January 2, 2006"),
	}
	var buf bytes.Buffer
	if err := tmpl.body.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("render %s notification: %w", intent.Kind, err)
	}
	return Message{
		From:    from,
		To:      intent.Email,
		Subject: tmpl.subject,
		Text:    buf.String(),
		Tag:     string(intent.Kind),
	}, nil
}

// Dispatcher renders intents and sends them on background goroutines.
// Delivery failures are logged and counted, never returned.
type Dispatcher struct {
	sender  Sender
	from    string
	logger  zerolog.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(sender Sender, from string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		from:    from,
		logger:  logger,
		timeout: 15 * time.Second,
	}
}

func (d *Dispatcher) Notify(ctx context.Context, intent Intent) {
	if intent.Email == "" {
		d.logger.Info().Str("account_id", intent.AccountID).Str("kind", string(intent.Kind)).Msg("notification skipped: no billing email on record")
		observability.NotificationsTotal.WithLabelValues(string(intent.Kind), "skipped").Inc()
		return
	}
	msg, err := Render(d.from, intent)
	if err != nil {
		d.logger.Error().Err(err).Str("account_id", intent.AccountID).Msg("render notification")
		observability.NotificationsTotal.WithLabelValues(string(intent.Kind), "error").Inc()
		return
	}

	// Detached from the request so a finished HTTP handler does not cancel delivery.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		if err := d.sender.Send(sendCtx, msg); err != nil {
			d.logger.Warn().Err(err).Str("account_id", intent.AccountID).Str("kind", string(intent.Kind)).Msg("notification delivery failed")
			observability.NotificationsTotal.WithLabelValues(string(intent.Kind), "error").Inc()
			return
		}
		observability.NotificationsTotal.WithLabelValues(string(intent.Kind), "sent").Inc()
	}()
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
