package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"billingsync/internal/logging"
	"billingsync/internal/normalize"
	"billingsync/internal/observability"
	"billingsync/internal/pipeline"
)

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		observability.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		observability.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()
	respond := func(code int, body any) {
		status = code
		writeJSON(w, code, body)
	}

	if s.webhooks == nil || s.opts.WebhookSecret == "" {
		respond(http.StatusInternalServerError, errorBody{Error: "billing webhook not configured"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond(http.StatusRequestEntityTooLarge, errorBody{Error: "payload too large"})
			return
		}
		respond(http.StatusBadRequest, errorBody{Error: "failed to read payload"})
		return
	}

	if err := webhook.ValidatePayloadWithTolerance(payload, r.Header.Get("Stripe-Signature"), s.opts.WebhookSecret, s.opts.WebhookTolerance); err != nil {
		s.logger.Warn().Err(err).Msg("stripe webhook signature rejected")
		respond(http.StatusBadRequest, errorBody{Error: "invalid signature"})
		return
	}

	receipt, err := s.webhooks.Accept(r.Context(), payload)
	if receipt.EventType != "" {
		eventType = receipt.EventType
	}
	switch {
	case err == nil:
	case normalize.ReasonOf(err) == normalize.ReasonMalformedPayload:
		respond(http.StatusBadRequest, errorBody{Error: "malformed event", Code: string(normalize.ReasonMalformedPayload)})
		return
	case pipeline.Terminal(err):
		// Redelivery cannot fix this; the ledger keeps the failure for operators.
		respond(http.StatusOK, map[string]any{"received": true, "status": pipeline.DispositionFailed, "event_id": receipt.EventID})
		return
	default:
		s.logger.Error().Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Str("event_id", receipt.EventID).
			Str("event_type", eventType).
			Msg("stripe webhook processing failed")
		respond(http.StatusServiceUnavailable, errorBody{Error: "temporarily unable to process event"})
		return
	}

	code := http.StatusOK
	if receipt.Disposition == pipeline.DispositionQueued {
		code = http.StatusAccepted
	}
	respond(code, map[string]any{"received": true, "status": receipt.Disposition, "event_id": receipt.EventID})
}
