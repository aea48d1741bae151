package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/actions"
	"billingsync/internal/auth"
	"billingsync/internal/billing"
	"billingsync/internal/normalize"
	"billingsync/internal/reconcile"
	"billingsync/internal/store"
)

type billingView struct {
	AccountID        string           `json:"account_id"`
	AccessStatus     string           `json:"access_status"`
	BillableQuantity int64            `json:"billable_quantity"`
	Capacity         billing.Capacity `json:"capacity"`
	PeriodEnd        *time.Time       `json:"period_end,omitempty"`
	PaymentConfirmed bool             `json:"payment_confirmed"`
	Linked           bool             `json:"linked"`
	LastReconciledAt *time.Time       `json:"last_reconciled_at,omitempty"`
}

func viewOf(rec billing.Record) billingView {
	return billingView{
		AccountID:        rec.AccountID,
		AccessStatus:     string(rec.AccessStatus),
		BillableQuantity: rec.BillableQuantity,
		Capacity:         billing.ResolveCapacity(rec.BillableQuantity),
		PeriodEnd:        timePtr(rec.PeriodEnd),
		PaymentConfirmed: rec.PaymentConfirmed,
		Linked:           rec.Linked(),
		LastReconciledAt: timePtr(rec.LastReconciledAt),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) handleGetBilling(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.GetRecord(r.Context(), chi.URLParam(r, "accountID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "billing record not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("load billing record")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) handleBillingHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	items, err := s.records.ListTransitions(r.Context(), chi.URLParam(r, "accountID"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list billing transitions")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []store.Transition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": items})
}

type actionRequest struct {
	Action   string `json:"action" validate:"required,oneof=set_quantity pause resume"`
	Quantity int64  `json:"quantity" validate:"required_if=Action set_quantity,omitempty,min=1,max=10000"`
}

func (s *Server) handleSubscriptionAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: string(actions.ErrInvalidAction)})
		return
	}
	action := actions.Action{Kind: actions.Kind(req.Action), Quantity: req.Quantity}
	accountID := chi.URLParam(r, "accountID")

	out, err := s.actions.Apply(r.Context(), accountID, action)
	if err != nil {
		s.writeActionError(w, accountID, err)
		return
	}
	body := map[string]any{
		"access_status":     out.AccessStatus,
		"billable_quantity": out.BillableQuantity,
		"capacity":          out.Capacity,
		"changed":           out.Changed,
	}
	if !out.EffectiveEnd.IsZero() {
		body["effective_end"] = out.EffectiveEnd
	}
	writeJSON(w, http.StatusOK, body)
}

type checkoutRequest struct {
	Email      string `json:"email" validate:"omitempty,email"`
	Slots      int64  `json:"slots" validate:"required,min=1,max=10000"`
	SuccessURL string `json:"success_url" validate:"required,url"`
	CancelURL  string `json:"cancel_url" validate:"required,url"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	accountID := chi.URLParam(r, "accountID")
	sess, err := s.actions.StartCheckout(r.Context(), actions.CheckoutRequest{
		AccountID:  accountID,
		Email:      req.Email,
		Slots:      req.Slots,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		s.writeActionError(w, accountID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkout_url": sess.URL, "session_id": sess.ID})
}

type portalRequest struct {
	ReturnURL string `json:"return_url" validate:"required,url"`
}

func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	accountID := chi.URLParam(r, "accountID")
	sess, err := s.actions.OpenPortal(r.Context(), accountID, req.ReturnURL)
	if err != nil {
		s.writeActionError(w, accountID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"portal_url": sess.URL})
}

func (s *Server) writeActionError(w http.ResponseWriter, accountID string, err error) {
	kind := actions.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case actions.ErrInvalidAction:
		status = http.StatusBadRequest
	case actions.ErrNoLinkedSubscription, actions.ErrSubscriptionExists:
		status = http.StatusConflict
	case actions.ErrSubscriptionNotFound:
		status = http.StatusNotFound
	case actions.ErrProcessorRejected:
		status = http.StatusUnprocessableEntity
	case actions.ErrProcessorUnreachable:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("account_id", accountID).Msg("subscription action failed")
		writeError(w, status, "internal error")
		return
	}
	s.logger.Warn().Err(err).Str("account_id", accountID).Str("kind", string(kind)).Msg("subscription action rejected")
	var aerr *actions.Error
	msg := string(kind)
	if errors.As(err, &aerr) {
		msg = aerr.Msg
	}
	writeJSON(w, status, errorBody{Error: msg, Code: string(kind)})
}

func (s *Server) handleAdminSync(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	res, err := s.syncer.SyncAccount(r.Context(), accountID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case normalize.ReasonOf(err) == normalize.ReasonReferenceNotFound:
			status = http.StatusNotFound
		case normalize.ReasonOf(err) == normalize.ReasonProcessorUnreachable:
			status = http.StatusServiceUnavailable
		case errors.Is(err, reconcile.ErrReferenceConflict):
			status = http.StatusConflict
		}
		s.logger.Warn().Err(err).Str("account_id", accountID).Msg("manual sync failed")
		writeJSON(w, status, errorBody{Error: http.StatusText(status), Code: string(normalize.ReasonOf(err))})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"previous_status": res.PreviousStatus,
		"changed":         res.Changed,
		"drift_repaired":  res.DriftRepaired,
		"stale":           res.Stale,
		"billing":         viewOf(res.Record),
	})
}

type linkRequest struct {
	CustomerRef     string `json:"customer_ref" validate:"required,startswith=cus_"`
	SubscriptionRef string `json:"subscription_ref" validate:"omitempty,startswith=sub_"`
}

func (s *Server) handleAdminLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	principal, _ := auth.PrincipalFrom(r.Context())
	accountID := chi.URLParam(r, "accountID")
	rec, err := s.linker.Relink(r.Context(), accountID, req.CustomerRef, req.SubscriptionRef, principal.Actor())
	if errors.Is(err, reconcile.ErrReferenceConflict) {
		writeError(w, http.StatusConflict, "subscription is linked to another account")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", accountID).Msg("relink account")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}
