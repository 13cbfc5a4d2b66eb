package payments

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-booking/internal/apperr"
	"github.com/wolfman30/clinic-booking/internal/identity"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// Handler exposes the payment lifecycle over HTTP.
type Handler struct {
	manager *Manager
	logger  *logging.Logger
}

func NewHandler(manager *Manager, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{manager: manager, logger: logger}
}

type createRequest struct {
	AppointmentID  string `json:"appointmentId"`
	PaymentGateway string `json:"paymentGateway"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type refundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type refundResponse struct {
	Payment *Payment `json:"payment"`
	Refund  *Refund  `json:"refund"`
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (identity.Actor, bool) {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		apperr.WriteJSON(w, apperr.Unauthorized("Authentication required"))
	}
	return actor, ok
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apperr.WriteJSON(w, apperr.Validation("invalid payload"))
		return false
	}
	return true
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindInternal:
		h.logger.Error("payment request failed", "op", op, "error", err)
	case apperr.KindGateway:
		h.logger.Warn("payment gateway error", "op", op, "error", err)
	}
	apperr.WriteJSON(w, err)
}

// Create handles POST /payments. A reused payment answers 200.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !decode(w, r, &req) {
		return
	}
	p, created, err := h.manager.Create(r.Context(), actor, CreateInput{
		AppointmentID: req.AppointmentID,
		Gateway:       req.PaymentGateway,
	})
	if err != nil {
		h.fail(w, "create", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respond(w, status, p)
}

// Get handles GET /payments/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	p, err := h.manager.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get", err)
		return
	}
	respond(w, http.StatusOK, p)
}

// Verify handles POST /payments/{id}/verify.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	p, err := h.manager.Verify(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "verify", err)
		return
	}
	respond(w, http.StatusOK, p)
}

// UpdateStatus handles PUT /payments/{id}/status for offline payments.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Status == "" {
		apperr.WriteJSON(w, apperr.Validation("status is required"))
		return
	}
	p, err := h.manager.UpdateOfflineStatus(r.Context(), actor, chi.URLParam(r, "id"), Status(req.Status))
	if err != nil {
		h.fail(w, "update_status", err)
		return
	}
	respond(w, http.StatusOK, p)
}

// Refund handles POST /payments/{id}/refund. Amount is in minor units and
// defaults to the full remaining amount.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if !decode(w, r, &req) {
		return
	}
	p, refund, err := h.manager.Refund(r.Context(), actor, chi.URLParam(r, "id"), RefundInput{
		AmountCents: req.Amount,
		Reason:      req.Reason,
	})
	if err != nil {
		h.fail(w, "refund", err)
		return
	}
	respond(w, http.StatusOK, refundResponse{Payment: p, Refund: refund})
}

// ListRefunds handles GET /payments/{id}/refunds.
func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	refunds, err := h.manager.ListRefunds(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "list_refunds", err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"refunds": refunds})
}

// RetryRefund handles POST /payments/{id}/refunds/{refundID}/retry.
func (h *Handler) RetryRefund(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	refund, err := h.manager.RetryRefundSync(r.Context(), actor, chi.URLParam(r, "id"), chi.URLParam(r, "refundID"))
	if err != nil {
		h.fail(w, "retry_refund", err)
		return
	}
	respond(w, http.StatusOK, refund)
}
